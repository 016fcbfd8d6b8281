// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/mandrake/pkg/errdefs"
)

// MemoryStore is an in-process Store, primarily for tests.
type MemoryStore struct {
	workspaceID string

	mu       sync.Mutex
	sessions map[string]*Session
	rounds   map[string][]*Round // keyed by session id
	turns    map[string][]*Turn  // keyed by response id
	byTurnID map[string]*Turn

	subMu       sync.Mutex
	subscribers map[string][]chan *Turn
	closed      bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(workspaceID string) *MemoryStore {
	return &MemoryStore{
		workspaceID: workspaceID,
		sessions:    make(map[string]*Session),
		rounds:      make(map[string][]*Round),
		turns:       make(map[string][]*Turn),
		byTurnID:    make(map[string]*Turn),
		subscribers: make(map[string][]chan *Turn),
	}
}

var _ Store = (*MemoryStore)(nil)

// CreateSession stores a new session.
func (s *MemoryStore) CreateSession(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.WorkspaceID == "" {
		sess.WorkspaceID = s.workspaceID
	}
	if _, ok := s.sessions[sess.ID]; ok {
		return errdefs.New(errdefs.KindConflict, "session already exists")
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

// GetSession returns a session by id.
func (s *MemoryStore) GetSession(ctx context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, errdefs.New(errdefs.KindNotFound, "session not found")
	}
	cp := *sess
	return &cp, nil
}

// ListSessions returns all sessions, newest first.
func (s *MemoryStore) ListSessions(ctx context.Context) ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		cp := *sess
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// UpdateSession updates the mutable fields.
func (s *MemoryStore) UpdateSession(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.sessions[sess.ID]
	if !ok {
		return errdefs.New(errdefs.KindNotFound, "session not found")
	}
	cur.Title = sess.Title
	cur.Description = sess.Description
	cur.Metadata = sess.Metadata
	cur.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteSession removes a session and everything under it.
func (s *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.sessions[id]; !ok {
		s.mu.Unlock()
		return errdefs.New(errdefs.KindNotFound, "session not found")
	}
	delete(s.sessions, id)
	for _, round := range s.rounds[id] {
		for _, t := range s.turns[round.ResponseID] {
			delete(s.byTurnID, t.ID)
		}
		delete(s.turns, round.ResponseID)
	}
	delete(s.rounds, id)
	s.mu.Unlock()

	s.subMu.Lock()
	for _, ch := range s.subscribers[id] {
		close(ch)
	}
	delete(s.subscribers, id)
	s.subMu.Unlock()
	return nil
}

// CreateRound stores a request, response, and round with the next
// dense index.
func (s *MemoryStore) CreateRound(ctx context.Context, sessionID, userContent string) (*Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, errdefs.New(errdefs.KindNotFound, "session not found")
	}

	now := time.Now().UTC()
	round := &Round{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Index:      len(s.rounds[sessionID]),
		RequestID:  uuid.NewString(),
		ResponseID: uuid.NewString(),
		CreatedAt:  now,
	}
	round.Request = &Request{ID: round.RequestID, SessionID: sessionID, Content: userContent, CreatedAt: now}
	round.Response = &Response{ID: round.ResponseID, SessionID: sessionID, CreatedAt: now}

	s.rounds[sessionID] = append(s.rounds[sessionID], round)
	cp := *round
	return &cp, nil
}

// ListRounds returns a session's rounds in index order.
func (s *MemoryStore) ListRounds(ctx context.Context, sessionID string) ([]*Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rounds := s.rounds[sessionID]
	out := make([]*Round, 0, len(rounds))
	for _, r := range rounds {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// CreateTurn stores a new turn and notifies subscribers.
func (s *MemoryStore) CreateTurn(ctx context.Context, t *Turn) error {
	s.mu.Lock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = TurnStreaming
	}
	if t.StreamStartTime.IsZero() {
		t.StreamStartTime = time.Now().UTC()
	}
	t.Index = len(s.turns[t.ResponseID])

	cp := t.Clone()
	s.turns[t.ResponseID] = append(s.turns[t.ResponseID], cp)
	s.byTurnID[t.ID] = cp
	s.mu.Unlock()

	s.notifySubscribers(t)
	return nil
}

// UpdateTurn persists a turn change. Terminal turns are immutable.
func (s *MemoryStore) UpdateTurn(ctx context.Context, t *Turn) error {
	s.mu.Lock()
	cur, ok := s.byTurnID[t.ID]
	if !ok {
		s.mu.Unlock()
		return errdefs.New(errdefs.KindNotFound, "turn not found")
	}
	if cur.Status.Terminal() {
		s.mu.Unlock()
		return errdefs.New(errdefs.KindConflict, "turn is terminal")
	}
	*cur = *t.Clone()
	s.mu.Unlock()

	s.notifySubscribers(t)
	return nil
}

// SetToolResponse records the tool result on a turn. Allowed on
// terminal turns.
func (s *MemoryStore) SetToolResponse(ctx context.Context, turnID string, response any) error {
	s.mu.Lock()
	cur, ok := s.byTurnID[turnID]
	if !ok {
		s.mu.Unlock()
		return errdefs.New(errdefs.KindNotFound, "turn not found")
	}
	if cur.ToolCalls.Call == nil {
		s.mu.Unlock()
		return errdefs.New(errdefs.KindConflict, "turn has no tool call")
	}
	cur.ToolCalls.Response = response
	notify := cur.Clone()
	s.mu.Unlock()

	s.notifySubscribers(notify)
	return nil
}

// ListTurns returns a response's turns in index order.
func (s *MemoryStore) ListTurns(ctx context.Context, responseID string) ([]*Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	turns := s.turns[responseID]
	out := make([]*Turn, 0, len(turns))
	for _, t := range turns {
		out = append(out, t.Clone())
	}
	return out, nil
}

// GetStreamingStatus derives completion for a response.
func (s *MemoryStore) GetStreamingStatus(ctx context.Context, responseID string) (*StreamingStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.turns[responseID] {
		if !t.Status.Terminal() {
			return &StreamingStatus{ResponseID: responseID, IsComplete: false}, nil
		}
	}
	return &StreamingStatus{ResponseID: responseID, IsComplete: true}, nil
}

// SubscribeTurns registers a bounded subscriber channel for a session.
func (s *MemoryStore) SubscribeTurns(sessionID string) (<-chan *Turn, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	ch := make(chan *Turn, subscriberBuffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	s.subscribers[sessionID] = append(s.subscribers[sessionID], ch)

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		subs := s.subscribers[sessionID]
		for i, sub := range subs {
			if sub == ch {
				s.subscribers[sessionID] = append(subs[:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

func (s *MemoryStore) notifySubscribers(t *Turn) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for _, ch := range s.subscribers[t.SessionID] {
		turn := t.Clone()
		select {
		case ch <- turn:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- turn:
			default:
				slog.Debug("Dropped turn notification", "session_id", t.SessionID, "turn_id", t.ID)
			}
		}
	}
}

// Close closes every subscriber channel.
func (s *MemoryStore) Close() error {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	for sessionID, subs := range s.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(s.subscribers, sessionID)
	}
	return nil
}

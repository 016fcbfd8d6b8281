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
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kadirpekel/mandrake/pkg/config"
	"github.com/kadirpekel/mandrake/pkg/errdefs"
)

// subscriberBuffer bounds each subscriber channel. A stalled
// subscriber loses its oldest pending delivery, never blocks a writer.
const subscriberBuffer = 10

// SQLStore implements Store over database/sql with sqlite, postgres,
// or mysql.
type SQLStore struct {
	db          *sql.DB
	dialect     string
	workspaceID string

	// writeMu serializes writes within the store so per-session
	// ordering is total even on drivers without serializable defaults.
	writeMu sync.Mutex

	subMu       sync.Mutex
	subscribers map[string][]chan *Turn
	closed      bool
}

// NewSQLStore opens (and migrates) a session database for one
// workspace.
func NewSQLStore(ctx context.Context, storage config.StorageConfig, workspaceID string) (*SQLStore, error) {
	driver := storage.Driver
	dsn := storage.DSN

	driverName := driver
	if driver == "sqlite" {
		driverName = "sqlite3"
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	db.SetMaxOpenConns(storage.MaxConns)
	db.SetMaxIdleConns(storage.MaxIdle)
	if driver == "sqlite" {
		// sqlite tolerates one writer; keep the pool at one connection
		// so the busy handler never fires under our own load.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", driver, err)
	}

	s := &SQLStore{
		db:          db,
		dialect:     driver,
		workspaceID: workspaceID,
		subscribers: make(map[string][]chan *Turn),
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

var _ Store = (*SQLStore)(nil)

func (s *SQLStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id VARCHAR(64) PRIMARY KEY,
			workspace_id VARCHAR(64) NOT NULL,
			title TEXT,
			description TEXT,
			metadata TEXT,
			created_at VARCHAR(64) NOT NULL,
			updated_at VARCHAR(64) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS requests (
			id VARCHAR(64) PRIMARY KEY,
			session_id VARCHAR(64) NOT NULL,
			content TEXT,
			created_at VARCHAR(64) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS responses (
			id VARCHAR(64) PRIMARY KEY,
			session_id VARCHAR(64) NOT NULL,
			created_at VARCHAR(64) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS rounds (
			id VARCHAR(64) PRIMARY KEY,
			session_id VARCHAR(64) NOT NULL,
			idx INTEGER NOT NULL,
			request_id VARCHAR(64) NOT NULL,
			response_id VARCHAR(64) NOT NULL,
			created_at VARCHAR(64) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS turns (
			id VARCHAR(64) PRIMARY KEY,
			session_id VARCHAR(64) NOT NULL,
			response_id VARCHAR(64) NOT NULL,
			idx INTEGER NOT NULL,
			raw_response TEXT,
			content TEXT,
			tool_calls TEXT,
			status VARCHAR(16) NOT NULL,
			error TEXT,
			stream_start VARCHAR(64) NOT NULL,
			stream_end VARCHAR(64),
			current_tokens INTEGER NOT NULL,
			expected_tokens INTEGER,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			input_cost REAL NOT NULL,
			output_cost REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rounds_session ON rounds (session_id, idx)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_response ON turns (response_id, idx)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_session ON turns (session_id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate session schema: %w", err)
		}
	}
	return nil
}

// rebind converts ? placeholders to the dialect's form.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// CreateSession stores a new session.
func (s *SQLStore) CreateSession(ctx context.Context, sess *Session) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.WorkspaceID == "" {
		sess.WorkspaceID = s.workspaceID
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	metadata, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal session metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO sessions (id, workspace_id, title, description, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		sess.ID, sess.WorkspaceID, sess.Title, sess.Description, string(metadata),
		fmtTime(sess.CreatedAt), fmtTime(sess.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession returns a session by id.
func (s *SQLStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, workspace_id, title, description, metadata, created_at, updated_at
		 FROM sessions WHERE id = ?`), id)
	return scanSession(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var metadata, createdAt, updatedAt string
	err := row.Scan(&sess.ID, &sess.WorkspaceID, &sess.Title, &sess.Description,
		&metadata, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, errdefs.New(errdefs.KindNotFound, "session not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	if metadata != "" && metadata != "null" {
		if err := json.Unmarshal([]byte(metadata), &sess.Metadata); err != nil {
			return nil, fmt.Errorf("failed to parse session metadata: %w", err)
		}
	}
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	return &sess, nil
}

// ListSessions returns all sessions, newest first.
func (s *SQLStore) ListSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workspace_id, title, description, metadata, created_at, updated_at
		 FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// UpdateSession updates the mutable session fields.
func (s *SQLStore) UpdateSession(ctx context.Context, sess *Session) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	metadata, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal session metadata: %w", err)
	}
	sess.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE sessions SET title = ?, description = ?, metadata = ?, updated_at = ? WHERE id = ?`),
		sess.Title, sess.Description, string(metadata), fmtTime(sess.UpdatedAt), sess.ID)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.New(errdefs.KindNotFound, "session not found")
	}
	return nil
}

// DeleteSession removes a session and everything under it.
func (s *SQLStore) DeleteSession(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM sessions WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.New(errdefs.KindNotFound, "session not found")
	}
	for _, table := range []string{"rounds", "requests", "responses", "turns"} {
		if _, err := tx.ExecContext(ctx,
			s.rebind(`DELETE FROM `+table+` WHERE session_id = ?`), id); err != nil {
			return fmt.Errorf("failed to delete session %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}

	s.closeSessionSubscribers(id)
	return nil
}

// CreateRound atomically stores a request, response, and round with
// the next dense index.
func (s *SQLStore) CreateRound(ctx context.Context, sessionID, userContent string) (*Round, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var next int
	err = tx.QueryRowContext(ctx, s.rebind(
		`SELECT COALESCE(MAX(idx), -1) + 1 FROM rounds WHERE session_id = ?`), sessionID).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("failed to compute round index: %w", err)
	}

	now := time.Now().UTC()
	round := &Round{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Index:      next,
		RequestID:  uuid.NewString(),
		ResponseID: uuid.NewString(),
		CreatedAt:  now,
	}
	round.Request = &Request{ID: round.RequestID, SessionID: sessionID, Content: userContent, CreatedAt: now}
	round.Response = &Response{ID: round.ResponseID, SessionID: sessionID, CreatedAt: now}

	if _, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO requests (id, session_id, content, created_at) VALUES (?, ?, ?, ?)`),
		round.RequestID, sessionID, userContent, fmtTime(now)); err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO responses (id, session_id, created_at) VALUES (?, ?, ?)`),
		round.ResponseID, sessionID, fmtTime(now)); err != nil {
		return nil, fmt.Errorf("failed to create response: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO rounds (id, session_id, idx, request_id, response_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		round.ID, sessionID, round.Index, round.RequestID, round.ResponseID, fmtTime(now)); err != nil {
		return nil, fmt.Errorf("failed to create round: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit round: %w", err)
	}
	return round, nil
}

// ListRounds returns a session's rounds in index order.
func (s *SQLStore) ListRounds(ctx context.Context, sessionID string) ([]*Round, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT r.id, r.session_id, r.idx, r.request_id, r.response_id, r.created_at,
		        q.content, q.created_at
		 FROM rounds r
		 JOIN requests q ON q.id = r.request_id
		 WHERE r.session_id = ?
		 ORDER BY r.idx ASC`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rounds: %w", err)
	}
	defer rows.Close()

	var out []*Round
	for rows.Next() {
		var r Round
		var createdAt, reqContent, reqCreatedAt string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Index, &r.RequestID, &r.ResponseID,
			&createdAt, &reqContent, &reqCreatedAt); err != nil {
			return nil, fmt.Errorf("failed to read round: %w", err)
		}
		r.CreatedAt = parseTime(createdAt)
		r.Request = &Request{
			ID:        r.RequestID,
			SessionID: r.SessionID,
			Content:   reqContent,
			CreatedAt: parseTime(reqCreatedAt),
		}
		r.Response = &Response{ID: r.ResponseID, SessionID: r.SessionID, CreatedAt: r.CreatedAt}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// CreateTurn stores a new turn with the next dense index for its
// response and notifies subscribers.
func (s *SQLStore) CreateTurn(ctx context.Context, t *Turn) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = TurnStreaming
	}
	if t.StreamStartTime.IsZero() {
		t.StreamStartTime = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(*) FROM turns WHERE response_id = ?`), t.ResponseID).Scan(&t.Index)
	if err != nil {
		return fmt.Errorf("failed to compute turn index: %w", err)
	}

	toolCalls, err := json.Marshal(t.ToolCalls)
	if err != nil {
		return fmt.Errorf("failed to marshal tool calls: %w", err)
	}

	var streamEnd sql.NullString
	if t.StreamEndTime != nil {
		streamEnd = sql.NullString{String: fmtTime(*t.StreamEndTime), Valid: true}
	}
	var expected sql.NullInt64
	if t.ExpectedTokens != nil {
		expected = sql.NullInt64{Int64: int64(*t.ExpectedTokens), Valid: true}
	}

	if _, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO turns (id, session_id, response_id, idx, raw_response, content, tool_calls,
		                    status, error, stream_start, stream_end, current_tokens,
		                    expected_tokens, input_tokens, output_tokens, input_cost, output_cost)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.SessionID, t.ResponseID, t.Index, t.RawResponse, t.Content, string(toolCalls),
		string(t.Status), t.Error, fmtTime(t.StreamStartTime), streamEnd, t.CurrentTokens,
		expected, t.InputTokens, t.OutputTokens, t.InputCost, t.OutputCost); err != nil {
		return fmt.Errorf("failed to create turn: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit turn: %w", err)
	}

	s.notifySubscribers(t)
	return nil
}

// UpdateTurn persists a turn change and notifies subscribers. Terminal
// turns are immutable.
func (s *SQLStore) UpdateTurn(ctx context.Context, t *Turn) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var status string
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT status FROM turns WHERE id = ?`), t.ID).Scan(&status)
	if err == sql.ErrNoRows {
		return errdefs.New(errdefs.KindNotFound, "turn not found")
	}
	if err != nil {
		return fmt.Errorf("failed to read turn status: %w", err)
	}
	if TurnStatus(status).Terminal() {
		return errdefs.New(errdefs.KindConflict, "turn is terminal")
	}

	toolCalls, err := json.Marshal(t.ToolCalls)
	if err != nil {
		return fmt.Errorf("failed to marshal tool calls: %w", err)
	}
	var streamEnd sql.NullString
	if t.StreamEndTime != nil {
		streamEnd = sql.NullString{String: fmtTime(*t.StreamEndTime), Valid: true}
	}
	var expected sql.NullInt64
	if t.ExpectedTokens != nil {
		expected = sql.NullInt64{Int64: int64(*t.ExpectedTokens), Valid: true}
	}

	if _, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE turns SET raw_response = ?, content = ?, tool_calls = ?, status = ?, error = ?,
		                  stream_end = ?, current_tokens = ?, expected_tokens = ?,
		                  input_tokens = ?, output_tokens = ?, input_cost = ?, output_cost = ?
		 WHERE id = ?`),
		t.RawResponse, t.Content, string(toolCalls), string(t.Status), t.Error,
		streamEnd, t.CurrentTokens, expected, t.InputTokens, t.OutputTokens,
		t.InputCost, t.OutputCost, t.ID); err != nil {
		return fmt.Errorf("failed to update turn: %w", err)
	}

	s.notifySubscribers(t)
	return nil
}

// SetToolResponse records the tool result on a turn and notifies
// subscribers. Allowed on terminal turns; the call is recorded at
// completion time, the server's reply lands afterwards.
func (s *SQLStore) SetToolResponse(ctx context.Context, turnID string, response any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	turn, err := s.getTurn(ctx, turnID)
	if err != nil {
		return err
	}
	if turn.ToolCalls.Call == nil {
		return errdefs.New(errdefs.KindConflict, "turn has no tool call")
	}
	turn.ToolCalls.Response = response

	toolCalls, err := json.Marshal(turn.ToolCalls)
	if err != nil {
		return fmt.Errorf("failed to marshal tool calls: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE turns SET tool_calls = ? WHERE id = ?`), string(toolCalls), turnID); err != nil {
		return fmt.Errorf("failed to record tool response: %w", err)
	}

	s.notifySubscribers(turn)
	return nil
}

func (s *SQLStore) getTurn(ctx context.Context, turnID string) (*Turn, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, session_id, response_id, idx, raw_response, content, tool_calls,
		        status, error, stream_start, stream_end, current_tokens,
		        expected_tokens, input_tokens, output_tokens, input_cost, output_cost
		 FROM turns WHERE id = ?`), turnID)
	if err != nil {
		return nil, fmt.Errorf("failed to read turn: %w", err)
	}
	defer rows.Close()
	turns, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}
	if len(turns) == 0 {
		return nil, errdefs.New(errdefs.KindNotFound, "turn not found")
	}
	return turns[0], nil
}

// ListTurns returns a response's turns in index order.
func (s *SQLStore) ListTurns(ctx context.Context, responseID string) ([]*Turn, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, session_id, response_id, idx, raw_response, content, tool_calls,
		        status, error, stream_start, stream_end, current_tokens,
		        expected_tokens, input_tokens, output_tokens, input_cost, output_cost
		 FROM turns WHERE response_id = ? ORDER BY idx ASC`), responseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list turns: %w", err)
	}
	defer rows.Close()
	return scanTurns(rows)
}

func scanTurns(rows *sql.Rows) ([]*Turn, error) {
	var out []*Turn
	for rows.Next() {
		var t Turn
		var toolCalls, status, streamStart string
		var streamEnd sql.NullString
		var expected sql.NullInt64
		if err := rows.Scan(&t.ID, &t.SessionID, &t.ResponseID, &t.Index, &t.RawResponse,
			&t.Content, &toolCalls, &status, &t.Error, &streamStart, &streamEnd,
			&t.CurrentTokens, &expected, &t.InputTokens, &t.OutputTokens,
			&t.InputCost, &t.OutputCost); err != nil {
			return nil, fmt.Errorf("failed to read turn: %w", err)
		}
		if toolCalls != "" {
			if err := json.Unmarshal([]byte(toolCalls), &t.ToolCalls); err != nil {
				return nil, fmt.Errorf("failed to parse tool calls: %w", err)
			}
		}
		t.Status = TurnStatus(status)
		t.StreamStartTime = parseTime(streamStart)
		if streamEnd.Valid {
			end := parseTime(streamEnd.String)
			t.StreamEndTime = &end
		}
		if expected.Valid {
			n := int(expected.Int64)
			t.ExpectedTokens = &n
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// GetStreamingStatus derives completion for a response.
func (s *SQLStore) GetStreamingStatus(ctx context.Context, responseID string) (*StreamingStatus, error) {
	var live int
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(*) FROM turns WHERE response_id = ? AND status = ?`),
		responseID, string(TurnStreaming)).Scan(&live)
	if err != nil {
		return nil, fmt.Errorf("failed to derive streaming status: %w", err)
	}
	return &StreamingStatus{ResponseID: responseID, IsComplete: live == 0}, nil
}

// SubscribeTurns registers a bounded subscriber channel for a session.
func (s *SQLStore) SubscribeTurns(sessionID string) (<-chan *Turn, func()) {
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

// notifySubscribers delivers a turn copy to every subscriber for its
// session. A full channel loses its oldest pending delivery.
func (s *SQLStore) notifySubscribers(t *Turn) {
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

func (s *SQLStore) closeSessionSubscribers(sessionID string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subscribers[sessionID] {
		close(ch)
	}
	delete(s.subscribers, sessionID)
}

// Close closes every subscriber channel and the database.
func (s *SQLStore) Close() error {
	s.subMu.Lock()
	if s.closed {
		s.subMu.Unlock()
		return nil
	}
	s.closed = true
	for sessionID, subs := range s.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(s.subscribers, sessionID)
	}
	s.subMu.Unlock()

	return s.db.Close()
}

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

import "context"

// Store persists sessions, rounds, and turns for one workspace, and
// fans out turn changes to subscribers.
//
// Write ordering within one session is total: rounds and turns become
// visible to readers and subscribers in the order they were written.
type Store interface {
	// CreateSession stores a new session. A missing id is generated.
	CreateSession(ctx context.Context, s *Session) error

	// GetSession returns a session by id, or a NotFound error.
	GetSession(ctx context.Context, id string) (*Session, error)

	// ListSessions returns all sessions, newest first.
	ListSessions(ctx context.Context) ([]*Session, error)

	// UpdateSession updates title, description, and metadata.
	UpdateSession(ctx context.Context, s *Session) error

	// DeleteSession removes a session and its rounds and turns.
	DeleteSession(ctx context.Context, id string) error

	// CreateRound atomically stores a request, its response container,
	// and a round with the next dense index for the session.
	CreateRound(ctx context.Context, sessionID, userContent string) (*Round, error)

	// ListRounds returns a session's rounds in index order with their
	// requests and responses populated.
	ListRounds(ctx context.Context, sessionID string) ([]*Round, error)

	// CreateTurn stores a new turn, assigning the next dense index for
	// its response, and notifies subscribers.
	CreateTurn(ctx context.Context, t *Turn) error

	// UpdateTurn persists a turn change and notifies subscribers.
	// Updating a turn that is already terminal is an error.
	UpdateTurn(ctx context.Context, t *Turn) error

	// SetToolResponse records the tool result on a turn's tool call
	// and notifies subscribers. This is the one permitted write to a
	// terminal turn: the call is recorded when the turn completes, the
	// server's reply lands afterwards.
	SetToolResponse(ctx context.Context, turnID string, response any) error

	// ListTurns returns a response's turns in index order.
	ListTurns(ctx context.Context, responseID string) ([]*Turn, error)

	// GetStreamingStatus derives completion for a response.
	GetStreamingStatus(ctx context.Context, responseID string) (*StreamingStatus, error)

	// SubscribeTurns returns a channel receiving every turn write for
	// the session, and a cancel func. The channel is bounded; when a
	// subscriber stalls the oldest pending delivery is dropped, never
	// the writer blocked.
	SubscribeTurns(sessionID string) (<-chan *Turn, func())

	// Close releases the store.
	Close() error
}

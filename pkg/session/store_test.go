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
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/mandrake/pkg/config"
	"github.com/kadirpekel/mandrake/pkg/errdefs"
)

// runStoreTests exercises the Store contract against any
// implementation.
func runStoreTests(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("session CRUD", func(t *testing.T) {
		store := open(t)
		defer store.Close()

		sess := &Session{Title: "first"}
		require.NoError(t, store.CreateSession(ctx, sess))
		require.NotEmpty(t, sess.ID)
		assert.Equal(t, "ws-1", sess.WorkspaceID)

		got, err := store.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, "first", got.Title)

		got.Title = "renamed"
		got.Metadata = map[string]string{"k": "v"}
		require.NoError(t, store.UpdateSession(ctx, got))

		got2, err := store.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, "renamed", got2.Title)
		assert.Equal(t, "v", got2.Metadata["k"])

		require.NoError(t, store.DeleteSession(ctx, sess.ID))
		_, err = store.GetSession(ctx, sess.ID)
		assert.True(t, errdefs.IsNotFound(err))
	})

	t.Run("round indexes are dense and increasing", func(t *testing.T) {
		store := open(t)
		defer store.Close()

		sess := &Session{}
		require.NoError(t, store.CreateSession(ctx, sess))

		for i := 0; i < 3; i++ {
			round, err := store.CreateRound(ctx, sess.ID, "hello")
			require.NoError(t, err)
			assert.Equal(t, i, round.Index)
			require.NotNil(t, round.Request)
			assert.Equal(t, "hello", round.Request.Content)
			require.NotEmpty(t, round.ResponseID)
		}

		rounds, err := store.ListRounds(ctx, sess.ID)
		require.NoError(t, err)
		require.Len(t, rounds, 3)
		for i, r := range rounds {
			assert.Equal(t, i, r.Index)
		}
	})

	t.Run("round for unknown session fails", func(t *testing.T) {
		store := open(t)
		defer store.Close()

		_, err := store.CreateRound(ctx, "nope", "hello")
		assert.True(t, errdefs.IsNotFound(err))
	})

	t.Run("turn lifecycle", func(t *testing.T) {
		store := open(t)
		defer store.Close()

		sess := &Session{}
		require.NoError(t, store.CreateSession(ctx, sess))
		round, err := store.CreateRound(ctx, sess.ID, "hi")
		require.NoError(t, err)

		turn := &Turn{SessionID: sess.ID, ResponseID: round.ResponseID}
		require.NoError(t, store.CreateTurn(ctx, turn))
		assert.Equal(t, 0, turn.Index)
		assert.Equal(t, TurnStreaming, turn.Status)

		status, err := store.GetStreamingStatus(ctx, round.ResponseID)
		require.NoError(t, err)
		assert.False(t, status.IsComplete)

		turn.Content = "partial"
		turn.CurrentTokens = 3
		require.NoError(t, store.UpdateTurn(ctx, turn))

		end := time.Now().UTC()
		turn.Status = TurnCompleted
		turn.StreamEndTime = &end
		require.NoError(t, store.UpdateTurn(ctx, turn))

		// Terminal turns are immutable
		turn.Content = "mutated"
		err = store.UpdateTurn(ctx, turn)
		require.Error(t, err)
		assert.Equal(t, errdefs.KindConflict, errdefs.KindOf(err))

		second := &Turn{SessionID: sess.ID, ResponseID: round.ResponseID}
		require.NoError(t, store.CreateTurn(ctx, second))
		assert.Equal(t, 1, second.Index)

		turns, err := store.ListTurns(ctx, round.ResponseID)
		require.NoError(t, err)
		require.Len(t, turns, 2)
		assert.Equal(t, TurnCompleted, turns[0].Status)
		assert.NotNil(t, turns[0].StreamEndTime)
		assert.Equal(t, "partial", turns[0].Content)
	})

	t.Run("tool response lands after completion", func(t *testing.T) {
		store := open(t)
		defer store.Close()

		sess := &Session{}
		require.NoError(t, store.CreateSession(ctx, sess))
		round, err := store.CreateRound(ctx, sess.ID, "call m")
		require.NoError(t, err)

		end := time.Now().UTC()
		turn := &Turn{
			SessionID:  sess.ID,
			ResponseID: round.ResponseID,
			ToolCalls: ToolCalls{Call: &ToolCall{
				ServerName: "t", MethodName: "m",
				Arguments: map[string]any{"x": float64(1)},
			}},
		}
		require.NoError(t, store.CreateTurn(ctx, turn))
		turn.Status = TurnCompleted
		turn.StreamEndTime = &end
		require.NoError(t, store.UpdateTurn(ctx, turn))

		require.NoError(t, store.SetToolResponse(ctx, turn.ID, map[string]any{"ok": float64(1)}))

		turns, err := store.ListTurns(ctx, round.ResponseID)
		require.NoError(t, err)
		require.Len(t, turns, 1)
		require.NotNil(t, turns[0].ToolCalls.Call)
		assert.Equal(t, "t", turns[0].ToolCalls.Call.ServerName)
		assert.NotNil(t, turns[0].ToolCalls.Response)

		status, err := store.GetStreamingStatus(ctx, round.ResponseID)
		require.NoError(t, err)
		assert.True(t, status.IsComplete)
	})

	t.Run("tool response without a call fails", func(t *testing.T) {
		store := open(t)
		defer store.Close()

		sess := &Session{}
		require.NoError(t, store.CreateSession(ctx, sess))
		round, err := store.CreateRound(ctx, sess.ID, "hi")
		require.NoError(t, err)

		turn := &Turn{SessionID: sess.ID, ResponseID: round.ResponseID}
		require.NoError(t, store.CreateTurn(ctx, turn))

		err = store.SetToolResponse(ctx, turn.ID, "result")
		require.Error(t, err)
		assert.Equal(t, errdefs.KindConflict, errdefs.KindOf(err))
	})

	t.Run("subscribers observe turn writes in order", func(t *testing.T) {
		store := open(t)
		defer store.Close()

		sess := &Session{}
		require.NoError(t, store.CreateSession(ctx, sess))
		round, err := store.CreateRound(ctx, sess.ID, "hi")
		require.NoError(t, err)

		ch, cancel := store.SubscribeTurns(sess.ID)
		defer cancel()

		turn := &Turn{SessionID: sess.ID, ResponseID: round.ResponseID}
		require.NoError(t, store.CreateTurn(ctx, turn))
		turn.Content = "a"
		require.NoError(t, store.UpdateTurn(ctx, turn))

		first := <-ch
		assert.Equal(t, turn.ID, first.ID)
		assert.Equal(t, TurnStreaming, first.Status)
		second := <-ch
		assert.Equal(t, "a", second.Content)
	})

	t.Run("cancelled subscriber does not affect others", func(t *testing.T) {
		store := open(t)
		defer store.Close()

		sess := &Session{}
		require.NoError(t, store.CreateSession(ctx, sess))
		round, err := store.CreateRound(ctx, sess.ID, "hi")
		require.NoError(t, err)

		ch1, cancel1 := store.SubscribeTurns(sess.ID)
		ch2, cancel2 := store.SubscribeTurns(sess.ID)
		defer cancel2()

		cancel1()
		_, ok := <-ch1
		assert.False(t, ok)

		turn := &Turn{SessionID: sess.ID, ResponseID: round.ResponseID}
		require.NoError(t, store.CreateTurn(ctx, turn))

		got := <-ch2
		assert.Equal(t, turn.ID, got.ID)
	})

	t.Run("stalled subscriber loses oldest delivery", func(t *testing.T) {
		store := open(t)
		defer store.Close()

		sess := &Session{}
		require.NoError(t, store.CreateSession(ctx, sess))
		round, err := store.CreateRound(ctx, sess.ID, "hi")
		require.NoError(t, err)

		ch, cancel := store.SubscribeTurns(sess.ID)
		defer cancel()

		turn := &Turn{SessionID: sess.ID, ResponseID: round.ResponseID}
		require.NoError(t, store.CreateTurn(ctx, turn))
		for i := 0; i < subscriberBuffer+5; i++ {
			turn.CurrentTokens = i + 1
			require.NoError(t, store.UpdateTurn(ctx, turn))
		}

		// Drain; the writer never blocked and the newest state survived.
		var last *Turn
		for {
			select {
			case got := <-ch:
				last = got
				continue
			default:
			}
			break
		}
		require.NotNil(t, last)
		assert.Equal(t, subscriberBuffer+5, last.CurrentTokens)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store {
		return NewMemoryStore("ws-1")
	})
}

func TestSQLStoreSqlite(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store {
		store, err := NewSQLStore(context.Background(), config.StorageConfig{
			Driver: "sqlite",
			DSN:    filepath.Join(t.TempDir(), "session.db"),
		}, "ws-1")
		require.NoError(t, err)
		return store
	})
}

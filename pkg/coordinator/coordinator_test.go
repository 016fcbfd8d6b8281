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

package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/mandrake/pkg/errdefs"
	"github.com/kadirpekel/mandrake/pkg/llm"
	"github.com/kadirpekel/mandrake/pkg/session"
	"github.com/kadirpekel/mandrake/pkg/toolpool"
	"github.com/kadirpekel/mandrake/pkg/workspace"
)

// scriptedProvider plays back one chunk script per Stream call.
type scriptedProvider struct {
	mu      sync.Mutex
	scripts [][]llm.Chunk
	calls   []llm.Request

	// block, when set, makes the stream hold after the first chunk
	// until the channel is closed.
	block chan struct{}
}

func (p *scriptedProvider) Name() string  { return "scripted" }
func (p *scriptedProvider) Model() string { return "test-model" }

func (p *scriptedProvider) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	if len(p.scripts) == 0 {
		p.mu.Unlock()
		return nil, fmt.Errorf("no scripted response left")
	}
	script := p.scripts[0]
	p.scripts = p.scripts[1:]
	block := p.block
	p.mu.Unlock()

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		for i, chunk := range script {
			if block != nil && i == 1 {
				select {
				case <-block:
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func textScript(parts ...string) []llm.Chunk {
	var chunks []llm.Chunk
	for _, part := range parts {
		chunks = append(chunks, llm.Chunk{Text: part})
	}
	return append(chunks, llm.Chunk{Done: true, InputTokens: 10, OutputTokens: 5})
}

// fakePool records invocations and answers from a queue.
type fakePool struct {
	mu      sync.Mutex
	tools   []toolpool.Tool
	calls   []session.ToolCall
	results []func() (map[string]any, error)
}

func (p *fakePool) ListAllTools() []toolpool.Tool { return p.tools }

func (p *fakePool) InvokeTool(ctx context.Context, serverID, method string, args map[string]any) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, session.ToolCall{ServerName: serverID, MethodName: method, Arguments: args})
	if len(p.results) == 0 {
		return map[string]any{"ok": 1}, nil
	}
	next := p.results[0]
	p.results = p.results[1:]
	return next()
}

type staticPrompt struct{ cfg workspace.PromptConfig }

func (p staticPrompt) Get() (workspace.PromptConfig, error) { return p.cfg, nil }

func newTestCoordinator(t *testing.T, provider llm.Provider, pool ToolPool) (*Coordinator, session.Store) {
	t.Helper()

	store := session.NewMemoryStore("ws-1")
	require.NoError(t, store.CreateSession(context.Background(), &session.Session{ID: "s-1", WorkspaceID: "ws-1"}))

	c, err := New("s-1", Options{
		SessionStore: store,
		Prompt:       staticPrompt{cfg: workspace.PromptConfig{IncludeTools: true}},
		Pool:         pool,
		Provider:     provider,
		Meta:         Meta{WorkspaceID: "ws-1", WorkspaceName: "test", WorkspacePath: "/tmp/ws"},
	})
	require.NoError(t, err)
	return c, store
}

const callMJSON = `{"tool_call": {"server": "t", "method": "m", "arguments": {"x": 1}}}`

func TestHandleRequestStreamsTurns(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]llm.Chunk{textScript("Hel", "lo")}}
	c, store := newTestCoordinator(t, provider, &fakePool{})

	round, err := c.HandleRequest(context.Background(), "hi")
	require.NoError(t, err)
	require.NotNil(t, round)

	turns, err := store.ListTurns(context.Background(), round.ResponseID)
	require.NoError(t, err)
	require.Len(t, turns, 1)

	turn := turns[0]
	assert.Equal(t, session.TurnCompleted, turn.Status)
	assert.Equal(t, "Hello", turn.Content)
	assert.Equal(t, 10, turn.InputTokens)
	assert.Equal(t, 5, turn.OutputTokens)
	assert.NotNil(t, turn.StreamEndTime)
	assert.Nil(t, turn.ToolCalls.Call)

	status, err := store.GetStreamingStatus(context.Background(), round.ResponseID)
	require.NoError(t, err)
	assert.True(t, status.IsComplete)
}

func TestHandleRequestToolCallLoop(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]llm.Chunk{
		textScript(callMJSON),
		textScript("done"),
	}}
	pool := &fakePool{tools: []toolpool.Tool{{Server: "t", Name: "m", Description: "test method"}}}
	c, store := newTestCoordinator(t, provider, pool)

	updates, cancel := store.SubscribeTurns("s-1")
	defer cancel()

	round, err := c.HandleRequest(context.Background(), "please call m with x=1")
	require.NoError(t, err)

	turns, err := store.ListTurns(context.Background(), round.ResponseID)
	require.NoError(t, err)
	require.Len(t, turns, 2)

	first := turns[0]
	assert.Equal(t, session.TurnCompleted, first.Status)
	require.NotNil(t, first.ToolCalls.Call)
	assert.Equal(t, "t", first.ToolCalls.Call.ServerName)
	assert.Equal(t, "m", first.ToolCalls.Call.MethodName)
	assert.Equal(t, map[string]any{"ok": 1}, first.ToolCalls.Response)

	second := turns[1]
	assert.Equal(t, session.TurnCompleted, second.Status)
	assert.Equal(t, "done", second.Content)
	assert.Nil(t, second.ToolCalls.Call)

	// The pool saw the parsed arguments
	require.Len(t, pool.calls, 1)
	assert.Equal(t, "t", pool.calls[0].ServerName)
	assert.Equal(t, float64(1), pool.calls[0].Arguments["x"])

	// The second model request carries the tool result
	require.Equal(t, 2, provider.callCount())
	last := provider.calls[1].Messages[len(provider.calls[1].Messages)-1]
	assert.Equal(t, llm.RoleUser, last.Role)
	assert.Contains(t, last.Content, "tool_result")

	// Subscribers observe the call before its response, and both
	// before turn#1 finishes.
	var sawCall, sawResponse bool
	timeout := time.After(2 * time.Second)
	for !(sawCall && sawResponse) {
		select {
		case turn := <-updates:
			if turn.Index == 0 && turn.ToolCalls.Call != nil {
				if turn.ToolCalls.Response == nil {
					assert.False(t, sawResponse, "call must be observable before the response")
					sawCall = true
				} else {
					sawResponse = true
				}
			}
		case <-timeout:
			t.Fatal("did not observe tool call updates")
		}
	}
}

func TestHandleRequestBusy(t *testing.T) {
	block := make(chan struct{})
	provider := &scriptedProvider{
		scripts: [][]llm.Chunk{textScript("part", "rest")},
		block:   block,
	}
	c, store := newTestCoordinator(t, provider, &fakePool{})

	done := make(chan error, 1)
	go func() {
		_, err := c.HandleRequest(context.Background(), "first")
		done <- err
	}()

	// Wait for the first request to be in flight
	require.Eventually(t, func() bool {
		rounds, err := store.ListRounds(context.Background(), "s-1")
		return err == nil && len(rounds) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err := c.HandleRequest(context.Background(), "second")
	require.Error(t, err)
	assert.Equal(t, errdefs.KindBusy, errdefs.KindOf(err))

	close(block)
	require.NoError(t, <-done)
}

func TestHandleRequestRetriesTransportFault(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]llm.Chunk{
		{{Text: "par"}, {Err: fmt.Errorf("connection reset")}},
		textScript("ok"),
	}}
	c, store := newTestCoordinator(t, provider, &fakePool{})

	round, err := c.HandleRequest(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, 2, provider.callCount())

	turns, err := store.ListTurns(context.Background(), round.ResponseID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, session.TurnCompleted, turns[0].Status)
	assert.Equal(t, "ok", turns[0].Content, "partial output from the failed attempt is discarded")
}

func TestHandleRequestFailsAfterRetries(t *testing.T) {
	fault := []llm.Chunk{{Err: fmt.Errorf("connection reset")}}
	provider := &scriptedProvider{scripts: [][]llm.Chunk{fault, fault}}
	c, store := newTestCoordinator(t, provider, &fakePool{})

	round, err := c.HandleRequest(context.Background(), "hi")
	require.Error(t, err)
	assert.Equal(t, 2, provider.callCount(), "one retry, then the turn is terminal")

	turns, err := store.ListTurns(context.Background(), round.ResponseID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, session.TurnError, turns[0].Status)
	assert.Contains(t, turns[0].Error, "connection reset")
}

func TestHandleRequestCancelled(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	provider := &scriptedProvider{
		scripts: [][]llm.Chunk{textScript("part", "rest")},
		block:   block,
	}
	c, store := newTestCoordinator(t, provider, &fakePool{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.HandleRequest(ctx, "hi")
		done <- err
	}()

	require.Eventually(t, func() bool {
		rounds, err := store.ListRounds(context.Background(), "s-1")
		if err != nil || len(rounds) != 1 {
			return false
		}
		turns, err := store.ListTurns(context.Background(), rounds[0].ResponseID)
		return err == nil && len(turns) == 1 && turns[0].Content != ""
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	err := <-done
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled")

	rounds, err := store.ListRounds(context.Background(), "s-1")
	require.NoError(t, err)
	turns, err := store.ListTurns(context.Background(), rounds[0].ResponseID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, session.TurnError, turns[0].Status)
	assert.Equal(t, "cancelled", turns[0].Error)

	// The session stays usable
	provider.mu.Lock()
	provider.scripts = [][]llm.Chunk{textScript("again")}
	provider.block = nil
	provider.mu.Unlock()
	_, err = c.HandleRequest(context.Background(), "retry")
	require.NoError(t, err)
}

func TestHandleRequestToolFailureRecovery(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]llm.Chunk{
		textScript(callMJSON),
		textScript(callMJSON),
		textScript("done"),
	}}
	pool := &fakePool{
		tools: []toolpool.Tool{{Server: "t", Name: "m"}},
		results: []func() (map[string]any, error){
			func() (map[string]any, error) { return nil, fmt.Errorf("server crashed") },
			func() (map[string]any, error) { return map[string]any{"ok": 1}, nil },
		},
	}
	c, store := newTestCoordinator(t, provider, pool)

	round, err := c.HandleRequest(context.Background(), "call m")
	require.NoError(t, err)

	turns, err := store.ListTurns(context.Background(), round.ResponseID)
	require.NoError(t, err)
	require.Len(t, turns, 3)

	failed, ok := turns[0].ToolCalls.Response.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, failed["error"], "server crashed")

	assert.Equal(t, map[string]any{"ok": 1}, turns[1].ToolCalls.Response)
	assert.Equal(t, "done", turns[2].Content)
	for _, turn := range turns {
		assert.Equal(t, session.TurnCompleted, turn.Status)
	}
}

func TestCleanupCancelsInFlight(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	provider := &scriptedProvider{
		scripts: [][]llm.Chunk{textScript("part", "rest")},
		block:   block,
	}
	c, store := newTestCoordinator(t, provider, &fakePool{})

	done := make(chan error, 1)
	go func() {
		_, err := c.HandleRequest(context.Background(), "hi")
		done <- err
	}()

	require.Eventually(t, func() bool {
		rounds, err := store.ListRounds(context.Background(), "s-1")
		return err == nil && len(rounds) == 1
	}, 2*time.Second, 10*time.Millisecond)

	c.Cleanup()
	require.Error(t, <-done)

	// Idempotent, and further requests are refused
	c.Cleanup()
	_, err := c.HandleRequest(context.Background(), "again")
	require.Error(t, err)
	assert.Equal(t, errdefs.KindUnavailable, errdefs.KindOf(err))
}

func TestParseToolCall(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    *session.ToolCall
	}{
		{name: "plain text", content: "just an answer", want: nil},
		{
			name:    "bare json",
			content: callMJSON,
			want:    &session.ToolCall{ServerName: "t", MethodName: "m", Arguments: map[string]any{"x": float64(1)}},
		},
		{
			name:    "fenced json",
			content: "```json\n" + callMJSON + "\n```",
			want:    &session.ToolCall{ServerName: "t", MethodName: "m", Arguments: map[string]any{"x": float64(1)}},
		},
		{name: "missing server", content: `{"tool_call": {"method": "m"}}`, want: nil},
		{name: "unrelated json", content: `{"answer": 42}`, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseToolCall(tt.content))
		})
	}
}

func TestBuildContext(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]llm.Chunk{textScript("earlier answer")}}
	pool := &fakePool{tools: []toolpool.Tool{{
		Server:      "t",
		Name:        "m",
		Description: "does things",
		Schema:      map[string]any{"type": "object"},
	}}}

	store := session.NewMemoryStore("ws-1")
	require.NoError(t, store.CreateSession(context.Background(), &session.Session{ID: "s-1", WorkspaceID: "ws-1"}))

	c, err := New("s-1", Options{
		SessionStore: store,
		Prompt: staticPrompt{cfg: workspace.PromptConfig{
			Instructions:             "Be brief.",
			IncludeWorkspaceMetadata: true,
			IncludeTools:             true,
		}},
		Pool:     pool,
		Provider: provider,
		Meta:     Meta{WorkspaceID: "ws-1", WorkspaceName: "demo", WorkspacePath: "/tmp/demo"},
	})
	require.NoError(t, err)

	_, err = c.HandleRequest(context.Background(), "first question")
	require.NoError(t, err)

	mc, err := c.BuildContext(context.Background())
	require.NoError(t, err)

	assert.Contains(t, mc.SystemPrompt, "Be brief.")
	assert.Contains(t, mc.SystemPrompt, "demo")
	assert.Contains(t, mc.SystemPrompt, "t.m: does things")
	assert.Contains(t, mc.SystemPrompt, "tool_call")

	require.Len(t, mc.History, 2)
	assert.Equal(t, llm.RoleUser, mc.History[0].Role)
	assert.Equal(t, "first question", mc.History[0].Content)
	assert.Equal(t, llm.RoleAssistant, mc.History[1].Role)
	assert.Equal(t, "earlier answer", mc.History[1].Content)
}

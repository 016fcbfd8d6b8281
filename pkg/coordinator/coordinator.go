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

// Package coordinator drives the per-session model loop: it assembles
// context, streams model output into persisted turns, dispatches tool
// calls through the workspace tool pool, and feeds results back until
// the response is terminal.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/mandrake/pkg/config"
	"github.com/kadirpekel/mandrake/pkg/errdefs"
	"github.com/kadirpekel/mandrake/pkg/llm"
	"github.com/kadirpekel/mandrake/pkg/observability"
	"github.com/kadirpekel/mandrake/pkg/session"
	"github.com/kadirpekel/mandrake/pkg/toolpool"
	"github.com/kadirpekel/mandrake/pkg/workspace"
)

const (
	// deltaInactivityTimeout treats a stalled model stream as a
	// transport error.
	deltaInactivityTimeout = 120 * time.Second

	// maxTurnsPerRequest bounds runaway tool-call loops.
	maxTurnsPerRequest = 32
)

// retryDelays backs off transient model transport faults. A turn is
// retried at most once; the second failure is terminal.
var retryDelays = []time.Duration{100 * time.Millisecond}

// ToolPool is the coordination surface the coordinator needs from the
// workspace tool-server pool.
type ToolPool interface {
	ListAllTools() []toolpool.Tool
	InvokeTool(ctx context.Context, serverID, method string, args map[string]any) (map[string]any, error)
}

// PromptSource supplies the workspace prompt config.
type PromptSource interface {
	Get() (workspace.PromptConfig, error)
}

// FilesSource supplies workspace files rendered to text.
type FilesSource interface {
	Contents() ([]workspace.FileContent, error)
}

// DynamicSource supplies the workspace dynamic-context definitions.
type DynamicSource interface {
	List() ([]workspace.DynamicContext, error)
}

// ModelSource supplies the workspace's active model override.
type ModelSource interface {
	Active() (config.LLMProviderConfig, bool, error)
}

// Meta identifies the workspace a coordinator serves.
type Meta struct {
	WorkspaceID   string
	WorkspaceName string
	WorkspacePath string
}

// Options carries the handles a coordinator borrows. It holds no
// parent aggregate; each dependency is injected individually.
type Options struct {
	SessionStore session.Store
	Prompt       PromptSource
	Pool         ToolPool
	Models       ModelSource
	Files        FilesSource
	Dynamic      DynamicSource
	Meta         Meta

	// Provider answers requests when the workspace has no active
	// model override.
	Provider llm.Provider

	// NewProvider builds a provider from a workspace model override.
	// Defaults to llm.NewProvider.
	NewProvider func(config.LLMProviderConfig) (llm.Provider, error)

	// DeltaTimeout overrides the stream inactivity watchdog. Zero
	// means the default.
	DeltaTimeout time.Duration
}

// Coordinator is the per-session engine. One in-flight HandleRequest
// is permitted at a time; concurrent subscribers are always safe.
type Coordinator struct {
	sessionID string
	opts      Options

	deltaTimeout time.Duration

	mu     sync.Mutex
	busy   bool
	cancel context.CancelFunc
	closed bool

	counterMu sync.Mutex
	counter   *llm.TokenCounter
}

// New creates a coordinator for one session.
func New(sessionID string, opts Options) (*Coordinator, error) {
	if opts.SessionStore == nil {
		return nil, fmt.Errorf("coordinator requires a session store")
	}
	if opts.Provider == nil && opts.Models == nil {
		return nil, fmt.Errorf("coordinator requires a model provider")
	}
	if opts.NewProvider == nil {
		opts.NewProvider = llm.NewProvider
	}

	timeout := opts.DeltaTimeout
	if timeout <= 0 {
		timeout = deltaInactivityTimeout
	}

	return &Coordinator{
		sessionID:    sessionID,
		opts:         opts,
		deltaTimeout: timeout,
	}, nil
}

// SessionID returns the session this coordinator serves.
func (c *Coordinator) SessionID() string { return c.sessionID }

// Store returns the injected session store.
func (c *Coordinator) Store() session.Store { return c.opts.SessionStore }

// SubscribeTurns registers a turn-change subscriber for this session.
func (c *Coordinator) SubscribeTurns() (<-chan *session.Turn, func()) {
	return c.opts.SessionStore.SubscribeTurns(c.sessionID)
}

// HandleRequest runs one request to completion: persists the round,
// builds context, and drives the model loop until the response is
// terminal. It returns when every turn is terminal. A concurrent call
// on the same session fails fast with a busy error.
func (c *Coordinator) HandleRequest(ctx context.Context, userContent string) (*session.Round, error) {
	start := time.Now()
	round, err := c.handleRequest(ctx, userContent)
	if m := observability.GetGlobalMetrics(); m != nil {
		m.RecordSessionRequest(ctx, c.opts.Meta.WorkspaceID, time.Since(start), err)
	}
	return round, err
}

func (c *Coordinator) handleRequest(ctx context.Context, userContent string) (*session.Round, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errdefs.Newf(errdefs.KindUnavailable, "session %s is shut down", c.sessionID)
	}
	if c.busy {
		c.mu.Unlock()
		return nil, errdefs.Newf(errdefs.KindBusy, "session %s already has a request in flight", c.sessionID)
	}
	ctx, cancel := context.WithCancel(ctx)
	c.busy = true
	c.cancel = cancel
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		c.busy = false
		c.cancel = nil
		c.mu.Unlock()
	}()

	round, err := c.opts.SessionStore.CreateRound(ctx, c.sessionID, userContent)
	if err != nil {
		return nil, err
	}

	mc, err := c.BuildContext(ctx)
	if err != nil {
		return round, err
	}

	provider, err := c.resolveProvider()
	if err != nil {
		return round, err
	}

	history := mc.History
	for turnCount := 0; ; turnCount++ {
		if turnCount >= maxTurnsPerRequest {
			return round, errdefs.Newf(errdefs.KindInternal,
				"response exceeded %d turns", maxTurnsPerRequest)
		}

		turn, err := c.runTurn(ctx, provider, round.ResponseID, mc.SystemPrompt, history)
		if err != nil {
			return round, err
		}
		if turn.ToolCalls.Call == nil {
			return round, nil
		}

		call := turn.ToolCalls.Call
		invokeStart := time.Now()
		result, invokeErr := c.opts.Pool.InvokeTool(ctx, call.ServerName, call.MethodName, call.Arguments)
		if m := observability.GetGlobalMetrics(); m != nil {
			m.RecordToolInvocation(ctx, call.ServerName, call.MethodName, time.Since(invokeStart), invokeErr)
		}

		var response any
		if invokeErr != nil {
			if ctx.Err() != nil {
				return round, errdefs.New(errdefs.KindInternal, "cancelled")
			}
			slog.Warn("Tool invocation failed",
				"session", c.sessionID, "server", call.ServerName, "method", call.MethodName, "error", invokeErr)
			response = map[string]any{"error": invokeErr.Error()}
		} else {
			response = result
		}

		// The call was recorded when the turn completed; the reply
		// lands afterwards.
		if err := c.opts.SessionStore.SetToolResponse(context.WithoutCancel(ctx), turn.ID, response); err != nil {
			return round, err
		}

		history = append(history,
			llm.Message{Role: llm.RoleAssistant, Content: turn.Content},
			llm.Message{Role: llm.RoleUser, Content: renderToolResult(call, response)},
		)
	}
}

// runTurn streams one model turn into a persisted Turn record,
// retrying transient transport faults, and finishes it as completed
// (with any parsed tool call) or error.
func (c *Coordinator) runTurn(ctx context.Context, provider llm.Provider, responseID, systemPrompt string, history []llm.Message) (*session.Turn, error) {
	store := c.opts.SessionStore

	turn := &session.Turn{
		ID:              uuid.NewString(),
		SessionID:       c.sessionID,
		ResponseID:      responseID,
		Status:          session.TurnStreaming,
		StreamStartTime: time.Now().UTC(),
	}
	if err := store.CreateTurn(ctx, turn); err != nil {
		return nil, err
	}

	var streamErr error
	for attempt := 0; ; attempt++ {
		streamErr = c.streamInto(ctx, provider, turn, systemPrompt, history)
		if streamErr == nil {
			break
		}
		if ctx.Err() != nil {
			c.failTurn(ctx, turn, "cancelled")
			return nil, errdefs.New(errdefs.KindInternal, "cancelled")
		}
		if attempt >= len(retryDelays) {
			c.failTurn(ctx, turn, streamErr.Error())
			return nil, errdefs.Wrap(errdefs.KindInternal, "model stream failed", streamErr)
		}

		slog.Warn("Model stream fault, retrying turn",
			"session", c.sessionID, "turn", turn.Index, "attempt", attempt+1, "error", streamErr)

		// Discard partial output before the retry restreams the turn.
		turn.RawResponse = ""
		turn.Content = ""
		turn.CurrentTokens = 0
		if err := store.UpdateTurn(ctx, turn); err != nil {
			return nil, err
		}

		select {
		case <-time.After(retryDelays[attempt]):
		case <-ctx.Done():
			c.failTurn(ctx, turn, "cancelled")
			return nil, errdefs.New(errdefs.KindInternal, "cancelled")
		}
	}

	if call := parseToolCall(turn.Content); call != nil {
		turn.ToolCalls.Call = call
	}

	now := time.Now().UTC()
	turn.Status = session.TurnCompleted
	turn.StreamEndTime = &now
	if err := store.UpdateTurn(ctx, turn); err != nil {
		return nil, err
	}
	return turn, nil
}

// streamInto reads one provider stream into the turn, persisting every
// delta so subscribers observe them in order.
func (c *Coordinator) streamInto(ctx context.Context, provider llm.Provider, turn *session.Turn, systemPrompt string, history []llm.Message) (err error) {
	start := time.Now()
	defer func() {
		if m := observability.GetGlobalMetrics(); m != nil {
			m.RecordModelStream(ctx, provider.Model(), time.Since(start), turn.InputTokens, turn.OutputTokens, err)
		}
	}()

	ch, err := provider.Stream(ctx, llm.Request{SystemPrompt: systemPrompt, Messages: history})
	if err != nil {
		return err
	}

	counter := c.tokenCounter(provider.Model())

	watchdog := time.NewTimer(c.deltaTimeout)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-watchdog.C:
			return fmt.Errorf("no model output for %s", c.deltaTimeout)

		case chunk, ok := <-ch:
			if !ok {
				return fmt.Errorf("model stream closed without a terminal chunk")
			}
			if chunk.Err != nil {
				return chunk.Err
			}
			if chunk.Done {
				turn.InputTokens = chunk.InputTokens
				turn.OutputTokens = chunk.OutputTokens
				return nil
			}

			if !watchdog.Stop() {
				<-watchdog.C
			}
			watchdog.Reset(c.deltaTimeout)

			turn.RawResponse += chunk.Text
			turn.Content += chunk.Text
			turn.CurrentTokens = counter.Count(turn.Content)
			if err := c.opts.SessionStore.UpdateTurn(ctx, turn); err != nil {
				return err
			}
		}
	}
}

// failTurn marks the turn terminal with an error message. It persists
// even when the request context is already cancelled.
func (c *Coordinator) failTurn(ctx context.Context, turn *session.Turn, message string) {
	now := time.Now().UTC()
	turn.Status = session.TurnError
	turn.Error = message
	turn.StreamEndTime = &now
	if err := c.opts.SessionStore.UpdateTurn(context.WithoutCancel(ctx), turn); err != nil {
		slog.Error("Failed to persist errored turn", "session", c.sessionID, "turn", turn.ID, "error", err)
	}
}

// Cleanup cancels any in-flight request and retires the coordinator.
// Idempotent; the session store is owned by the workspace and stays
// open.
func (c *Coordinator) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	c.closed = true
}

// resolveProvider picks the workspace's active model override when one
// is set, otherwise the injected default.
func (c *Coordinator) resolveProvider() (llm.Provider, error) {
	if c.opts.Models != nil {
		cfg, found, err := c.opts.Models.Active()
		if err != nil {
			return nil, err
		}
		if found {
			return c.opts.NewProvider(cfg)
		}
	}
	if c.opts.Provider == nil {
		return nil, errdefs.New(errdefs.KindUnavailable, "no model provider configured")
	}
	return c.opts.Provider, nil
}

func (c *Coordinator) tokenCounter(model string) *llm.TokenCounter {
	c.counterMu.Lock()
	defer c.counterMu.Unlock()

	if c.counter != nil && c.counter.Model() == model {
		return c.counter
	}
	counter, err := llm.NewTokenCounter(model)
	if err != nil {
		slog.Debug("Token counter unavailable, using estimation", "model", model, "error", err)
		return nil
	}
	c.counter = counter
	return counter
}

// toolCallFenceRe strips a markdown code fence around the tool-call
// object.
var toolCallFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*\\})\\s*```")

type toolCallEnvelope struct {
	ToolCall *struct {
		Server    string         `json:"server"`
		Method    string         `json:"method"`
		Arguments map[string]any `json:"arguments"`
	} `json:"tool_call"`
}

// parseToolCall reports whether the emitted content is a structured
// tool invocation per the protocol rendered into the system prompt.
func parseToolCall(content string) *session.ToolCall {
	candidate := strings.TrimSpace(content)
	if m := toolCallFenceRe.FindStringSubmatch(candidate); m != nil {
		candidate = m[1]
	}
	if !strings.HasPrefix(candidate, "{") {
		return nil
	}

	var env toolCallEnvelope
	if err := json.Unmarshal([]byte(candidate), &env); err != nil {
		return nil
	}
	if env.ToolCall == nil || env.ToolCall.Server == "" || env.ToolCall.Method == "" {
		return nil
	}
	return &session.ToolCall{
		ServerName: env.ToolCall.Server,
		MethodName: env.ToolCall.Method,
		Arguments:  env.ToolCall.Arguments,
	}
}

// renderToolResult formats a tool reply as the next user message so
// the model sees the outcome of its call.
func renderToolResult(call *session.ToolCall, response any) string {
	payload, err := json.Marshal(map[string]any{
		"tool_result": map[string]any{
			"server": call.ServerName,
			"method": call.MethodName,
			"result": response,
		},
	})
	if err != nil {
		return fmt.Sprintf(`{"tool_result":{"error":%q}}`, err.Error())
	}
	return string(payload)
}

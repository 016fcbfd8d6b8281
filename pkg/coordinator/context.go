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
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/kadirpekel/mandrake/pkg/llm"
	"github.com/kadirpekel/mandrake/pkg/session"
	"github.com/kadirpekel/mandrake/pkg/workspace"
)

// ModelContext is the assembled input for one model request.
type ModelContext struct {
	SystemPrompt string        `json:"system_prompt"`
	History      []llm.Message `json:"history"`
}

// toolProtocol tells the model how to invoke a tool. The coordinator
// parses replies against this shape.
const toolProtocol = `To invoke a tool, reply with ONLY a JSON object of this exact shape and nothing else:

{"tool_call": {"server": "<server>", "method": "<method>", "arguments": {<json args>}}}

The result arrives in the next user message as {"tool_result": {...}}. When no tool is needed, reply with plain text.`

// BuildContext assembles the system prompt and rendered history for
// this session per the workspace prompt config.
func (c *Coordinator) BuildContext(ctx context.Context) (*ModelContext, error) {
	cfg := workspace.DefaultPromptConfig()
	if c.opts.Prompt != nil {
		var err error
		cfg, err = c.opts.Prompt.Get()
		if err != nil {
			return nil, err
		}
	}

	var b strings.Builder
	if cfg.Instructions != "" {
		b.WriteString(cfg.Instructions)
		b.WriteString("\n\n")
	}

	if cfg.IncludeWorkspaceMetadata {
		b.WriteString("## Workspace\n")
		fmt.Fprintf(&b, "Name: %s\nID: %s\nPath: %s\n\n",
			c.opts.Meta.WorkspaceName, c.opts.Meta.WorkspaceID, c.opts.Meta.WorkspacePath)
	}

	if cfg.IncludeSystemInfo {
		hostname, _ := os.Hostname()
		b.WriteString("## System\n")
		fmt.Fprintf(&b, "OS: %s\nArch: %s\nHost: %s\n\n", runtime.GOOS, runtime.GOARCH, hostname)
	}

	if cfg.IncludeDateTime {
		fmt.Fprintf(&b, "Current time: %s\n\n", time.Now().Format(time.RFC1123))
	}

	if cfg.IncludeTools && c.opts.Pool != nil {
		c.writeToolSection(&b)
	}

	if cfg.IncludeFiles && c.opts.Files != nil {
		if err := c.writeFilesSection(&b); err != nil {
			return nil, err
		}
	}

	if cfg.IncludeDynamicContext && c.opts.Dynamic != nil && c.opts.Pool != nil {
		c.writeDynamicSection(ctx, &b)
	}

	history, err := c.RenderHistory(ctx)
	if err != nil {
		return nil, err
	}

	return &ModelContext{
		SystemPrompt: strings.TrimSpace(b.String()),
		History:      history,
	}, nil
}

func (c *Coordinator) writeToolSection(b *strings.Builder) {
	tools := c.opts.Pool.ListAllTools()
	if len(tools) == 0 {
		return
	}

	b.WriteString("## Tools\n")
	b.WriteString(toolProtocol)
	b.WriteString("\n\nAvailable tools:\n")
	for _, tool := range tools {
		fmt.Fprintf(b, "- %s.%s: %s\n", tool.Server, tool.Name, tool.Description)
		if tool.Schema != nil {
			if schema, err := json.Marshal(tool.Schema); err == nil {
				fmt.Fprintf(b, "  arguments schema: %s\n", schema)
			}
		}
	}
	b.WriteString("\n")
}

func (c *Coordinator) writeFilesSection(b *strings.Builder) error {
	contents, err := c.opts.Files.Contents()
	if err != nil {
		return err
	}
	if len(contents) == 0 {
		return nil
	}

	b.WriteString("## Files\n")
	for _, file := range contents {
		fmt.Fprintf(b, "### %s\n%s\n\n", file.Name, file.Content)
	}
	return nil
}

// writeDynamicSection invokes each configured dynamic context and
// injects the result. A failing context is logged and skipped so one
// bad server does not block the session.
func (c *Coordinator) writeDynamicSection(ctx context.Context, b *strings.Builder) {
	contexts, err := c.opts.Dynamic.List()
	if err != nil {
		slog.Warn("Failed to list dynamic contexts", "session", c.sessionID, "error", err)
		return
	}
	if len(contexts) == 0 {
		return
	}

	wrote := false
	for _, dc := range contexts {
		result, err := c.opts.Pool.InvokeTool(ctx, dc.ServerID, dc.Method, dc.Params)
		if err != nil {
			slog.Warn("Dynamic context invocation failed",
				"session", c.sessionID, "context", dc.ID, "server", dc.ServerID, "method", dc.Method, "error", err)
			continue
		}
		if !wrote {
			b.WriteString("## Context\n")
			wrote = true
		}
		payload, err := json.Marshal(result)
		if err != nil {
			continue
		}
		fmt.Fprintf(b, "### %s.%s\n%s\n\n", dc.ServerID, dc.Method, payload)
	}
}

// RenderHistory converts the session's rounds and turns into ordered
// {role, content} pairs, including tool calls and their results.
func (c *Coordinator) RenderHistory(ctx context.Context) ([]llm.Message, error) {
	rounds, err := c.opts.SessionStore.ListRounds(ctx, c.sessionID)
	if err != nil {
		return nil, err
	}

	var history []llm.Message
	for _, round := range rounds {
		if round.Request != nil {
			history = append(history, llm.Message{Role: llm.RoleUser, Content: round.Request.Content})
		}

		turns, err := c.opts.SessionStore.ListTurns(ctx, round.ResponseID)
		if err != nil {
			return nil, err
		}
		for _, turn := range turns {
			if turn.Status != session.TurnCompleted || turn.Content == "" {
				continue
			}
			history = append(history, llm.Message{Role: llm.RoleAssistant, Content: turn.Content})
			if turn.ToolCalls.Call != nil && turn.ToolCalls.Response != nil {
				history = append(history, llm.Message{
					Role:    llm.RoleUser,
					Content: renderToolResult(turn.ToolCalls.Call, turn.ToolCalls.Response),
				})
			}
		}
	}
	return history, nil
}

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

// Package session persists conversations as sessions, rounds, and
// turns, and fans out turn changes to subscribers.
package session

import "time"

// TurnStatus is the lifecycle state of a Turn.
type TurnStatus string

const (
	// TurnStreaming marks a live turn still receiving model output.
	TurnStreaming TurnStatus = "streaming"
	// TurnCompleted marks a successfully finished turn.
	TurnCompleted TurnStatus = "completed"
	// TurnError marks a failed turn.
	TurnError TurnStatus = "error"
)

// Terminal reports whether the status is final. Terminal turns are
// immutable.
func (s TurnStatus) Terminal() bool {
	return s == TurnCompleted || s == TurnError
}

// Session is one conversation inside a workspace.
type Session struct {
	ID          string            `json:"id"`
	WorkspaceID string            `json:"workspace_id"`
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Request is one user input.
type Request struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Response is the assistant container for the turns answering one
// request.
type Response struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Round pairs one request with its response. Indexes are dense,
// zero-based, and strictly increasing per session.
type Round struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Index      int       `json:"index"`
	RequestID  string    `json:"request_id"`
	ResponseID string    `json:"response_id"`
	Request    *Request  `json:"request,omitempty"`
	Response   *Response `json:"response,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ToolCall is a structured invocation parsed from model output.
type ToolCall struct {
	ServerName string         `json:"serverName"`
	MethodName string         `json:"methodName"`
	Arguments  map[string]any `json:"arguments,omitempty"`
}

// ToolCalls records a turn's single optional tool call and, once the
// server replies, its result.
type ToolCalls struct {
	Call     *ToolCall `json:"call"`
	Response any       `json:"response"`
}

// Turn is one chunk of assistant output within a response. Indexes
// are dense, zero-based, and strictly increasing per response.
type Turn struct {
	ID         string `json:"id"`
	SessionID  string `json:"session_id"`
	ResponseID string `json:"response_id"`
	Index      int    `json:"index"`

	RawResponse string     `json:"raw_response"`
	Content     string     `json:"content"`
	ToolCalls   ToolCalls  `json:"tool_calls"`
	Status      TurnStatus `json:"status"`
	Error       string     `json:"error,omitempty"`

	StreamStartTime time.Time  `json:"stream_start_time"`
	StreamEndTime   *time.Time `json:"stream_end_time,omitempty"`

	CurrentTokens  int  `json:"current_tokens"`
	ExpectedTokens *int `json:"expected_tokens,omitempty"`
	InputTokens    int  `json:"input_tokens"`
	OutputTokens   int  `json:"output_tokens"`

	InputCost  float64 `json:"input_cost"`
	OutputCost float64 `json:"output_cost"`
}

// Clone returns a deep copy so subscribers never share mutable state
// with the writer.
func (t *Turn) Clone() *Turn {
	cp := *t
	if t.StreamEndTime != nil {
		end := *t.StreamEndTime
		cp.StreamEndTime = &end
	}
	if t.ExpectedTokens != nil {
		n := *t.ExpectedTokens
		cp.ExpectedTokens = &n
	}
	if t.ToolCalls.Call != nil {
		call := *t.ToolCalls.Call
		if t.ToolCalls.Call.Arguments != nil {
			args := make(map[string]any, len(t.ToolCalls.Call.Arguments))
			for k, v := range t.ToolCalls.Call.Arguments {
				args[k] = v
			}
			call.Arguments = args
		}
		cp.ToolCalls.Call = &call
	}
	return &cp
}

// StreamingStatus is derived per response: complete when every turn is
// terminal.
type StreamingStatus struct {
	ResponseID string `json:"response_id"`
	IsComplete bool   `json:"is_complete"`
}

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

// Package llm defines the model provider contract and its
// implementations: anthropic and openai over raw streaming HTTP,
// gemini over the genai SDK.
package llm

import (
	"context"
	"fmt"

	"github.com/kadirpekel/mandrake/pkg/config"
)

// Role identifies a message author.
type Role string

const (
	// RoleUser marks end-user input.
	RoleUser Role = "user"
	// RoleAssistant marks model output.
	RoleAssistant Role = "assistant"
)

// Message is one conversation entry.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is one streaming completion request.
type Request struct {
	SystemPrompt string
	Messages     []Message
}

// Chunk is one streamed increment. Exactly one terminal chunk arrives
// per stream: Done with final usage, or Err set; the channel closes
// after it.
type Chunk struct {
	// Text is the content delta.
	Text string

	// Done marks the end of a successful stream.
	Done bool

	// InputTokens and OutputTokens carry usage, populated on the
	// terminal chunk when the provider reports it.
	InputTokens  int
	OutputTokens int

	// Err reports a stream failure.
	Err error
}

// Provider streams completions for one configured model.
type Provider interface {
	// Name identifies the provider type.
	Name() string

	// Model returns the configured model id.
	Model() string

	// Stream starts one completion. The returned channel delivers
	// chunks until a terminal chunk, then closes. Cancelling ctx
	// aborts the stream.
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// NewProvider constructs a provider from config.
func NewProvider(cfg config.LLMProviderConfig) (Provider, error) {
	switch cfg.Type {
	case "anthropic":
		return NewAnthropicProvider(cfg)
	case "openai":
		return NewOpenAIProvider(cfg)
	case "gemini":
		return NewGeminiProvider(cfg)
	default:
		return nil, fmt.Errorf("unknown provider type: %q", cfg.Type)
	}
}

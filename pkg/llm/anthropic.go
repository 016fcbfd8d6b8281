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

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kadirpekel/mandrake/pkg/config"
	"github.com/kadirpekel/mandrake/pkg/httpclient"
)

const (
	defaultAnthropicHost    = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
	defaultAnthropicModel   = "claude-sonnet-4-20250514"
	anthropicMessagesPath   = "/v1/messages"
	anthropicDefaultTimeout = 120 * time.Second
)

// AnthropicProvider streams completions from the Anthropic Messages
// API over raw SSE.
type AnthropicProvider struct {
	cfg    config.LLMProviderConfig
	host   string
	client *httpclient.Client
}

// NewAnthropicProvider creates a provider from config.
func NewAnthropicProvider(cfg config.LLMProviderConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic provider requires an api key")
	}
	if cfg.Model == "" {
		cfg.Model = defaultAnthropicModel
	}
	host := cfg.Host
	if host == "" {
		host = defaultAnthropicHost
	}

	timeout := anthropicDefaultTimeout
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}

	return &AnthropicProvider{
		cfg:  cfg,
		host: strings.TrimRight(host, "/"),
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders),
		),
	}, nil
}

var _ Provider = (*AnthropicProvider)(nil)

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Model returns the configured model id.
func (p *AnthropicProvider) Model() string { return p.cfg.Model }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
}

// anthropicEvent is the union of SSE payloads we care about.
type anthropicEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta,omitempty"`
	Usage *struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Stream starts one completion stream.
func (p *AnthropicProvider) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	messages := make([]anthropicMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, anthropicMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	body, err := json.Marshal(anthropicRequest{
		Model:       p.cfg.Model,
		System:      req.SystemPrompt,
		Messages:    messages,
		MaxTokens:   p.cfg.MaxTokens,
		Temperature: p.cfg.Temperature,
		Stream:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.host+anthropicMessagesPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}

	ch := make(chan Chunk)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		var inputTokens, outputTokens int
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

			var event anthropicEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				continue
			}

			switch event.Type {
			case "message_start":
				if event.Message != nil {
					inputTokens = event.Message.Usage.InputTokens
				}
			case "content_block_delta":
				if event.Delta != nil && event.Delta.Type == "text_delta" && event.Delta.Text != "" {
					if !send(ctx, ch, Chunk{Text: event.Delta.Text}) {
						return
					}
				}
			case "message_delta":
				if event.Usage != nil {
					outputTokens = event.Usage.OutputTokens
				}
			case "message_stop":
				send(ctx, ch, Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
				return
			case "error":
				msg := "stream error"
				if event.Error != nil {
					msg = event.Error.Message
				}
				send(ctx, ch, Chunk{Err: fmt.Errorf("anthropic: %s", msg)})
				return
			}
		}

		if err := scanner.Err(); err != nil {
			send(ctx, ch, Chunk{Err: fmt.Errorf("anthropic stream read failed: %w", err)})
			return
		}
		send(ctx, ch, Chunk{Err: fmt.Errorf("anthropic stream ended without message_stop")})
	}()

	return ch, nil
}

// send delivers a chunk unless the consumer is gone.
func send(ctx context.Context, ch chan<- Chunk, chunk Chunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

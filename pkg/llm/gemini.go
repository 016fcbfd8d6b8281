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
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/kadirpekel/mandrake/pkg/config"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiProvider streams completions through the official genai SDK.
type GeminiProvider struct {
	cfg    config.LLMProviderConfig
	client *genai.Client
}

// NewGeminiProvider creates a provider from config.
func NewGeminiProvider(cfg config.LLMProviderConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini provider requires an api key")
	}
	if cfg.Model == "" {
		cfg.Model = defaultGeminiModel
	}

	// Constructors shouldn't require context
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &GeminiProvider{cfg: cfg, client: client}, nil
}

var _ Provider = (*GeminiProvider)(nil)

// Name returns "gemini".
func (p *GeminiProvider) Name() string { return "gemini" }

// Model returns the configured model id.
func (p *GeminiProvider) Model() string { return p.cfg.Model }

// Stream starts one completion stream.
func (p *GeminiProvider) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	var contents []*genai.Content
	for _, msg := range req.Messages {
		role := "user"
		if msg.Role == RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: msg.Content}},
		})
	}

	genCfg := &genai.GenerateContentConfig{}
	if req.SystemPrompt != "" {
		genCfg.SystemInstruction = &genai.Content{
			Role:  "user",
			Parts: []*genai.Part{{Text: req.SystemPrompt}},
		}
	}
	if p.cfg.Temperature > 0 {
		genCfg.Temperature = genai.Ptr(float32(p.cfg.Temperature))
	}
	if p.cfg.MaxTokens > 0 {
		genCfg.MaxOutputTokens = int32(p.cfg.MaxTokens)
	}

	ch := make(chan Chunk)
	go func() {
		defer close(ch)

		var inputTokens, outputTokens int
		for resp, err := range p.client.Models.GenerateContentStream(ctx, p.cfg.Model, contents, genCfg) {
			if err != nil {
				send(ctx, ch, Chunk{Err: fmt.Errorf("gemini streaming error: %w", err)})
				return
			}
			if resp.UsageMetadata != nil {
				inputTokens = int(resp.UsageMetadata.PromptTokenCount)
				outputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
			}
			if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
				continue
			}
			for _, part := range resp.Candidates[0].Content.Parts {
				if part.Text == "" || part.Thought {
					continue
				}
				if !send(ctx, ch, Chunk{Text: part.Text}) {
					return
				}
			}
		}

		send(ctx, ch, Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
	}()

	return ch, nil
}

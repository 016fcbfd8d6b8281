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
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts tokens for one model. Non-OpenAI models are
// approximated with cl100k_base.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	// Encodings are expensive to build; cache them per model.
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewTokenCounter creates a counter for the given model.
func NewTokenCounter(model string) (*TokenCounter, error) {
	cacheMu.RLock()
	cached, exists := encodingCache[model]
	cacheMu.RUnlock()

	if exists {
		return &TokenCounter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &TokenCounter{encoding: encoding, model: model}, nil
}

// Count returns the token count for text.
func (tc *TokenCounter) Count(text string) int {
	if tc == nil || tc.encoding == nil {
		// Rough estimation: 4 characters per token
		return len(text) / 4
	}
	return len(tc.encoding.Encode(text, nil, nil))
}

// CountMessages counts tokens in a message list including per-message
// role overhead.
func (tc *TokenCounter) CountMessages(system string, messages []Message) int {
	if tc == nil || tc.encoding == nil {
		total := len(system) / 4
		for _, msg := range messages {
			total += len(msg.Content)/4 + 3
		}
		return total
	}

	const tokensPerMessage = 3

	total := len(tc.encoding.Encode(system, nil, nil))
	for _, msg := range messages {
		total += tokensPerMessage
		total += len(tc.encoding.Encode(string(msg.Role), nil, nil))
		total += len(tc.encoding.Encode(msg.Content, nil, nil))
	}
	// Every reply is primed with the assistant role
	total += 3
	return total
}

// Model returns the model this counter was built for.
func (tc *TokenCounter) Model() string {
	return tc.model
}

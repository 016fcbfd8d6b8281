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

package workspace

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/kadirpekel/mandrake/pkg/errdefs"
)

// RefreshConfig controls whether a dynamic context is re-run on every
// context build.
type RefreshConfig struct {
	Enabled bool `json:"enabled"`
}

// DynamicContext is a named tool invocation whose result is injected
// into the prompt at context build time.
type DynamicContext struct {
	ID       string         `json:"id"`
	ServerID string         `json:"server_id"`
	Method   string         `json:"method"`
	Params   map[string]any `json:"params,omitempty"`
	Refresh  RefreshConfig  `json:"refresh"`
}

type dynamicDoc struct {
	Contexts map[string]DynamicContext `json:"contexts,omitempty"`
}

// DynamicContextStore persists the workspace's dynamic contexts.
type DynamicContextStore struct {
	store *jsonStore[dynamicDoc]
}

func newDynamicContextStore(path string) *DynamicContextStore {
	return &DynamicContextStore{store: newJSONStore[dynamicDoc](path)}
}

// List returns all contexts ordered by id.
func (s *DynamicContextStore) List() ([]DynamicContext, error) {
	doc, _, err := s.store.load()
	if err != nil {
		return nil, err
	}
	out := make([]DynamicContext, 0, len(doc.Contexts))
	for _, dc := range doc.Contexts {
		out = append(out, dc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get returns one context by id.
func (s *DynamicContextStore) Get(id string) (DynamicContext, error) {
	doc, _, err := s.store.load()
	if err != nil {
		return DynamicContext{}, err
	}
	dc, ok := doc.Contexts[id]
	if !ok {
		return DynamicContext{}, errdefs.New(errdefs.KindNotFound, fmt.Sprintf("dynamic context %q not found", id))
	}
	return dc, nil
}

// Create stores a new context and returns it with a generated id.
func (s *DynamicContextStore) Create(dc DynamicContext) (DynamicContext, error) {
	if dc.ServerID == "" || dc.Method == "" {
		return DynamicContext{}, errdefs.New(errdefs.KindValidation, "dynamic context requires server_id and method")
	}
	dc.ID = uuid.NewString()
	err := s.store.update(func(doc *dynamicDoc) error {
		if doc.Contexts == nil {
			doc.Contexts = map[string]DynamicContext{}
		}
		doc.Contexts[dc.ID] = dc
		return nil
	})
	if err != nil {
		return DynamicContext{}, err
	}
	return dc, nil
}

// Update replaces an existing context.
func (s *DynamicContextStore) Update(dc DynamicContext) error {
	return s.store.update(func(doc *dynamicDoc) error {
		if _, ok := doc.Contexts[dc.ID]; !ok {
			return errdefs.New(errdefs.KindNotFound, fmt.Sprintf("dynamic context %q not found", dc.ID))
		}
		doc.Contexts[dc.ID] = dc
		return nil
	})
}

// Delete removes a context by id.
func (s *DynamicContextStore) Delete(id string) error {
	return s.store.update(func(doc *dynamicDoc) error {
		if _, ok := doc.Contexts[id]; !ok {
			return errdefs.New(errdefs.KindNotFound, fmt.Sprintf("dynamic context %q not found", id))
		}
		delete(doc.Contexts, id)
		return nil
	})
}

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

	"github.com/kadirpekel/mandrake/pkg/config"
	"github.com/kadirpekel/mandrake/pkg/errdefs"
)

type modelsDoc struct {
	Active string                              `json:"active,omitempty"`
	Models map[string]config.LLMProviderConfig `json:"models,omitempty"`
}

// ModelStore persists per-workspace model provider configs. A
// workspace without an active model falls back to the process default.
type ModelStore struct {
	store *jsonStore[modelsDoc]
}

func newModelStore(path string) *ModelStore {
	return &ModelStore{store: newJSONStore[modelsDoc](path)}
}

// Active returns the active model config, or found=false when the
// workspace has none and the process default applies.
func (s *ModelStore) Active() (config.LLMProviderConfig, bool, error) {
	doc, _, err := s.store.load()
	if err != nil {
		return config.LLMProviderConfig{}, false, err
	}
	if doc.Active == "" {
		return config.LLMProviderConfig{}, false, nil
	}
	cfg, ok := doc.Models[doc.Active]
	if !ok {
		return config.LLMProviderConfig{}, false, errdefs.New(errdefs.KindInternal,
			fmt.Sprintf("active model %q does not exist", doc.Active))
	}
	return cfg, true, nil
}

// SetActive switches the active model. The model must exist.
func (s *ModelStore) SetActive(name string) error {
	return s.store.update(func(doc *modelsDoc) error {
		if _, ok := doc.Models[name]; !ok {
			return errdefs.New(errdefs.KindNotFound, fmt.Sprintf("model %q not found", name))
		}
		doc.Active = name
		return nil
	})
}

// List returns model names, sorted.
func (s *ModelStore) List() ([]string, error) {
	doc, _, err := s.store.load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(doc.Models))
	for name := range doc.Models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Get returns the named model config.
func (s *ModelStore) Get(name string) (config.LLMProviderConfig, error) {
	doc, _, err := s.store.load()
	if err != nil {
		return config.LLMProviderConfig{}, err
	}
	cfg, ok := doc.Models[name]
	if !ok {
		return config.LLMProviderConfig{}, errdefs.New(errdefs.KindNotFound, fmt.Sprintf("model %q not found", name))
	}
	return cfg, nil
}

// Save creates or replaces a named model config.
func (s *ModelStore) Save(name string, cfg config.LLMProviderConfig) error {
	return s.store.update(func(doc *modelsDoc) error {
		if doc.Models == nil {
			doc.Models = map[string]config.LLMProviderConfig{}
		}
		doc.Models[name] = cfg
		return nil
	})
}

// Delete removes a named model config. The active model cannot be
// deleted.
func (s *ModelStore) Delete(name string) error {
	return s.store.update(func(doc *modelsDoc) error {
		if _, ok := doc.Models[name]; !ok {
			return errdefs.New(errdefs.KindNotFound, fmt.Sprintf("model %q not found", name))
		}
		if doc.Active == name {
			return errdefs.New(errdefs.KindConflict, fmt.Sprintf("model %q is active", name))
		}
		delete(doc.Models, name)
		return nil
	})
}

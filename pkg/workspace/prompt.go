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

// PromptConfig selects what goes into the system prompt.
type PromptConfig struct {
	Instructions             string `json:"instructions,omitempty"`
	IncludeWorkspaceMetadata bool   `json:"include_workspace_metadata"`
	IncludeSystemInfo        bool   `json:"include_system_info"`
	IncludeDateTime          bool   `json:"include_date_time"`
	IncludeTools             bool   `json:"include_tools"`
	IncludeFiles             bool   `json:"include_files"`
	IncludeDynamicContext    bool   `json:"include_dynamic_context"`
}

// DefaultPromptConfig enables the context sections most sessions want.
func DefaultPromptConfig() PromptConfig {
	return PromptConfig{
		IncludeDateTime:       true,
		IncludeTools:          true,
		IncludeDynamicContext: true,
	}
}

// PromptStore persists the workspace prompt config.
type PromptStore struct {
	store *jsonStore[PromptConfig]
}

func newPromptStore(path string) *PromptStore {
	return &PromptStore{store: newJSONStore[PromptConfig](path)}
}

// Get returns the prompt config, defaulting when never saved.
func (s *PromptStore) Get() (PromptConfig, error) {
	cfg, found, err := s.store.load()
	if err != nil {
		return PromptConfig{}, err
	}
	if !found {
		return DefaultPromptConfig(), nil
	}
	return cfg, nil
}

// Update replaces the prompt config.
func (s *PromptStore) Update(cfg PromptConfig) error {
	return s.store.save(cfg)
}

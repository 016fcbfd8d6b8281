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

	"github.com/kadirpekel/mandrake/pkg/errdefs"
)

// DefaultToolSetName is the config set every workspace starts with.
const DefaultToolSetName = "default"

// ServerConfig describes one tool server.
type ServerConfig struct {
	// Command and Args launch a stdio server. Empty Command with a
	// non-empty URL selects the HTTP transport instead.
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`

	// AutoApprove lists method names invokable without confirmation.
	AutoApprove []string `json:"auto_approve,omitempty"`

	// Disabled servers stay registered but are never started.
	Disabled bool `json:"disabled,omitempty"`
}

// Equal reports whether two configs would launch the same server.
func (c ServerConfig) Equal(o ServerConfig) bool {
	if c.Command != o.Command || c.URL != o.URL || c.Disabled != o.Disabled {
		return false
	}
	if len(c.Args) != len(o.Args) || len(c.Env) != len(o.Env) {
		return false
	}
	for i := range c.Args {
		if c.Args[i] != o.Args[i] {
			return false
		}
	}
	for k, v := range c.Env {
		if o.Env[k] != v {
			return false
		}
	}
	return true
}

// ConfigSet maps server ids to their configs.
type ConfigSet map[string]ServerConfig

type toolsDoc struct {
	Sets   map[string]ConfigSet `json:"sets"`
	Active string               `json:"active"`
}

// ToolStore persists the workspace's named tool config sets and its
// active set. The active name always refers to an existing set.
type ToolStore struct {
	store *jsonStore[toolsDoc]
}

func newToolStore(path string) *ToolStore {
	return &ToolStore{store: newJSONStore[toolsDoc](path)}
}

// ensureDefaults creates the default empty set on first use.
func (s *ToolStore) ensureDefaults() error {
	return s.store.update(func(doc *toolsDoc) error {
		if doc.Sets == nil {
			doc.Sets = map[string]ConfigSet{DefaultToolSetName: {}}
		}
		if doc.Active == "" {
			doc.Active = DefaultToolSetName
		}
		if _, ok := doc.Sets[doc.Active]; !ok {
			doc.Sets[doc.Active] = ConfigSet{}
		}
		return nil
	})
}

// ActiveSet returns the active set name and its configs.
func (s *ToolStore) ActiveSet() (string, ConfigSet, error) {
	doc, found, err := s.store.load()
	if err != nil {
		return "", nil, err
	}
	if !found || doc.Active == "" {
		return DefaultToolSetName, ConfigSet{}, nil
	}
	set, ok := doc.Sets[doc.Active]
	if !ok {
		return "", nil, errdefs.New(errdefs.KindInternal,
			fmt.Sprintf("active tool set %q does not exist", doc.Active))
	}
	return doc.Active, set, nil
}

// SetActive switches the active set. The set must exist.
func (s *ToolStore) SetActive(name string) error {
	return s.store.update(func(doc *toolsDoc) error {
		if _, ok := doc.Sets[name]; !ok {
			return errdefs.New(errdefs.KindNotFound, fmt.Sprintf("tool set %q not found", name))
		}
		doc.Active = name
		return nil
	})
}

// ListSets returns set names, sorted.
func (s *ToolStore) ListSets() ([]string, error) {
	doc, _, err := s.store.load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(doc.Sets))
	for name := range doc.Sets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// GetSet returns the named set.
func (s *ToolStore) GetSet(name string) (ConfigSet, error) {
	doc, _, err := s.store.load()
	if err != nil {
		return nil, err
	}
	set, ok := doc.Sets[name]
	if !ok {
		return nil, errdefs.New(errdefs.KindNotFound, fmt.Sprintf("tool set %q not found", name))
	}
	return set, nil
}

// SaveSet creates or replaces the named set.
func (s *ToolStore) SaveSet(name string, set ConfigSet) error {
	return s.store.update(func(doc *toolsDoc) error {
		if doc.Sets == nil {
			doc.Sets = map[string]ConfigSet{}
		}
		doc.Sets[name] = set
		if doc.Active == "" {
			doc.Active = name
		}
		return nil
	})
}

// DeleteSet removes the named set. The active set cannot be deleted.
func (s *ToolStore) DeleteSet(name string) error {
	return s.store.update(func(doc *toolsDoc) error {
		if _, ok := doc.Sets[name]; !ok {
			return errdefs.New(errdefs.KindNotFound, fmt.Sprintf("tool set %q not found", name))
		}
		if doc.Active == name {
			return errdefs.New(errdefs.KindConflict, fmt.Sprintf("tool set %q is active", name))
		}
		delete(doc.Sets, name)
		return nil
	})
}

// UpdateServer creates or replaces one server config inside a set.
func (s *ToolStore) UpdateServer(setName, serverID string, cfg ServerConfig) error {
	return s.store.update(func(doc *toolsDoc) error {
		set, ok := doc.Sets[setName]
		if !ok {
			return errdefs.New(errdefs.KindNotFound, fmt.Sprintf("tool set %q not found", setName))
		}
		set[serverID] = cfg
		return nil
	})
}

// RemoveServer drops one server config from a set.
func (s *ToolStore) RemoveServer(setName, serverID string) error {
	return s.store.update(func(doc *toolsDoc) error {
		set, ok := doc.Sets[setName]
		if !ok {
			return errdefs.New(errdefs.KindNotFound, fmt.Sprintf("tool set %q not found", setName))
		}
		if _, ok := set[serverID]; !ok {
			return errdefs.New(errdefs.KindNotFound, fmt.Sprintf("server %q not found in set %q", serverID, setName))
		}
		delete(set, serverID)
		return nil
	})
}

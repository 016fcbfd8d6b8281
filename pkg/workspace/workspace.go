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

// Package workspace manages the on-disk root directory, the workspaces
// under it, and each workspace's configuration stores: prompt, tools,
// models, dynamic contexts, and files.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/kadirpekel/mandrake/pkg/config"
	"github.com/kadirpekel/mandrake/pkg/errdefs"
	"github.com/kadirpekel/mandrake/pkg/session"
)

const (
	// StateDirName is the hidden directory inside a workspace that holds
	// its configuration and database. Its presence marks a directory as
	// a workspace.
	StateDirName = ".ws"

	configFileName  = "workspace.json"
	promptFileName  = "prompt.json"
	toolsFileName   = "tools.json"
	modelsFileName  = "models.json"
	dynamicFileName = "dynamic.json"
	sessionDBName   = "session.db"

	// FilesDirName holds user files included in the model context.
	FilesDirName = "files"
)

// Config is the persisted workspace document.
type Config struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// ConfigUpdate carries the mutable workspace fields. Nil fields are
// left unchanged.
type ConfigUpdate struct {
	Description *string           `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Manager is the per-workspace bundle of stores. (id, path) never
// changes after creation.
type Manager struct {
	id   string
	name string
	path string

	storage config.StorageConfig

	prompt  *PromptStore
	tools   *ToolStore
	models  *ModelStore
	dynamic *DynamicContextStore
	files   *FilesStore
	cfg     *jsonStore[Config]

	mu          sync.Mutex
	initialized bool
	sessions    session.Store
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithStorage sets the session storage backend. Default is a sqlite
// database inside the workspace state directory.
func WithStorage(storage config.StorageConfig) ManagerOption {
	return func(m *Manager) {
		m.storage = storage
	}
}

// NewManager opens the workspace rooted at path. The state directory
// must already exist; use RootManager to create or adopt workspaces.
func NewManager(path string, opts ...ManagerOption) (*Manager, error) {
	stateDir := filepath.Join(path, StateDirName)

	cfgStore := newJSONStore[Config](filepath.Join(stateDir, configFileName))
	cfg, found, err := cfgStore.load()
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errdefs.New(errdefs.KindNotFound, fmt.Sprintf("no workspace at %s", path))
	}

	m := &Manager{
		id:      cfg.ID,
		name:    cfg.Name,
		path:    path,
		storage: config.StorageConfig{Driver: "sqlite"},
		cfg:     cfgStore,
		prompt:  newPromptStore(filepath.Join(stateDir, promptFileName)),
		tools:   newToolStore(filepath.Join(stateDir, toolsFileName)),
		models:  newModelStore(filepath.Join(stateDir, modelsFileName)),
		dynamic: newDynamicContextStore(filepath.Join(stateDir, dynamicFileName)),
		files:   newFilesStore(filepath.Join(path, FilesDirName)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// ID returns the stable workspace id.
func (m *Manager) ID() string { return m.id }

// Name returns the workspace name.
func (m *Manager) Name() string { return m.name }

// Path returns the workspace root path.
func (m *Manager) Path() string { return m.path }

// Init prepares the workspace stores. Idempotent; a second call is a
// no-op.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}

	if err := m.tools.ensureDefaults(); err != nil {
		return err
	}
	if err := m.files.ensureDir(); err != nil {
		return err
	}

	m.initialized = true
	slog.Debug("Workspace initialized", "id", m.id, "name", m.name, "path", m.path)
	return nil
}

// GetConfig returns the persisted workspace document.
func (m *Manager) GetConfig() (*Config, error) {
	cfg, found, err := m.cfg.load()
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errdefs.New(errdefs.KindNotFound, fmt.Sprintf("workspace %s has no config", m.id))
	}
	return &cfg, nil
}

// UpdateConfig applies a partial update to the mutable fields.
func (m *Manager) UpdateConfig(update ConfigUpdate) (*Config, error) {
	var out Config
	err := m.cfg.update(func(cfg *Config) error {
		if update.Description != nil {
			cfg.Description = *update.Description
		}
		if update.Metadata != nil {
			cfg.Metadata = update.Metadata
		}
		out = *cfg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Prompt returns the prompt config store.
func (m *Manager) Prompt() *PromptStore { return m.prompt }

// Tools returns the tool config store.
func (m *Manager) Tools() *ToolStore { return m.tools }

// Models returns the model config store.
func (m *Manager) Models() *ModelStore { return m.models }

// Dynamic returns the dynamic context store.
func (m *Manager) Dynamic() *DynamicContextStore { return m.dynamic }

// Files returns the files store.
func (m *Manager) Files() *FilesStore { return m.files }

// Sessions returns the session store, opening it on first use. The
// returned store is shared by every caller; opening twice is safe.
func (m *Manager) Sessions(ctx context.Context) (session.Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessions != nil {
		return m.sessions, nil
	}

	storage := m.storage
	if storage.Driver == "sqlite" && storage.DSN == "" {
		storage.DSN = filepath.Join(m.path, StateDirName, sessionDBName)
	}

	store, err := session.NewSQLStore(ctx, storage, m.id)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store for workspace %s: %w", m.id, err)
	}
	m.sessions = store
	return store, nil
}

// Close releases store resources held by the manager.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.files.Close()

	if m.sessions != nil {
		err := m.sessions.Close()
		m.sessions = nil
		m.initialized = false
		return err
	}
	m.initialized = false
	return nil
}

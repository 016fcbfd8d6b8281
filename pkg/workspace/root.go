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
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/mandrake/pkg/config"
	"github.com/kadirpekel/mandrake/pkg/errdefs"
)

const (
	registryFileName  = "root.json"
	workspacesDirName = "workspaces"
)

// nameRe constrains workspace names.
var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Info is a root registry entry for one workspace.
type Info struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	Description string    `json:"description,omitempty"`
	LastOpened  time.Time `json:"last_opened,omitempty"`
}

// rootRegistry is the persisted root document.
type rootRegistry struct {
	Workspaces []Info `json:"workspaces"`
}

// RootManager owns the root directory and the workspace registry
// inside it.
type RootManager struct {
	path    string
	storage config.StorageConfig
	reg     *jsonStore[rootRegistry]

	mu          sync.Mutex
	initialized bool
}

// RootOption configures a RootManager.
type RootOption func(*RootManager)

// WithRootStorage sets the session storage passed to every workspace
// manager the root opens.
func WithRootStorage(storage config.StorageConfig) RootOption {
	return func(r *RootManager) {
		r.storage = storage
	}
}

// NewRootManager creates a manager rooted at path.
func NewRootManager(path string, opts ...RootOption) *RootManager {
	r := &RootManager{
		path:    path,
		storage: config.StorageConfig{Driver: "sqlite"},
		reg:     newJSONStore[rootRegistry](filepath.Join(path, registryFileName)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Path returns the root directory path.
func (r *RootManager) Path() string { return r.path }

// Init creates the root directory layout. Idempotent.
func (r *RootManager) Init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return nil
	}

	if err := os.MkdirAll(filepath.Join(r.path, workspacesDirName), 0o755); err != nil {
		return fmt.Errorf("failed to create root directory %s: %w", r.path, err)
	}

	if _, found, err := r.reg.load(); err != nil {
		return err
	} else if !found {
		if err := r.reg.save(rootRegistry{Workspaces: []Info{}}); err != nil {
			return err
		}
	}

	r.initialized = true
	slog.Info("Root initialized", "path", r.path)
	return nil
}

// ListWorkspaces returns the registered workspaces.
func (r *RootManager) ListWorkspaces() ([]Info, error) {
	reg, _, err := r.reg.load()
	if err != nil {
		return nil, err
	}
	return reg.Workspaces, nil
}

// GetWorkspace opens the workspace with the given id.
func (r *RootManager) GetWorkspace(id string) (*Manager, error) {
	info, err := r.findBy(func(w Info) bool { return w.ID == id })
	if err != nil {
		return nil, err
	}
	return r.open(info)
}

// GetWorkspaceByName opens the workspace with the given name.
func (r *RootManager) GetWorkspaceByName(name string) (*Manager, error) {
	info, err := r.findBy(func(w Info) bool { return w.Name == name })
	if err != nil {
		return nil, err
	}
	return r.open(info)
}

// CreateWorkspace creates a new workspace. When path is empty the
// workspace lives under the root's workspaces directory.
func (r *RootManager) CreateWorkspace(name, description, path string) (*Manager, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	if path == "" {
		path = filepath.Join(r.path, workspacesDirName, name)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace path: %w", err)
	}

	id := uuid.NewString()
	cfg := Config{
		ID:        id,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	if description != "" {
		cfg.Description = description
	}

	err = r.reg.update(func(reg *rootRegistry) error {
		for _, w := range reg.Workspaces {
			if w.Name == name {
				return errdefs.New(errdefs.KindConflict, fmt.Sprintf("workspace %q already exists", name))
			}
		}

		stateDir := filepath.Join(absPath, StateDirName)
		if _, statErr := os.Stat(filepath.Join(stateDir, configFileName)); statErr == nil {
			return errdefs.New(errdefs.KindConflict, fmt.Sprintf("directory %s already contains a workspace", absPath))
		}
		if mkErr := os.MkdirAll(stateDir, 0o755); mkErr != nil {
			return fmt.Errorf("failed to create workspace directory: %w", mkErr)
		}
		if saveErr := newJSONStore[Config](filepath.Join(stateDir, configFileName)).save(cfg); saveErr != nil {
			return saveErr
		}

		reg.Workspaces = append(reg.Workspaces, Info{
			ID:          id,
			Name:        name,
			Path:        absPath,
			Description: description,
			LastOpened:  time.Now().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Workspace created", "id", id, "name", name, "path", absPath)
	return r.open(Info{ID: id, Name: name, Path: absPath})
}

// AdoptWorkspace registers an existing on-disk workspace under this
// root. The directory must already carry a workspace state directory.
func (r *RootManager) AdoptWorkspace(name, path, description string) (*Manager, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace path: %w", err)
	}

	cfgStore := newJSONStore[Config](filepath.Join(absPath, StateDirName, configFileName))
	cfg, found, err := cfgStore.load()
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errdefs.New(errdefs.KindNotFound, fmt.Sprintf("no workspace at %s", absPath))
	}

	err = r.reg.update(func(reg *rootRegistry) error {
		for _, w := range reg.Workspaces {
			if w.Name == name {
				return errdefs.New(errdefs.KindConflict, fmt.Sprintf("workspace %q already exists", name))
			}
			if w.ID == cfg.ID {
				return errdefs.New(errdefs.KindConflict, fmt.Sprintf("workspace id %s is already registered", cfg.ID))
			}
		}
		reg.Workspaces = append(reg.Workspaces, Info{
			ID:          cfg.ID,
			Name:        name,
			Path:        absPath,
			Description: description,
			LastOpened:  time.Now().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Workspace adopted", "id", cfg.ID, "name", name, "path", absPath)
	return r.open(Info{ID: cfg.ID, Name: name, Path: absPath})
}

// DeleteWorkspace unregisters the named workspace. Workspaces created
// under the root's workspaces directory are removed from disk; adopted
// directories are only unregistered.
func (r *RootManager) DeleteWorkspace(name string) error {
	var removed Info
	err := r.reg.update(func(reg *rootRegistry) error {
		for i, w := range reg.Workspaces {
			if w.Name == name {
				removed = w
				reg.Workspaces = append(reg.Workspaces[:i], reg.Workspaces[i+1:]...)
				return nil
			}
		}
		return errdefs.New(errdefs.KindNotFound, fmt.Sprintf("workspace %q not found", name))
	})
	if err != nil {
		return err
	}

	managed := filepath.Join(r.path, workspacesDirName) + string(filepath.Separator)
	if strings.HasPrefix(removed.Path, managed) {
		if err := os.RemoveAll(removed.Path); err != nil {
			slog.Warn("Failed to remove workspace directory", "path", removed.Path, "error", err)
		}
	}

	slog.Info("Workspace deleted", "id", removed.ID, "name", name)
	return nil
}

// touch records last-opened time for a workspace. Failures are not
// surfaced; the timestamp is advisory.
func (r *RootManager) touch(id string) {
	err := r.reg.update(func(reg *rootRegistry) error {
		for i := range reg.Workspaces {
			if reg.Workspaces[i].ID == id {
				reg.Workspaces[i].LastOpened = time.Now().UTC()
				break
			}
		}
		return nil
	})
	if err != nil {
		slog.Debug("Failed to record workspace open time", "id", id, "error", err)
	}
}

func (r *RootManager) findBy(match func(Info) bool) (Info, error) {
	reg, _, err := r.reg.load()
	if err != nil {
		return Info{}, err
	}
	for _, w := range reg.Workspaces {
		if match(w) {
			return w, nil
		}
	}
	return Info{}, errdefs.New(errdefs.KindNotFound, "workspace not found")
}

func (r *RootManager) open(info Info) (*Manager, error) {
	m, err := NewManager(info.Path, WithStorage(r.storage))
	if err != nil {
		return nil, err
	}
	r.touch(info.ID)
	return m, nil
}

func validateName(name string) error {
	if !nameRe.MatchString(name) {
		return errdefs.New(errdefs.KindValidation,
			fmt.Sprintf("workspace name %q must match %s", name, nameRe.String()))
	}
	return nil
}

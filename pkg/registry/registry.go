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

// Package registry caches initialized managers: the root, per-workspace
// managers and tool pools, and per-session coordinators. It enforces a
// cap on concurrent sessions with LRU eviction and releases idle
// entries on a periodic sweep.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kadirpekel/mandrake/pkg/config"
	"github.com/kadirpekel/mandrake/pkg/coordinator"
	"github.com/kadirpekel/mandrake/pkg/errdefs"
	"github.com/kadirpekel/mandrake/pkg/llm"
	"github.com/kadirpekel/mandrake/pkg/session"
	"github.com/kadirpekel/mandrake/pkg/toolpool"
	"github.com/kadirpekel/mandrake/pkg/workspace"
)

const (
	// DefaultMaxConcurrentSessions caps cached session coordinators.
	DefaultMaxConcurrentSessions = 10
	// DefaultIdleThreshold ages out untouched entries.
	DefaultIdleThreshold = 30 * time.Minute
)

// Config tunes the registry.
type Config struct {
	// RootPath locates the on-disk root. Empty means the env override
	// or $HOME default.
	RootPath string

	// MaxConcurrentSessions caps cached coordinators. Zero means the
	// default.
	MaxConcurrentSessions int

	// IdleThreshold ages out untouched entries on PerformCleanup.
	// Negative disables the sweep; zero releases everything.
	IdleThreshold time.Duration

	// Storage backs every workspace session store.
	Storage config.StorageConfig

	// DefaultModel answers sessions whose workspace has no active
	// model override.
	DefaultModel config.LLMProviderConfig
}

// entry pairs a cached value with its activity record.
type entry[T any] struct {
	value      T
	lastUsedAt time.Time
	inUse      bool
}

func (e *entry[T]) touch() {
	e.lastUsedAt = time.Now()
	e.inUse = true
}

// Registry is the process-wide manager cache. All cache mutations are
// serialized; initializers for the same key run once.
type Registry struct {
	rootPath      string
	maxSessions   int
	idleThreshold time.Duration
	storage       config.StorageConfig
	defaultModel  config.LLMProviderConfig

	dialer toolpool.Dialer

	providerMu  sync.Mutex
	provider    llm.Provider
	providerSet bool

	mu         sync.Mutex
	root       *entry[*workspace.RootManager]
	workspaces map[string]*entry[*workspace.Manager]
	pools      map[string]*entry[*toolpool.Pool]
	sessions   map[string]*entry[*coordinator.Coordinator]

	group singleflight.Group
}

// Option configures a Registry.
type Option func(*Registry)

// WithDialer overrides the tool-server transport.
func WithDialer(dialer toolpool.Dialer) Option {
	return func(r *Registry) { r.dialer = dialer }
}

// WithProvider injects the default model provider directly.
func WithProvider(provider llm.Provider) Option {
	return func(r *Registry) {
		r.provider = provider
		r.providerSet = true
	}
}

// New creates a registry.
func New(cfg Config, opts ...Option) *Registry {
	rootPath := cfg.RootPath
	if rootPath == "" {
		rootPath = config.DefaultRootPath()
	}
	maxSessions := cfg.MaxConcurrentSessions
	if maxSessions <= 0 {
		maxSessions = DefaultMaxConcurrentSessions
	}
	storage := cfg.Storage
	if storage.Driver == "" {
		storage.Driver = "sqlite"
	}

	r := &Registry{
		rootPath:      rootPath,
		maxSessions:   maxSessions,
		idleThreshold: cfg.IdleThreshold,
		storage:       storage,
		defaultModel:  cfg.DefaultModel,
		workspaces:    make(map[string]*entry[*workspace.Manager]),
		pools:         make(map[string]*entry[*toolpool.Pool]),
		sessions:      make(map[string]*entry[*coordinator.Coordinator]),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func sessionKey(workspaceID, sessionID string) string {
	return workspaceID + ":" + sessionID
}

// deriveWorkspaceName builds the name used when a workspace is adopted
// or created from a raw id and path.
func deriveWorkspaceName(workspaceID string) string {
	short := workspaceID
	if len(short) > 8 {
		short = short[:8]
	}
	return "workspace-" + short
}

// GetRoot returns the root manager, constructing and initializing it
// on first use.
func (r *Registry) GetRoot(ctx context.Context) (*workspace.RootManager, error) {
	r.mu.Lock()
	if r.root != nil {
		r.root.touch()
		root := r.root.value
		r.mu.Unlock()
		return root, nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do("root", func() (any, error) {
		r.mu.Lock()
		if r.root != nil {
			r.root.touch()
			root := r.root.value
			r.mu.Unlock()
			return root, nil
		}
		r.mu.Unlock()

		root := workspace.NewRootManager(r.rootPath, workspace.WithRootStorage(r.storage))
		if err := root.Init(ctx); err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.root = &entry[*workspace.RootManager]{}
		r.root.value = root
		r.root.touch()
		r.mu.Unlock()
		return root, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*workspace.RootManager), nil
}

// GetWorkspace returns a cached workspace manager. On a miss it
// consults the root; an unknown id with a path is adopted from that
// path, or created there when adoption finds no workspace marker. A
// created or adopted workspace is cached under its own id and aliased
// under the requested id so later pool and session lookups with the
// caller's id resolve to the same manager.
func (r *Registry) GetWorkspace(ctx context.Context, workspaceID, path string) (*workspace.Manager, error) {
	r.mu.Lock()
	if e, ok := r.workspaces[workspaceID]; ok {
		e.touch()
		m := e.value
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do("workspace:"+workspaceID, func() (any, error) {
		r.mu.Lock()
		if e, ok := r.workspaces[workspaceID]; ok {
			e.touch()
			m := e.value
			r.mu.Unlock()
			return m, nil
		}
		r.mu.Unlock()

		root, err := r.GetRoot(ctx)
		if err != nil {
			return nil, err
		}

		m, err := root.GetWorkspace(workspaceID)
		if err != nil {
			if !errdefs.IsNotFound(err) || path == "" {
				return nil, err
			}
			name := deriveWorkspaceName(workspaceID)
			m, err = root.AdoptWorkspace(name, path, "")
			if err != nil {
				m, err = root.CreateWorkspace(name, "", path)
				if err != nil {
					return nil, errdefs.Wrap(errdefs.KindNotFound,
						fmt.Sprintf("workspace %s not found and could not be created at %s", workspaceID, path), err)
				}
			}
		}

		if err := m.Init(ctx); err != nil {
			return nil, err
		}

		r.mu.Lock()
		e := &entry[*workspace.Manager]{value: m}
		e.touch()
		r.workspaces[m.ID()] = e
		if workspaceID != m.ID() {
			r.workspaces[workspaceID] = e
		}
		r.mu.Unlock()
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*workspace.Manager), nil
}

// GetToolPool returns the workspace's tool pool, starting every
// non-disabled server of the active tool set on first use. Server
// startup failures are logged; the pool is cached regardless.
func (r *Registry) GetToolPool(ctx context.Context, workspaceID, path string) (*toolpool.Pool, error) {
	r.mu.Lock()
	if e, ok := r.pools[workspaceID]; ok {
		e.touch()
		pool := e.value
		r.mu.Unlock()
		return pool, nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do("pool:"+workspaceID, func() (any, error) {
		r.mu.Lock()
		if e, ok := r.pools[workspaceID]; ok {
			e.touch()
			pool := e.value
			r.mu.Unlock()
			return pool, nil
		}
		r.mu.Unlock()

		m, err := r.GetWorkspace(ctx, workspaceID, path)
		if err != nil {
			return nil, err
		}

		// The workspace may already have a pool cached under its own
		// id when the caller used an alias.
		r.mu.Lock()
		if e, ok := r.pools[m.ID()]; ok {
			e.touch()
			pool := e.value
			if workspaceID != m.ID() {
				r.pools[workspaceID] = e
			}
			r.mu.Unlock()
			return pool, nil
		}
		r.mu.Unlock()

		_, set, err := m.Tools().ActiveSet()
		if err != nil {
			return nil, err
		}

		var opts []toolpool.Option
		if r.dialer != nil {
			opts = append(opts, toolpool.WithDialer(r.dialer))
		}
		pool := toolpool.New(m.ID(), opts...)
		pool.StartAll(ctx, set)

		r.mu.Lock()
		e := &entry[*toolpool.Pool]{value: pool}
		e.touch()
		r.pools[m.ID()] = e
		if workspaceID != m.ID() {
			r.pools[workspaceID] = e
		}
		r.mu.Unlock()
		return pool, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*toolpool.Pool), nil
}

// GetSessionCoordinator returns the cached coordinator for a session,
// constructing it on a miss. When the cache is at capacity the least
// recently used session is released first.
func (r *Registry) GetSessionCoordinator(ctx context.Context, workspaceID, path, sessionID string) (*coordinator.Coordinator, error) {
	key := sessionKey(workspaceID, sessionID)

	r.mu.Lock()
	if e, ok := r.sessions[key]; ok {
		e.touch()
		c := e.value
		r.mu.Unlock()
		return c, nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do("session:"+key, func() (any, error) {
		r.mu.Lock()
		if e, ok := r.sessions[key]; ok {
			e.touch()
			c := e.value
			r.mu.Unlock()
			return c, nil
		}
		r.mu.Unlock()

		m, err := r.GetWorkspace(ctx, workspaceID, path)
		if err != nil {
			return nil, err
		}
		store, err := m.Sessions(ctx)
		if err != nil {
			return nil, err
		}
		if err := r.ensureSession(ctx, store, m.ID(), sessionID); err != nil {
			return nil, err
		}

		pool, err := r.GetToolPool(ctx, workspaceID, path)
		if err != nil {
			return nil, err
		}

		c, err := coordinator.New(sessionID, coordinator.Options{
			SessionStore: store,
			Prompt:       m.Prompt(),
			Pool:         pool,
			Models:       m.Models(),
			Files:        m.Files(),
			Dynamic:      m.Dynamic(),
			Provider:     r.defaultProvider(),
			Meta: coordinator.Meta{
				WorkspaceID:   m.ID(),
				WorkspaceName: m.Name(),
				WorkspacePath: m.Path(),
			},
		})
		if err != nil {
			return nil, err
		}

		// Eviction and insertion share one critical section so the
		// cache never exceeds its cap, even under concurrent misses.
		var evicted []*entry[*coordinator.Coordinator]
		r.mu.Lock()
		for len(r.sessions) >= r.maxSessions {
			victim := r.lruSessionKeyLocked()
			if victim == "" {
				break
			}
			evicted = append(evicted, r.sessions[victim])
			delete(r.sessions, victim)
		}
		e := &entry[*coordinator.Coordinator]{value: c}
		e.touch()
		r.sessions[key] = e
		r.mu.Unlock()

		for _, ev := range evicted {
			ev.value.Cleanup()
		}
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*coordinator.Coordinator), nil
}

// ensureSession creates the session record on first use so a fresh
// session id is immediately usable.
func (r *Registry) ensureSession(ctx context.Context, store session.Store, workspaceID, sessionID string) error {
	_, err := store.GetSession(ctx, sessionID)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return err
	}
	return store.CreateSession(ctx, &session.Session{ID: sessionID, WorkspaceID: workspaceID})
}

// lruSessionKeyLocked picks the eviction victim: oldest lastUsedAt,
// lexicographic key on a tie. Caller holds r.mu.
func (r *Registry) lruSessionKeyLocked() string {
	keys := make([]string, 0, len(r.sessions))
	for key := range r.sessions {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	victim := ""
	var oldest time.Time
	for _, key := range keys {
		e := r.sessions[key]
		if victim == "" || e.lastUsedAt.Before(oldest) {
			victim = key
			oldest = e.lastUsedAt
		}
	}
	return victim
}

// ReleaseSession cleans up and drops a cached coordinator. Missing
// entries are a no-op.
func (r *Registry) ReleaseSession(workspaceID, sessionID string) {
	r.releaseSessionByKey(sessionKey(workspaceID, sessionID))
}

func (r *Registry) releaseSessionByKey(key string) {
	r.mu.Lock()
	e, ok := r.sessions[key]
	if ok {
		delete(r.sessions, key)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	slog.Debug("Releasing session", "key", key)
	e.value.Cleanup()
}

// ReleaseWorkspace releases every session of the workspace, stops its
// tool pool, and drops the manager. Release errors are logged and
// swallowed so shutdown always progresses.
func (r *Registry) ReleaseWorkspace(workspaceID string) {
	r.mu.Lock()
	aliases := r.workspaceAliasesLocked(workspaceID)
	var sessionKeys []string
	for key := range r.sessions {
		for _, id := range aliases {
			if strings.HasPrefix(key, id+":") {
				sessionKeys = append(sessionKeys, key)
				break
			}
		}
	}
	r.mu.Unlock()
	sort.Strings(sessionKeys)
	for _, key := range sessionKeys {
		r.releaseSessionByKey(key)
	}

	r.mu.Lock()
	var poolEntry *entry[*toolpool.Pool]
	var wsEntry *entry[*workspace.Manager]
	for _, id := range aliases {
		if e, ok := r.pools[id]; ok {
			poolEntry = e
			delete(r.pools, id)
		}
		if e, ok := r.workspaces[id]; ok {
			wsEntry = e
			delete(r.workspaces, id)
		}
	}
	r.mu.Unlock()

	if poolEntry != nil {
		poolEntry.value.Cleanup()
	}
	if wsEntry != nil {
		if err := wsEntry.value.Close(); err != nil {
			slog.Warn("Failed to close workspace", "workspace", workspaceID, "error", err)
		}
	}
}

// workspaceAliasesLocked returns every cache id resolving to the same
// manager entry as workspaceID, including workspaceID itself. Caller
// holds r.mu.
func (r *Registry) workspaceAliasesLocked(workspaceID string) []string {
	aliases := []string{workspaceID}
	e, ok := r.workspaces[workspaceID]
	if !ok {
		return aliases
	}
	for id, other := range r.workspaces {
		if id != workspaceID && other == e {
			aliases = append(aliases, id)
		}
	}
	sort.Strings(aliases)
	return aliases
}

// ReleaseRoot drops the cached root manager. The filesystem is not
// touched.
func (r *Registry) ReleaseRoot() {
	r.mu.Lock()
	r.root = nil
	r.mu.Unlock()
}

// PerformCleanup releases idle entries: sessions first, then
// workspaces with no remaining sessions, then the root once no
// workspaces remain.
func (r *Registry) PerformCleanup() {
	if r.idleThreshold < 0 {
		return
	}
	now := time.Now()

	r.mu.Lock()
	var idleSessions []string
	for key, e := range r.sessions {
		if now.Sub(e.lastUsedAt) > r.idleThreshold {
			idleSessions = append(idleSessions, key)
		}
	}
	r.mu.Unlock()
	sort.Strings(idleSessions)
	for _, key := range idleSessions {
		r.releaseSessionByKey(key)
	}

	r.mu.Lock()
	var idleWorkspaces []string
	for id, e := range r.workspaces {
		if now.Sub(e.lastUsedAt) <= r.idleThreshold {
			continue
		}
		busy := false
		for _, alias := range r.workspaceAliasesLocked(id) {
			for key := range r.sessions {
				if strings.HasPrefix(key, alias+":") {
					busy = true
					break
				}
			}
			if busy {
				break
			}
		}
		if !busy {
			idleWorkspaces = append(idleWorkspaces, id)
		}
	}
	r.mu.Unlock()
	sort.Strings(idleWorkspaces)
	for _, id := range idleWorkspaces {
		r.ReleaseWorkspace(id)
	}

	r.mu.Lock()
	releaseRoot := r.root != nil && len(r.workspaces) == 0 &&
		now.Sub(r.root.lastUsedAt) > r.idleThreshold
	r.mu.Unlock()
	if releaseRoot {
		r.ReleaseRoot()
	}
}

// Reset releases everything. Test and shutdown hook.
func (r *Registry) Reset() {
	r.mu.Lock()
	var sessionKeys []string
	for key := range r.sessions {
		sessionKeys = append(sessionKeys, key)
	}
	var workspaceIDs []string
	for id := range r.workspaces {
		workspaceIDs = append(workspaceIDs, id)
	}
	r.mu.Unlock()

	sort.Strings(sessionKeys)
	for _, key := range sessionKeys {
		r.releaseSessionByKey(key)
	}
	sort.Strings(workspaceIDs)
	for _, id := range workspaceIDs {
		r.ReleaseWorkspace(id)
	}
	r.ReleaseRoot()
}

// SessionCount returns the number of cached coordinators.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// HasWorkspace reports whether the workspace is cached.
func (r *Registry) HasWorkspace(workspaceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.workspaces[workspaceID]
	return ok
}

// HasPool reports whether the workspace's tool pool is cached.
func (r *Registry) HasPool(workspaceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pools[workspaceID]
	return ok
}

// HasRoot reports whether the root manager is cached.
func (r *Registry) HasRoot() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.root != nil
}

// defaultProvider lazily builds the provider for the configured
// default model. Sessions whose workspace sets an active model never
// need it.
func (r *Registry) defaultProvider() llm.Provider {
	r.providerMu.Lock()
	defer r.providerMu.Unlock()

	if r.providerSet {
		return r.provider
	}

	if r.defaultModel.Type == "" || r.defaultModel.APIKey == "" {
		return nil
	}
	provider, err := llm.NewProvider(r.defaultModel)
	if err != nil {
		slog.Warn("Default model provider unavailable", "type", r.defaultModel.Type, "error", err)
		return nil
	}
	r.provider = provider
	r.providerSet = true
	return provider
}

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

package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/mandrake/pkg/config"
	"github.com/kadirpekel/mandrake/pkg/errdefs"
	"github.com/kadirpekel/mandrake/pkg/llm"
)

// idleProvider satisfies the coordinator's provider requirement; the
// registry tests never stream.
type idleProvider struct{}

func (idleProvider) Name() string  { return "idle" }
func (idleProvider) Model() string { return "idle-model" }
func (idleProvider) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk, 1)
	ch <- llm.Chunk{Done: true}
	close(ch)
	return ch, nil
}

func newTestRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()
	if cfg.RootPath == "" {
		cfg.RootPath = t.TempDir()
	}
	r := New(cfg, WithProvider(idleProvider{}))
	t.Cleanup(r.Reset)
	return r
}

func createWorkspace(t *testing.T, r *Registry, name string) string {
	t.Helper()
	root, err := r.GetRoot(context.Background())
	require.NoError(t, err)
	m, err := root.CreateWorkspace(name, "", "")
	require.NoError(t, err)
	return m.ID()
}

func TestGetRootCaches(t *testing.T) {
	r := newTestRegistry(t, Config{})

	first, err := r.GetRoot(context.Background())
	require.NoError(t, err)
	second, err := r.GetRoot(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.True(t, r.HasRoot())
}

func TestGetWorkspaceCaches(t *testing.T) {
	r := newTestRegistry(t, Config{})
	wsID := createWorkspace(t, r, "alpha")

	first, err := r.GetWorkspace(context.Background(), wsID, "")
	require.NoError(t, err)
	second, err := r.GetWorkspace(context.Background(), wsID, "")
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestGetWorkspaceUnknownWithoutPath(t *testing.T) {
	r := newTestRegistry(t, Config{})

	_, err := r.GetWorkspace(context.Background(), "no-such-id", "")
	require.Error(t, err)
	assert.Equal(t, errdefs.KindNotFound, errdefs.KindOf(err))
}

func TestGetWorkspaceAdoptOrCreate(t *testing.T) {
	r := newTestRegistry(t, Config{})
	dir := t.TempDir()

	// No workspace marker: adoption fails, creation takes over.
	m, err := r.GetWorkspace(context.Background(), "unknown-id", dir)
	require.NoError(t, err)
	assert.Equal(t, "workspace-unknown-", m.Name())
	assert.Equal(t, dir, m.Path())

	// Cached under the new id and aliased under the requested one.
	assert.True(t, r.HasWorkspace(m.ID()))
	assert.True(t, r.HasWorkspace("unknown-id"))

	again, err := r.GetWorkspace(context.Background(), m.ID(), "")
	require.NoError(t, err)
	assert.Same(t, m, again)

	viaAlias, err := r.GetWorkspace(context.Background(), "unknown-id", "")
	require.NoError(t, err)
	assert.Same(t, m, viaAlias)
}

func TestAdoptedWorkspaceResolvesPoolAndCoordinator(t *testing.T) {
	r := newTestRegistry(t, Config{})
	dir := t.TempDir()
	ctx := context.Background()

	m, err := r.GetWorkspace(ctx, "unknown-id", dir)
	require.NoError(t, err)
	require.NotEqual(t, "unknown-id", m.ID())

	// Later lookups keep using the caller's id; they must resolve to
	// the same workspace instead of attempting a second creation.
	pool, err := r.GetToolPool(ctx, "unknown-id", dir)
	require.NoError(t, err)
	byNewID, err := r.GetToolPool(ctx, m.ID(), "")
	require.NoError(t, err)
	assert.Same(t, pool, byNewID)

	_, err = r.GetSessionCoordinator(ctx, "unknown-id", dir, "s-1")
	require.NoError(t, err)

	// Releasing through either id clears both aliases.
	r.ReleaseWorkspace(m.ID())
	assert.Equal(t, 0, r.SessionCount())
	assert.False(t, r.HasWorkspace(m.ID()))
	assert.False(t, r.HasWorkspace("unknown-id"))
	assert.False(t, r.HasPool(m.ID()))
	assert.False(t, r.HasPool("unknown-id"))
}

func TestGetWorkspaceAdoptsExistingMarker(t *testing.T) {
	seed := newTestRegistry(t, Config{})
	dir := t.TempDir()
	root, err := seed.GetRoot(context.Background())
	require.NoError(t, err)
	created, err := root.CreateWorkspace("seeded", "", dir)
	require.NoError(t, err)
	seed.Reset()

	// A second root adopts the marker and keeps its id.
	r := newTestRegistry(t, Config{})
	m, err := r.GetWorkspace(context.Background(), created.ID(), dir)
	require.NoError(t, err)
	assert.Equal(t, created.ID(), m.ID())
}

func TestSessionStoreSharedWithWorkspace(t *testing.T) {
	r := newTestRegistry(t, Config{})
	wsID := createWorkspace(t, r, "alpha")

	c, err := r.GetSessionCoordinator(context.Background(), wsID, "", "s-1")
	require.NoError(t, err)

	m, err := r.GetWorkspace(context.Background(), wsID, "")
	require.NoError(t, err)
	store, err := m.Sessions(context.Background())
	require.NoError(t, err)

	assert.Same(t, store, c.Store())
}

func TestSessionLRUEviction(t *testing.T) {
	r := newTestRegistry(t, Config{MaxConcurrentSessions: 10, IdleThreshold: time.Hour})
	wsID := createWorkspace(t, r, "alpha")

	ctx := context.Background()
	first, err := r.GetSessionCoordinator(ctx, wsID, "", "s-01")
	require.NoError(t, err)
	for i := 2; i <= 10; i++ {
		_, err := r.GetSessionCoordinator(ctx, wsID, "", fmt.Sprintf("s-%02d", i))
		require.NoError(t, err)
	}
	require.Equal(t, 10, r.SessionCount())

	// The 11th session evicts the least recently used one.
	_, err = r.GetSessionCoordinator(ctx, wsID, "", "s-11")
	require.NoError(t, err)
	assert.Equal(t, 10, r.SessionCount())

	// The evicted coordinator was cleaned up and refuses work.
	_, err = first.HandleRequest(ctx, "hello")
	require.Error(t, err)
	assert.Equal(t, errdefs.KindUnavailable, errdefs.KindOf(err))

	// Fetching it again yields a fresh instance.
	fresh, err := r.GetSessionCoordinator(ctx, wsID, "", "s-01")
	require.NoError(t, err)
	assert.NotSame(t, first, fresh)
	assert.Equal(t, 10, r.SessionCount())
}

func TestSessionCapHeldUnderConcurrentMisses(t *testing.T) {
	r := newTestRegistry(t, Config{MaxConcurrentSessions: 10, IdleThreshold: time.Hour})
	wsID := createWorkspace(t, r, "alpha")

	ctx := context.Background()
	for i := 1; i <= 10; i++ {
		_, err := r.GetSessionCoordinator(ctx, wsID, "", fmt.Sprintf("s-%02d", i))
		require.NoError(t, err)
	}
	require.Equal(t, 10, r.SessionCount())

	// A burst of misses at capacity must never overshoot the cap, no
	// matter how the insertions interleave.
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.GetSessionCoordinator(ctx, wsID, "", fmt.Sprintf("s-%02d", 11+i))
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 10, r.SessionCount())
}

func TestReleaseSessionThenGetReturnsNewInstance(t *testing.T) {
	r := newTestRegistry(t, Config{})
	wsID := createWorkspace(t, r, "alpha")

	ctx := context.Background()
	first, err := r.GetSessionCoordinator(ctx, wsID, "", "s-1")
	require.NoError(t, err)

	r.ReleaseSession(wsID, "s-1")
	assert.Equal(t, 0, r.SessionCount())

	second, err := r.GetSessionCoordinator(ctx, wsID, "", "s-1")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}

func TestReleaseSessionMissingIsNoop(t *testing.T) {
	r := newTestRegistry(t, Config{})
	r.ReleaseSession("ghost-ws", "ghost-session")
}

func TestReleaseWorkspace(t *testing.T) {
	r := newTestRegistry(t, Config{})
	wsID := createWorkspace(t, r, "alpha")

	ctx := context.Background()
	_, err := r.GetSessionCoordinator(ctx, wsID, "", "s-1")
	require.NoError(t, err)
	_, err = r.GetSessionCoordinator(ctx, wsID, "", "s-2")
	require.NoError(t, err)
	require.True(t, r.HasPool(wsID))

	r.ReleaseWorkspace(wsID)
	assert.Equal(t, 0, r.SessionCount())
	assert.False(t, r.HasPool(wsID))
	assert.False(t, r.HasWorkspace(wsID))
}

func TestPerformCleanupFreshIsNoop(t *testing.T) {
	r := newTestRegistry(t, Config{IdleThreshold: time.Hour})
	wsID := createWorkspace(t, r, "alpha")

	_, err := r.GetSessionCoordinator(context.Background(), wsID, "", "s-1")
	require.NoError(t, err)

	r.PerformCleanup()
	assert.Equal(t, 1, r.SessionCount())
	assert.True(t, r.HasWorkspace(wsID))
	assert.True(t, r.HasRoot())
}

func TestPerformCleanupIdleSweep(t *testing.T) {
	r := newTestRegistry(t, Config{IdleThreshold: 0})
	wsID := createWorkspace(t, r, "alpha")

	_, err := r.GetSessionCoordinator(context.Background(), wsID, "", "s-1")
	require.NoError(t, err)

	// Everything has aged past a zero threshold.
	time.Sleep(5 * time.Millisecond)
	r.PerformCleanup()

	assert.Equal(t, 0, r.SessionCount())
	assert.False(t, r.HasWorkspace(wsID))
	assert.False(t, r.HasPool(wsID))
	assert.False(t, r.HasRoot())
}

func TestResetReleasesEverything(t *testing.T) {
	r := newTestRegistry(t, Config{})
	wsID := createWorkspace(t, r, "alpha")

	_, err := r.GetSessionCoordinator(context.Background(), wsID, "", "s-1")
	require.NoError(t, err)

	r.Reset()
	assert.Equal(t, 0, r.SessionCount())
	assert.False(t, r.HasWorkspace(wsID))
	assert.False(t, r.HasRoot())
}

func TestDefaultProviderNilDoesNotLatch(t *testing.T) {
	r := New(Config{RootPath: t.TempDir()})
	t.Cleanup(r.Reset)

	// Unconfigured default model: no provider, and the lazy build
	// stays open for a later attempt.
	require.Nil(t, r.defaultProvider())
	assert.False(t, r.providerSet)

	r.defaultModel = config.LLMProviderConfig{Type: "anthropic", APIKey: "test-key"}
	provider := r.defaultProvider()
	require.NotNil(t, provider)
	assert.Equal(t, "anthropic", provider.Name())

	// A successful build latches and is reused.
	assert.Same(t, provider, r.defaultProvider())
}

func TestDeriveWorkspaceName(t *testing.T) {
	assert.Equal(t, "workspace-unknown-", deriveWorkspaceName("unknown-id"))
	assert.Equal(t, "workspace-abc", deriveWorkspaceName("abc"))
}

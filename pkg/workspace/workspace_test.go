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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/mandrake/pkg/errdefs"
)

func newTestRoot(t *testing.T) *RootManager {
	t.Helper()
	root := NewRootManager(t.TempDir())
	require.NoError(t, root.Init(context.Background()))
	return root
}

func TestRootInitIdempotent(t *testing.T) {
	dir := t.TempDir()
	root := NewRootManager(dir)

	require.NoError(t, root.Init(context.Background()))
	require.NoError(t, root.Init(context.Background()))

	_, err := os.Stat(filepath.Join(dir, "root.json"))
	require.NoError(t, err)
}

func TestCreateWorkspace(t *testing.T) {
	root := newTestRoot(t)

	m, err := root.CreateWorkspace("alpha", "first workspace", "")
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID())
	assert.Equal(t, "alpha", m.Name())

	infos, err := root.ListWorkspaces()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "alpha", infos[0].Name)
	assert.Equal(t, m.ID(), infos[0].ID)

	// Duplicate name
	_, err = root.CreateWorkspace("alpha", "", "")
	require.Error(t, err)
	assert.Equal(t, errdefs.KindConflict, errdefs.KindOf(err))

	// Invalid name
	_, err = root.CreateWorkspace("not a name!", "", "")
	require.Error(t, err)
	assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))
}

func TestGetWorkspace(t *testing.T) {
	root := newTestRoot(t)

	created, err := root.CreateWorkspace("alpha", "", "")
	require.NoError(t, err)

	got, err := root.GetWorkspace(created.ID())
	require.NoError(t, err)
	assert.Equal(t, created.ID(), got.ID())
	assert.Equal(t, created.Path(), got.Path())

	byName, err := root.GetWorkspaceByName("alpha")
	require.NoError(t, err)
	assert.Equal(t, created.ID(), byName.ID())

	_, err = root.GetWorkspace("missing")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestAdoptWorkspace(t *testing.T) {
	rootA := newTestRoot(t)
	rootB := newTestRoot(t)

	external := filepath.Join(t.TempDir(), "external")
	created, err := rootA.CreateWorkspace("origin", "", external)
	require.NoError(t, err)

	adopted, err := rootB.AdoptWorkspace("adopted", external, "")
	require.NoError(t, err)
	assert.Equal(t, created.ID(), adopted.ID())
	assert.Equal(t, external, adopted.Path())

	// Adopting a bare directory fails with NotFound
	_, err = rootB.AdoptWorkspace("bare", t.TempDir(), "")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestDeleteWorkspace(t *testing.T) {
	root := newTestRoot(t)

	m, err := root.CreateWorkspace("doomed", "", "")
	require.NoError(t, err)
	path := m.Path()

	require.NoError(t, root.DeleteWorkspace("doomed"))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	err = root.DeleteWorkspace("doomed")
	assert.True(t, errdefs.IsNotFound(err))

	// Adopted workspaces are unregistered but kept on disk
	external := filepath.Join(t.TempDir(), "kept")
	_, err = root.CreateWorkspace("kept", "", external)
	require.NoError(t, err)
	require.NoError(t, root.DeleteWorkspace("kept"))
	_, err = os.Stat(external)
	require.NoError(t, err)
}

func TestManagerInitIdempotent(t *testing.T) {
	root := newTestRoot(t)
	m, err := root.CreateWorkspace("alpha", "", "")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, m.Init(ctx))
	require.NoError(t, m.Init(ctx))
}

func TestUpdateConfig(t *testing.T) {
	root := newTestRoot(t)
	m, err := root.CreateWorkspace("alpha", "", "")
	require.NoError(t, err)

	desc := "updated"
	cfg, err := m.UpdateConfig(ConfigUpdate{
		Description: &desc,
		Metadata:    map[string]string{"team": "core"},
	})
	require.NoError(t, err)
	assert.Equal(t, "updated", cfg.Description)

	got, err := m.GetConfig()
	require.NoError(t, err)
	assert.Equal(t, "updated", got.Description)
	assert.Equal(t, "core", got.Metadata["team"])
	assert.Equal(t, m.ID(), got.ID)
}

func TestPromptStoreDefaults(t *testing.T) {
	root := newTestRoot(t)
	m, err := root.CreateWorkspace("alpha", "", "")
	require.NoError(t, err)

	cfg, err := m.Prompt().Get()
	require.NoError(t, err)
	assert.True(t, cfg.IncludeTools)
	assert.True(t, cfg.IncludeDateTime)
	assert.Empty(t, cfg.Instructions)

	cfg.Instructions = "be brief"
	cfg.IncludeFiles = true
	require.NoError(t, m.Prompt().Update(cfg))

	got, err := m.Prompt().Get()
	require.NoError(t, err)
	assert.Equal(t, "be brief", got.Instructions)
	assert.True(t, got.IncludeFiles)
}

func TestToolStoreActiveInvariant(t *testing.T) {
	root := newTestRoot(t)
	m, err := root.CreateWorkspace("alpha", "", "")
	require.NoError(t, err)
	require.NoError(t, m.Init(context.Background()))

	tools := m.Tools()

	name, set, err := tools.ActiveSet()
	require.NoError(t, err)
	assert.Equal(t, DefaultToolSetName, name)
	assert.Empty(t, set)

	require.NoError(t, tools.SaveSet("dev", ConfigSet{
		"echo": {Command: "echo-server", Args: []string{"--stdio"}},
	}))
	require.NoError(t, tools.SetActive("dev"))

	name, set, err = tools.ActiveSet()
	require.NoError(t, err)
	assert.Equal(t, "dev", name)
	require.Contains(t, set, "echo")

	// Active set cannot be deleted; switching to a missing set fails
	err = tools.DeleteSet("dev")
	assert.Equal(t, errdefs.KindConflict, errdefs.KindOf(err))
	err = tools.SetActive("missing")
	assert.True(t, errdefs.IsNotFound(err))

	require.NoError(t, tools.SetActive(DefaultToolSetName))
	require.NoError(t, tools.DeleteSet("dev"))
}

func TestServerConfigEqual(t *testing.T) {
	a := ServerConfig{Command: "srv", Args: []string{"-x"}, Env: map[string]string{"A": "1"}}
	b := ServerConfig{Command: "srv", Args: []string{"-x"}, Env: map[string]string{"A": "1"}}
	assert.True(t, a.Equal(b))

	b.Args = []string{"-y"}
	assert.False(t, a.Equal(b))

	b = a
	b.Disabled = true
	assert.False(t, a.Equal(b))
}

func TestDynamicContextStore(t *testing.T) {
	root := newTestRoot(t)
	m, err := root.CreateWorkspace("alpha", "", "")
	require.NoError(t, err)

	dyn := m.Dynamic()

	dc, err := dyn.Create(DynamicContext{
		ServerID: "git",
		Method:   "status",
		Refresh:  RefreshConfig{Enabled: true},
	})
	require.NoError(t, err)
	require.NotEmpty(t, dc.ID)

	_, err = dyn.Create(DynamicContext{Method: "incomplete"})
	assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))

	list, err := dyn.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "git", list[0].ServerID)

	dc.Params = map[string]any{"short": true}
	require.NoError(t, dyn.Update(dc))

	got, err := dyn.Get(dc.ID)
	require.NoError(t, err)
	assert.Equal(t, true, got.Params["short"])

	require.NoError(t, dyn.Delete(dc.ID))
	_, err = dyn.Get(dc.ID)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestFilesStore(t *testing.T) {
	root := newTestRoot(t)
	m, err := root.CreateWorkspace("alpha", "", "")
	require.NoError(t, err)
	require.NoError(t, m.Init(context.Background()))
	defer m.Close()

	files := m.Files()

	require.NoError(t, files.Write("notes.txt", []byte("remember the milk")))

	list, err := files.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "notes.txt", list[0].Name)

	data, err := files.Read("notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "remember the milk", string(data))

	contents, err := files.Contents()
	require.NoError(t, err)
	require.Len(t, contents, 1)
	assert.Equal(t, "remember the milk", contents[0].Content)

	// Binary files are skipped in context rendering
	require.NoError(t, files.Write("blob.bin", []byte{0xff, 0xfe, 0x00, 0x01}))
	contents, err = files.Contents()
	require.NoError(t, err)
	require.Len(t, contents, 1)

	// Traversal is rejected
	err = files.Write("../escape.txt", []byte("nope"))
	assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))

	require.NoError(t, files.Delete("notes.txt"))
	_, err = files.Read("notes.txt")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestSessionsStoreShared(t *testing.T) {
	root := newTestRoot(t)
	m, err := root.CreateWorkspace("alpha", "", "")
	require.NoError(t, err)
	require.NoError(t, m.Init(context.Background()))
	defer m.Close()

	ctx := context.Background()
	first, err := m.Sessions(ctx)
	require.NoError(t, err)
	second, err := m.Sessions(ctx)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

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

package toolpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/mandrake/pkg/errdefs"
	"github.com/kadirpekel/mandrake/pkg/workspace"
)

// fakeConn is an in-process Conn for pool tests.
type fakeConn struct {
	serverID string
	tools    []Tool

	mu     sync.Mutex
	calls  []string
	closed bool

	callFn func(method string, args map[string]any) (map[string]any, error)
}

func (c *fakeConn) ListTools(ctx context.Context) ([]Tool, error) {
	return c.tools, nil
}

func (c *fakeConn) Call(ctx context.Context, method string, args map[string]any) (map[string]any, error) {
	c.mu.Lock()
	c.calls = append(c.calls, method)
	c.mu.Unlock()
	if c.callFn != nil {
		return c.callFn(method, args)
	}
	return map[string]any{"result": "ok"}, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	conns map[string]*fakeConn
	dials int32
	fail  map[string]bool
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(map[string]*fakeConn), fail: make(map[string]bool)}
}

func (d *fakeDialer) dial(ctx context.Context, serverID string, cfg workspace.ServerConfig) (Conn, error) {
	atomic.AddInt32(&d.dials, 1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail[serverID] {
		return nil, fmt.Errorf("connection refused")
	}
	conn := &fakeConn{
		serverID: serverID,
		tools: []Tool{{
			Server:      serverID,
			Name:        "echo",
			Description: "echoes input",
			Schema:      map[string]any{"type": "object"},
		}},
	}
	d.conns[serverID] = conn
	return conn, nil
}

func TestStartServerIdempotent(t *testing.T) {
	d := newFakeDialer()
	pool := New("ws-1", WithDialer(d.dial))
	defer pool.Cleanup()

	cfg := workspace.ServerConfig{Command: "echo-server"}
	ctx := context.Background()

	require.NoError(t, pool.StartServer(ctx, "echo", cfg))
	require.NoError(t, pool.StartServer(ctx, "echo", cfg))
	assert.Equal(t, int32(1), atomic.LoadInt32(&d.dials))

	// Config change restarts the server
	changed := workspace.ServerConfig{Command: "echo-server", Args: []string{"--verbose"}}
	require.NoError(t, pool.StartServer(ctx, "echo", changed))
	assert.Equal(t, int32(2), atomic.LoadInt32(&d.dials))
	assert.True(t, pool.GetServer("echo").GetConfig().Equal(changed))
}

func TestStartServerDisabled(t *testing.T) {
	d := newFakeDialer()
	pool := New("ws-1", WithDialer(d.dial))
	defer pool.Cleanup()

	ctx := context.Background()
	require.NoError(t, pool.StartServer(ctx, "echo", workspace.ServerConfig{Command: "echo-server"}))
	require.NotNil(t, pool.GetServer("echo"))

	// Disabling stops the running instance
	require.NoError(t, pool.StartServer(ctx, "echo", workspace.ServerConfig{Command: "echo-server", Disabled: true}))
	assert.Nil(t, pool.GetServer("echo"))
}

func TestStartAllSkipsDisabledAndSurvivesFailures(t *testing.T) {
	d := newFakeDialer()
	d.fail["broken"] = true
	pool := New("ws-1", WithDialer(d.dial))
	defer pool.Cleanup()

	pool.StartAll(context.Background(), workspace.ConfigSet{
		"echo":   {Command: "echo-server"},
		"off":    {Command: "other", Disabled: true},
		"broken": {Command: "broken-server"},
	})

	assert.Equal(t, []string{"echo"}, pool.ListServers())
}

func TestListAllTools(t *testing.T) {
	d := newFakeDialer()
	pool := New("ws-1", WithDialer(d.dial))
	defer pool.Cleanup()

	ctx := context.Background()
	require.NoError(t, pool.StartServer(ctx, "beta", workspace.ServerConfig{Command: "b"}))
	require.NoError(t, pool.StartServer(ctx, "alpha", workspace.ServerConfig{Command: "a"}))

	tools := pool.ListAllTools()
	require.Len(t, tools, 2)
	assert.Equal(t, "alpha", tools[0].Server)
	assert.Equal(t, "beta", tools[1].Server)
	assert.Equal(t, "echo", tools[0].Name)
}

func TestInvokeTool(t *testing.T) {
	d := newFakeDialer()
	pool := New("ws-1", WithDialer(d.dial))
	defer pool.Cleanup()

	ctx := context.Background()
	require.NoError(t, pool.StartServer(ctx, "echo", workspace.ServerConfig{Command: "echo-server"}))

	result, err := pool.InvokeTool(ctx, "echo", "echo", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, "ok", result["result"])

	_, err = pool.InvokeTool(ctx, "missing", "echo", nil)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindUnavailable, errdefs.KindOf(err))
}

func TestInvokeToolTransportFailure(t *testing.T) {
	d := newFakeDialer()
	pool := New("ws-1", WithDialer(d.dial))
	defer pool.Cleanup()

	ctx := context.Background()
	require.NoError(t, pool.StartServer(ctx, "echo", workspace.ServerConfig{Command: "echo-server"}))
	d.conns["echo"].callFn = func(method string, args map[string]any) (map[string]any, error) {
		return nil, fmt.Errorf("pipe closed")
	}

	_, err := pool.InvokeTool(ctx, "echo", "echo", nil)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindUnavailable, errdefs.KindOf(err))

	state := pool.GetServer("echo").GetState()
	assert.Contains(t, state.Error, "pipe closed")
	assert.NotEmpty(t, state.Logs)
}

func TestCleanupClosesConnections(t *testing.T) {
	d := newFakeDialer()
	pool := New("ws-1", WithDialer(d.dial))

	ctx := context.Background()
	require.NoError(t, pool.StartServer(ctx, "echo", workspace.ServerConfig{Command: "echo-server"}))

	pool.Cleanup()
	assert.Empty(t, pool.ListServers())
	assert.True(t, d.conns["echo"].closed)
}

func TestStopServerMissingIsNoop(t *testing.T) {
	pool := New("ws-1", WithDialer(newFakeDialer().dial))
	assert.NoError(t, pool.StopServer("ghost"))
}

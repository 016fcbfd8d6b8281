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

// Package toolpool runs a workspace's tool servers and routes tool
// invocations to them.
package toolpool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/mandrake/pkg/errdefs"
	"github.com/kadirpekel/mandrake/pkg/workspace"
)

// Pool owns the running tool servers of one workspace. The running set
// is always a subset of the active config set's non-disabled servers.
type Pool struct {
	workspaceID string
	dial        Dialer

	mu      sync.Mutex
	servers map[string]*Server
}

// Option configures a Pool.
type Option func(*Pool)

// WithDialer overrides the transport dialer. Tests inject fakes here.
func WithDialer(dial Dialer) Option {
	return func(p *Pool) {
		p.dial = dial
	}
}

// New creates an empty pool for a workspace.
func New(workspaceID string, opts ...Option) *Pool {
	p := &Pool{
		workspaceID: workspaceID,
		dial:        DefaultDialer,
		servers:     make(map[string]*Server),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkspaceID returns the owning workspace id.
func (p *Pool) WorkspaceID() string { return p.workspaceID }

// StartAll starts every non-disabled server in the set in parallel.
// Individual startup failures are logged, not fatal; the pool stays
// usable with whatever came up.
func (p *Pool) StartAll(ctx context.Context, set workspace.ConfigSet) {
	g, ctx := errgroup.WithContext(ctx)
	for serverID, cfg := range set {
		if cfg.Disabled {
			continue
		}
		g.Go(func() error {
			if err := p.StartServer(ctx, serverID, cfg); err != nil {
				slog.Warn("Tool server failed to start",
					"workspace_id", p.workspaceID,
					"server", serverID,
					"error", err,
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// StartServer starts one server. Idempotent: a running server with a
// matching config is left alone; a config change stops the old server
// first. Disabled configs stop any running instance.
func (p *Pool) StartServer(ctx context.Context, serverID string, cfg workspace.ServerConfig) error {
	p.mu.Lock()
	if existing, ok := p.servers[serverID]; ok {
		if !cfg.Disabled && existing.GetConfig().Equal(cfg) {
			p.mu.Unlock()
			return nil
		}
		delete(p.servers, serverID)
		p.mu.Unlock()
		if err := existing.close(); err != nil {
			slog.Warn("Failed to stop tool server", "server", serverID, "error", err)
		}
		p.mu.Lock()
	}
	p.mu.Unlock()

	if cfg.Disabled {
		return nil
	}

	conn, err := p.dial(ctx, serverID, cfg)
	if err != nil {
		return fmt.Errorf("failed to start server %s: %w", serverID, err)
	}

	srv := newServer(serverID, cfg, conn)
	srv.log("started")
	if err := srv.discoverTools(ctx); err != nil {
		srv.close()
		return fmt.Errorf("failed to list tools for server %s: %w", serverID, err)
	}

	p.mu.Lock()
	if _, ok := p.servers[serverID]; ok {
		// Lost a start race; keep the winner.
		p.mu.Unlock()
		srv.close()
		return nil
	}
	p.servers[serverID] = srv
	p.mu.Unlock()

	slog.Info("Tool server started",
		"workspace_id", p.workspaceID,
		"server", serverID,
		"tools", len(srv.ListTools()),
	)
	return nil
}

// StopServer stops one server. Missing servers are a no-op.
func (p *Pool) StopServer(serverID string) error {
	p.mu.Lock()
	srv, ok := p.servers[serverID]
	delete(p.servers, serverID)
	p.mu.Unlock()

	if !ok {
		return nil
	}
	if err := srv.close(); err != nil {
		return fmt.Errorf("failed to stop server %s: %w", serverID, err)
	}
	slog.Info("Tool server stopped", "workspace_id", p.workspaceID, "server", serverID)
	return nil
}

// Cleanup stops every server and empties the pool. Errors are logged
// and swallowed so shutdown makes progress.
func (p *Pool) Cleanup() {
	p.mu.Lock()
	servers := p.servers
	p.servers = make(map[string]*Server)
	p.mu.Unlock()

	for serverID, srv := range servers {
		if err := srv.close(); err != nil {
			slog.Warn("Failed to stop tool server", "server", serverID, "error", err)
		}
	}
}

// GetServer returns the handle for a running server, or nil.
func (p *Pool) GetServer(serverID string) *Server {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.servers[serverID]
}

// ListServers returns running server ids, sorted.
func (p *Pool) ListServers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.servers))
	for id := range p.servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ListAllTools returns the union of every running server's tools,
// ordered by server then tool name.
func (p *Pool) ListAllTools() []Tool {
	p.mu.Lock()
	servers := make([]*Server, 0, len(p.servers))
	for _, srv := range p.servers {
		servers = append(servers, srv)
	}
	p.mu.Unlock()

	var tools []Tool
	for _, srv := range servers {
		tools = append(tools, srv.ListTools()...)
	}
	sort.Slice(tools, func(i, j int) bool {
		if tools[i].Server != tools[j].Server {
			return tools[i].Server < tools[j].Server
		}
		return tools[i].Name < tools[j].Name
	})
	return tools
}

// InvokeTool calls one method on one server. An unknown server yields
// an Unavailable error; tool-level failures come back in the result
// map under "error".
func (p *Pool) InvokeTool(ctx context.Context, serverID, method string, args map[string]any) (map[string]any, error) {
	srv := p.GetServer(serverID)
	if srv == nil {
		return nil, errdefs.New(errdefs.KindUnavailable,
			fmt.Sprintf("tool server %q is not running", serverID))
	}
	result, err := srv.call(ctx, method, args)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindUnavailable,
			fmt.Sprintf("tool server %q call failed", serverID), err)
	}
	return result, nil
}

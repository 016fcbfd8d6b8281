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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kadirpekel/mandrake/pkg/httpclient"
	"github.com/kadirpekel/mandrake/pkg/workspace"
)

const (
	clientName      = "mandrake"
	clientVersion   = "0.1.0"
	protocolVersion = "2024-11-05"

	// httpResponseTimeout bounds reading one JSON-RPC response over
	// the HTTP transport.
	httpResponseTimeout = 5 * time.Minute

	// maxServerLogs caps the per-server log ring.
	maxServerLogs = 100
)

// Tool describes one callable method exposed by a server.
type Tool struct {
	Server      string         `json:"server"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Schema      map[string]any `json:"schema,omitempty"`
}

// ServerState is the observable state of one server.
type ServerState struct {
	Logs  []string `json:"logs"`
	Error string   `json:"error,omitempty"`
}

// Conn is one live connection to a tool server. Implementations must
// be safe for concurrent Call.
type Conn interface {
	ListTools(ctx context.Context) ([]Tool, error)
	Call(ctx context.Context, method string, args map[string]any) (map[string]any, error)
	Close() error
}

// Dialer establishes a connection for a server config. Tests inject
// fakes here.
type Dialer func(ctx context.Context, serverID string, cfg workspace.ServerConfig) (Conn, error)

// DefaultDialer connects over MCP stdio when a command is configured,
// otherwise over HTTP JSON-RPC.
func DefaultDialer(ctx context.Context, serverID string, cfg workspace.ServerConfig) (Conn, error) {
	if cfg.Command != "" {
		return dialStdio(ctx, serverID, cfg)
	}
	if cfg.URL != "" {
		return newHTTPConn(serverID, cfg), nil
	}
	return nil, fmt.Errorf("server %s has neither command nor url", serverID)
}

// Server is the pool's handle for one running tool server.
type Server struct {
	id   string
	cfg  workspace.ServerConfig
	conn Conn

	mu    sync.Mutex
	tools []Tool
	state ServerState
}

func newServer(id string, cfg workspace.ServerConfig, conn Conn) *Server {
	return &Server{id: id, cfg: cfg, conn: conn}
}

// ID returns the server id.
func (s *Server) ID() string { return s.id }

// GetConfig returns the config the server was started with.
func (s *Server) GetConfig() workspace.ServerConfig { return s.cfg }

// GetState returns the server's logs and last error.
func (s *Server) GetState() ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	logs := make([]string, len(s.state.Logs))
	copy(logs, s.state.Logs)
	return ServerState{Logs: logs, Error: s.state.Error}
}

// ListTools returns the tools discovered at startup.
func (s *Server) ListTools() []Tool {
	s.mu.Lock()
	defer s.mu.Unlock()
	tools := make([]Tool, len(s.tools))
	copy(tools, s.tools)
	return tools
}

func (s *Server) log(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	line := fmt.Sprintf("%s %s", time.Now().UTC().Format(time.RFC3339), fmt.Sprintf(format, args...))
	s.state.Logs = append(s.state.Logs, line)
	if len(s.state.Logs) > maxServerLogs {
		s.state.Logs = s.state.Logs[len(s.state.Logs)-maxServerLogs:]
	}
}

func (s *Server) setError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		s.state.Error = ""
		return
	}
	s.state.Error = err.Error()
}

// call invokes one method and records the outcome in the server log.
func (s *Server) call(ctx context.Context, method string, args map[string]any) (map[string]any, error) {
	result, err := s.conn.Call(ctx, method, args)
	if err != nil {
		s.log("call %s failed: %v", method, err)
		s.setError(err)
		return nil, err
	}
	s.log("call %s ok", method)
	s.setError(nil)
	return result, nil
}

func (s *Server) discoverTools(ctx context.Context) error {
	tools, err := s.conn.ListTools(ctx)
	if err != nil {
		s.setError(err)
		return err
	}
	s.mu.Lock()
	s.tools = tools
	s.mu.Unlock()
	s.log("listed %d tools", len(tools))
	return nil
}

func (s *Server) close() error {
	return s.conn.Close()
}

// stdioConn speaks MCP over a subprocess via mcp-go.
type stdioConn struct {
	serverID string
	client   *client.Client
}

func dialStdio(ctx context.Context, serverID string, cfg workspace.ServerConfig) (Conn, error) {
	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	mcpClient, err := client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    clientName,
		Version: clientVersion,
	}
	initReq.Params.ProtocolVersion = protocolVersion

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return nil, fmt.Errorf("failed to initialize MCP: %w", err)
	}

	slog.Info("Connected to tool server (stdio)", "server", serverID, "command", cfg.Command)
	return &stdioConn{serverID: serverID, client: mcpClient}, nil
}

func (c *stdioConn) ListTools(ctx context.Context) ([]Tool, error) {
	resp, err := c.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	tools := make([]Tool, 0, len(resp.Tools))
	for _, t := range resp.Tools {
		tools = append(tools, Tool{
			Server:      c.serverID,
			Name:        t.Name,
			Description: t.Description,
			Schema:      convertSchema(t.InputSchema),
		})
	}
	return tools, nil
}

func (c *stdioConn) Call(ctx context.Context, method string, args map[string]any) (map[string]any, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = method
	req.Params.Arguments = args

	resp, err := c.client.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("MCP call failed: %w", err)
	}
	return parseToolResult(resp), nil
}

func (c *stdioConn) Close() error {
	return c.client.Close()
}

// parseToolResult flattens an MCP result into a map. Tool-level errors
// come back under the "error" key rather than as a transport failure.
func parseToolResult(resp *mcp.CallToolResult) map[string]any {
	result := make(map[string]any)
	var texts []string
	for _, content := range resp.Content {
		if textContent, ok := content.(mcp.TextContent); ok {
			texts = append(texts, textContent.Text)
		}
	}

	if resp.IsError {
		if len(texts) > 0 {
			result["error"] = texts[0]
		} else {
			result["error"] = "unknown error"
		}
		return result
	}

	if len(texts) == 1 {
		result["result"] = texts[0]
	} else if len(texts) > 1 {
		result["results"] = texts
	}
	return result
}

// convertSchema converts the MCP schema struct to a plain map.
func convertSchema(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// httpConn speaks MCP JSON-RPC over HTTP, including SSE-framed
// responses from streamable servers.
type httpConn struct {
	serverID string
	url      string
	client   *httpclient.Client

	sessionMu sync.RWMutex
	sessionID string

	initOnce sync.Once
	initErr  error
}

func newHTTPConn(serverID string, cfg workspace.ServerConfig) *httpConn {
	return &httpConn{
		serverID: serverID,
		url:      cfg.URL,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
			httpclient.WithMaxRetries(3),
			httpclient.WithBaseDelay(2*time.Second),
		),
	}
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *httpConn) ensureInit(ctx context.Context) error {
	c.initOnce.Do(func() {
		resp, err := c.rpc(ctx, "initialize", map[string]any{
			"protocolVersion": protocolVersion,
			"clientInfo": map[string]any{
				"name":    clientName,
				"version": clientVersion,
			},
			"capabilities": map[string]any{},
		})
		if err != nil {
			c.initErr = err
			return
		}
		if resp.Error != nil {
			c.initErr = fmt.Errorf("MCP init error: %s", resp.Error.Message)
		}
	})
	return c.initErr
}

func (c *httpConn) ListTools(ctx context.Context) ([]Tool, error) {
	if err := c.ensureInit(ctx); err != nil {
		return nil, err
	}

	resp, err := c.rpc(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("MCP list error: %s", resp.Error.Message)
	}

	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from tools/list")
	}
	toolsList, ok := resultMap["tools"].([]any)
	if !ok {
		return nil, fmt.Errorf("missing tools in tools/list response")
	}

	var tools []Tool
	for _, raw := range toolsList {
		toolMap, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := toolMap["name"].(string)
		desc, _ := toolMap["description"].(string)
		schema, _ := toolMap["inputSchema"].(map[string]any)
		tools = append(tools, Tool{
			Server:      c.serverID,
			Name:        name,
			Description: desc,
			Schema:      schema,
		})
	}
	return tools, nil
}

func (c *httpConn) Call(ctx context.Context, method string, args map[string]any) (map[string]any, error) {
	if err := c.ensureInit(ctx); err != nil {
		return nil, err
	}

	resp, err := c.rpc(ctx, "tools/call", map[string]any{
		"name":      method,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return map[string]any{"error": resp.Error.Message}, nil
	}

	result := make(map[string]any)
	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		result["result"] = resp.Result
		return result, nil
	}

	var texts []string
	if content, ok := resultMap["content"].([]any); ok {
		for _, cRaw := range content {
			if cm, ok := cRaw.(map[string]any); ok && cm["type"] == "text" {
				if text, ok := cm["text"].(string); ok {
					texts = append(texts, text)
				}
			}
		}
	}

	if isError, _ := resultMap["isError"].(bool); isError {
		if len(texts) > 0 {
			result["error"] = texts[0]
		} else {
			result["error"] = "unknown error"
		}
		return result, nil
	}

	if len(texts) == 1 {
		result["result"] = texts[0]
	} else if len(texts) > 1 {
		result["results"] = texts
	}
	return result, nil
}

func (c *httpConn) Close() error {
	return nil
}

// rpc sends one JSON-RPC request and reads its response, handling both
// plain JSON and SSE-framed bodies.
func (c *httpConn) rpc(ctx context.Context, method string, params any) (*jsonRPCResponse, error) {
	body, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")

	c.sessionMu.RLock()
	sessionID := c.sessionID
	c.sessionMu.RUnlock()
	if sessionID != "" {
		httpReq.Header.Set("mcp-session-id", sessionID)
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if newSessionID := httpResp.Header.Get("mcp-session-id"); newSessionID != "" {
		c.sessionMu.Lock()
		c.sessionID = newSessionID
		c.sessionMu.Unlock()
	}

	if httpResp.StatusCode != http.StatusOK {
		responseBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("HTTP error %d: %s", httpResp.StatusCode, string(responseBody))
	}

	if strings.Contains(httpResp.Header.Get("Content-Type"), "text/event-stream") {
		return c.readSSEResponse(httpResp)
	}

	responseBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var resp jsonRPCResponse
	if err := json.Unmarshal(responseBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &resp, nil
}

// readSSEResponse reads the first complete JSON-RPC response from an
// SSE stream.
func (c *httpConn) readSSEResponse(httpResp *http.Response) (*jsonRPCResponse, error) {
	type result struct {
		response *jsonRPCResponse
		err      error
	}
	resultChan := make(chan result, 1)

	go func() {
		reader := bufio.NewReader(httpResp.Body)
		var currentData strings.Builder

		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				break
			}
			lineStr := strings.TrimSpace(string(line))

			if lineStr == "" {
				if currentData.Len() > 0 {
					var resp jsonRPCResponse
					if parseErr := json.Unmarshal([]byte(currentData.String()), &resp); parseErr == nil {
						resultChan <- result{response: &resp}
						return
					}
					currentData.Reset()
				}
				continue
			}

			if strings.HasPrefix(lineStr, "data:") {
				currentData.WriteString(strings.TrimSpace(strings.TrimPrefix(lineStr, "data:")))
			}
		}

		if currentData.Len() > 0 {
			var resp jsonRPCResponse
			if parseErr := json.Unmarshal([]byte(currentData.String()), &resp); parseErr == nil {
				resultChan <- result{response: &resp}
				return
			}
		}
		resultChan <- result{err: fmt.Errorf("SSE stream ended without complete message")}
	}()

	select {
	case res := <-resultChan:
		return res.response, res.err
	case <-time.After(httpResponseTimeout):
		return nil, fmt.Errorf("timeout reading SSE response after %v", httpResponseTimeout)
	}
}

var (
	_ Conn = (*stdioConn)(nil)
	_ Conn = (*httpConn)(nil)
)

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

package server

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/mandrake/pkg/errdefs"
	"github.com/kadirpekel/mandrake/pkg/session"
	"github.com/kadirpekel/mandrake/pkg/streaming"
	"github.com/kadirpekel/mandrake/pkg/workspace"
)

// workspacePath is the optional on-disk location used to adopt or
// create a workspace that the root does not know yet.
func workspacePath(r *http.Request) string {
	return r.URL.Query().Get("path")
}

func (s *Server) workspaceManager(r *http.Request) (*workspace.Manager, error) {
	return s.registry.GetWorkspace(r.Context(), chi.URLParam(r, "workspace"), workspacePath(r))
}

// ---------------------------------------------------------------------------
// Workspaces

func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	root, err := s.registry.GetRoot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	infos, err := root.ListWorkspaces()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workspaces": infos})
}

func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Path        string `json:"path"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	root, err := s.registry.GetRoot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	m, err := root.CreateWorkspace(req.Name, req.Description, req.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":   m.ID(),
		"name": m.Name(),
		"path": m.Path(),
	})
}

func (s *Server) handleGetWorkspace(w http.ResponseWriter, r *http.Request) {
	m, err := s.workspaceManager(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id":   m.ID(),
		"name": m.Name(),
		"path": m.Path(),
	})
}

func (s *Server) handleDeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspace")
	root, err := s.registry.GetRoot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	m, err := root.GetWorkspace(workspaceID)
	if err != nil {
		writeError(w, err)
		return
	}
	name := m.Name()
	s.registry.ReleaseWorkspace(workspaceID)
	if err := root.DeleteWorkspace(name); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Prompt

func (s *Server) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	m, err := s.workspaceManager(r)
	if err != nil {
		writeError(w, err)
		return
	}
	cfg, err := m.Prompt().Get()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleUpdatePrompt(w http.ResponseWriter, r *http.Request) {
	var cfg workspace.PromptConfig
	if err := decodeBody(r, &cfg); err != nil {
		writeError(w, err)
		return
	}
	m, err := s.workspaceManager(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := m.Prompt().Update(cfg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// ---------------------------------------------------------------------------
// Models

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	m, err := s.workspaceManager(r)
	if err != nil {
		writeError(w, err)
		return
	}
	names, err := m.Models().List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": names})
}

func (s *Server) handleActiveModel(w http.ResponseWriter, r *http.Request) {
	m, err := s.workspaceManager(r)
	if err != nil {
		writeError(w, err)
		return
	}
	cfg, found, err := m.Models().Active()
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeError(w, errdefs.New(errdefs.KindNotFound, "no active model"))
		return
	}
	// API keys never leave the process.
	cfg.APIKey = ""
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleSetActiveModel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, errdefs.New(errdefs.KindBadRequest, "model name is required"))
		return
	}
	m, err := s.workspaceManager(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := m.Models().SetActive(req.Name); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Tools

func (s *Server) handleActiveToolSet(w http.ResponseWriter, r *http.Request) {
	m, err := s.workspaceManager(r)
	if err != nil {
		writeError(w, err)
		return
	}
	name, set, err := m.Tools().ActiveSet()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "servers": set})
}

func (s *Server) handleListToolServers(w http.ResponseWriter, r *http.Request) {
	pool, err := s.registry.GetToolPool(r.Context(), chi.URLParam(r, "workspace"), workspacePath(r))
	if err != nil {
		writeError(w, err)
		return
	}
	type serverStatus struct {
		ID    string   `json:"id"`
		Error string   `json:"error,omitempty"`
		Logs  []string `json:"logs,omitempty"`
		Tools int      `json:"tools"`
	}
	var out []serverStatus
	for _, id := range pool.ListServers() {
		srv := pool.GetServer(id)
		if srv == nil {
			continue
		}
		state := srv.GetState()
		out = append(out, serverStatus{
			ID:    id,
			Error: state.Error,
			Logs:  state.Logs,
			Tools: len(srv.ListTools()),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": out})
}

func (s *Server) handleStartToolServer(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "server")
	m, err := s.workspaceManager(r)
	if err != nil {
		writeError(w, err)
		return
	}
	_, set, err := m.Tools().ActiveSet()
	if err != nil {
		writeError(w, err)
		return
	}
	cfg, ok := set[serverID]
	if !ok {
		writeError(w, errdefs.Newf(errdefs.KindNotFound, "tool server %s is not in the active set", serverID))
		return
	}
	pool, err := s.registry.GetToolPool(r.Context(), chi.URLParam(r, "workspace"), workspacePath(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := pool.StartServer(r.Context(), serverID, cfg); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStopToolServer(w http.ResponseWriter, r *http.Request) {
	pool, err := s.registry.GetToolPool(r.Context(), chi.URLParam(r, "workspace"), workspacePath(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := pool.StopServer(chi.URLParam(r, "server")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Dynamic context

func (s *Server) handleListDynamic(w http.ResponseWriter, r *http.Request) {
	m, err := s.workspaceManager(r)
	if err != nil {
		writeError(w, err)
		return
	}
	contexts, err := m.Dynamic().List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contexts": contexts})
}

func (s *Server) handleCreateDynamic(w http.ResponseWriter, r *http.Request) {
	var dc workspace.DynamicContext
	if err := decodeBody(r, &dc); err != nil {
		writeError(w, err)
		return
	}
	m, err := s.workspaceManager(r)
	if err != nil {
		writeError(w, err)
		return
	}
	created, err := m.Dynamic().Create(dc)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateDynamic(w http.ResponseWriter, r *http.Request) {
	var dc workspace.DynamicContext
	if err := decodeBody(r, &dc); err != nil {
		writeError(w, err)
		return
	}
	dc.ID = chi.URLParam(r, "id")
	m, err := s.workspaceManager(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := m.Dynamic().Update(dc); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dc)
}

func (s *Server) handleDeleteDynamic(w http.ResponseWriter, r *http.Request) {
	m, err := s.workspaceManager(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := m.Dynamic().Delete(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Files

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	m, err := s.workspaceManager(r)
	if err != nil {
		writeError(w, err)
		return
	}
	files, err := m.Files().List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	m, err := s.workspaceManager(r)
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := m.Files().Read(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, errdefs.Wrap(errdefs.KindBadRequest, "failed to read request body", err))
		return
	}
	m, err := s.workspaceManager(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := m.Files().Write(chi.URLParam(r, "name"), data); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	m, err := s.workspaceManager(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := m.Files().Delete(chi.URLParam(r, "name")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Sessions

func (s *Server) sessionStore(r *http.Request) (session.Store, error) {
	m, err := s.workspaceManager(r)
	if err != nil {
		return nil, err
	}
	return m.Sessions(r.Context())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	store, err := s.sessionStore(r)
	if err != nil {
		writeError(w, err)
		return
	}
	sessions, err := store.ListSessions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID          string            `json:"id"`
		Title       string            `json:"title"`
		Description string            `json:"description"`
		Metadata    map[string]string `json:"metadata"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	m, err := s.workspaceManager(r)
	if err != nil {
		writeError(w, err)
		return
	}
	store, err := m.Sessions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	sess := &session.Session{
		ID:          req.ID,
		WorkspaceID: m.ID(),
		Title:       req.Title,
		Description: req.Description,
		Metadata:    req.Metadata,
	}
	if err := store.CreateSession(r.Context(), sess); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	store, err := s.sessionStore(r)
	if err != nil {
		writeError(w, err)
		return
	}
	sessionID := chi.URLParam(r, "session")
	sess, err := store.GetSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	rounds, err := store.ListRounds(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess, "rounds": rounds})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	store, err := s.sessionStore(r)
	if err != nil {
		writeError(w, err)
		return
	}
	sessionID := chi.URLParam(r, "session")
	s.registry.ReleaseSession(chi.URLParam(r, "workspace"), sessionID)
	if err := store.DeleteSession(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Messages

type messageRequest struct {
	Content string `json:"content"`
}

func (r messageRequest) validate() error {
	if r.Content == "" {
		return errdefs.New(errdefs.KindBadRequest, "content is required")
	}
	return nil
}

// handleSendMessage runs one request to completion and responds with
// the finished round and its turns.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}
	coord, err := s.registry.GetSessionCoordinator(r.Context(),
		chi.URLParam(r, "workspace"), workspacePath(r), chi.URLParam(r, "session"))
	if err != nil {
		writeError(w, err)
		return
	}
	round, err := coord.HandleRequest(r.Context(), req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	turns, err := coord.Store().ListTurns(r.Context(), round.ResponseID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"round": round, "turns": turns})
}

// handleStreamMessage runs one request while relaying turn updates as
// an SSE stream. Dropping the connection stops the stream, never the
// request.
func (s *Server) handleStreamMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}
	coord, err := s.registry.GetSessionCoordinator(r.Context(),
		chi.URLParam(r, "workspace"), workspacePath(r), chi.URLParam(r, "session"))
	if err != nil {
		writeError(w, err)
		return
	}
	events, cancel := streaming.Run(r.Context(), coord, req.Content)
	if err := streaming.ServeSSE(r.Context(), w, events, cancel); err != nil {
		writeError(w, err)
	}
}

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

// Package server exposes the workspace and session API over HTTP.
// Handlers stay thin: they decode the request, call into the registry,
// and map tagged errors to status codes.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kadirpekel/mandrake/pkg/config"
	"github.com/kadirpekel/mandrake/pkg/errdefs"
	"github.com/kadirpekel/mandrake/pkg/registry"
)

// Server is the HTTP front for one registry.
type Server struct {
	cfg        config.ServerConfig
	registry   *registry.Registry
	httpServer *http.Server
}

// New creates a server over the given registry.
func New(cfg config.ServerConfig, reg *registry.Registry) *Server {
	return &Server{
		cfg:      cfg,
		registry: reg,
	}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(metricsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/workspaces", func(r chi.Router) {
		r.Get("/", s.handleListWorkspaces)
		r.Post("/", s.handleCreateWorkspace)

		r.Route("/{workspace}", func(r chi.Router) {
			r.Get("/", s.handleGetWorkspace)
			r.Delete("/", s.handleDeleteWorkspace)

			r.Get("/prompt", s.handleGetPrompt)
			r.Put("/prompt", s.handleUpdatePrompt)

			r.Get("/models", s.handleListModels)
			r.Get("/models/active", s.handleActiveModel)
			r.Put("/models/active", s.handleSetActiveModel)

			r.Get("/tools", s.handleActiveToolSet)
			r.Get("/toolservers", s.handleListToolServers)
			r.Post("/toolservers/{server}/start", s.handleStartToolServer)
			r.Post("/toolservers/{server}/stop", s.handleStopToolServer)

			r.Get("/dynamic", s.handleListDynamic)
			r.Post("/dynamic", s.handleCreateDynamic)
			r.Put("/dynamic/{id}", s.handleUpdateDynamic)
			r.Delete("/dynamic/{id}", s.handleDeleteDynamic)

			r.Get("/files", s.handleListFiles)
			r.Get("/files/{name}", s.handleReadFile)
			r.Put("/files/{name}", s.handleWriteFile)
			r.Delete("/files/{name}", s.handleDeleteFile)

			r.Route("/sessions", func(r chi.Router) {
				r.Get("/", s.handleListSessions)
				r.Post("/", s.handleCreateSession)

				r.Route("/{session}", func(r chi.Router) {
					r.Get("/", s.handleGetSession)
					r.Delete("/", s.handleDeleteSession)
					r.Post("/messages", s.handleSendMessage)
					r.Post("/stream", s.handleStreamMessage)
				})
			})
		})
	})

	return r
}

// Start listens and serves until the context is cancelled, then shuts
// down gracefully within the configured timeout.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := errdefs.KindOf(err)
	writeJSON(w, errdefs.HTTPStatus(kind), map[string]string{
		"kind":  string(kind),
		"error": err.Error(),
	})
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errdefs.Wrap(errdefs.KindBadRequest, "invalid request body", err)
	}
	return nil
}

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

// Package bootstrap owns process-wide initialization: one registry,
// one observability manager, and the idle sweeper. Ensure is
// idempotent so every entrypoint can call it without coordination.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kadirpekel/mandrake/pkg/config"
	"github.com/kadirpekel/mandrake/pkg/observability"
	"github.com/kadirpekel/mandrake/pkg/registry"
)

// DefaultCleanupInterval is the sweeper period when the config leaves
// it unset.
const DefaultCleanupInterval = 15 * time.Minute

// Service holds the singletons for one process.
type Service struct {
	cfg      config.Config
	registry *registry.Registry
	obs      *observability.Manager

	sweepStop chan struct{}
	sweepDone chan struct{}

	shutdownOnce sync.Once
}

var (
	globalMu sync.Mutex
	global   *Service
)

// Ensure returns the process service, initializing it on first call.
// Later calls return the same instance and ignore the config.
func Ensure(ctx context.Context, cfg config.Config, opts ...registry.Option) (*Service, error) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if global != nil {
		return global, nil
	}

	s, err := newService(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	global = s
	return s, nil
}

func newService(ctx context.Context, cfg config.Config, opts ...registry.Option) (*Service, error) {
	obs := observability.NewManager(cfg.Observability)
	if err := obs.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("observability init: %w", err)
	}

	reg := registry.New(registry.Config{
		RootPath:              cfg.Root.Path,
		MaxConcurrentSessions: cfg.Registry.MaxConcurrentSessions,
		IdleThreshold:         cfg.Registry.IdleThreshold,
		Storage:               cfg.Storage,
		DefaultModel:          cfg.LLM,
	}, opts...)

	s := &Service{
		cfg:       cfg,
		registry:  reg,
		obs:       obs,
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}

	interval := cfg.Registry.CleanupInterval
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	go s.sweep(interval)

	return s, nil
}

// Registry returns the process registry.
func (s *Service) Registry() *registry.Registry { return s.registry }

// Observability returns the process observability manager.
func (s *Service) Observability() *observability.Manager { return s.obs }

// Config returns the config the service was initialized with.
func (s *Service) Config() config.Config { return s.cfg }

func (s *Service) sweep(interval time.Duration) {
	defer close(s.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			slog.Debug("registry sweep")
			s.registry.PerformCleanup()
		case <-s.sweepStop:
			return
		}
	}
}

// Shutdown stops the sweeper, releases every cached resource, and
// flushes observability. Safe to call more than once.
func (s *Service) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		close(s.sweepStop)
		<-s.sweepDone
		s.registry.Reset()
		err = s.obs.Shutdown(ctx)
	})
	return err
}

// Reset tears down the singleton so the next Ensure starts fresh.
// Test hook.
func Reset() {
	globalMu.Lock()
	s := global
	global = nil
	globalMu.Unlock()

	if s != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Shutdown(ctx); err != nil {
			slog.Warn("shutdown during reset failed", "error", err)
		}
	}
}

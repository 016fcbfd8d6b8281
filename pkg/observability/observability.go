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

// Package observability wires OpenTelemetry tracing and Prometheus
// metrics. Everything degrades to no-ops when disabled.
package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/mandrake/pkg/config"
)

// Manager owns the tracer provider and metrics for one process.
type Manager struct {
	mu             sync.RWMutex
	tracerProvider trace.TracerProvider
	metrics        Metrics
	cfg            config.ObservabilityConfig
}

// NewManager creates an uninitialized manager.
func NewManager(cfg config.ObservabilityConfig) *Manager {
	return &Manager{cfg: cfg}
}

// Initialize sets up tracing and metrics per config and installs the
// global metrics recorder.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tp, err := InitGlobalTracer(ctx, m.cfg.Tracing)
	if err != nil {
		return err
	}
	m.tracerProvider = tp

	metrics, err := InitMetrics(ctx, m.cfg.Metrics)
	if err != nil {
		return err
	}
	m.metrics = metrics
	SetGlobalMetrics(metrics)

	return nil
}

// GetTracer returns a named tracer from the manager's provider.
func (m *Manager) GetTracer(name string) trace.Tracer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tracerProvider.Tracer(name)
}

// GetMetrics returns the metrics recorder.
func (m *Manager) GetMetrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// Shutdown flushes and stops the tracer provider.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if spt, ok := m.tracerProvider.(interface{ Shutdown(context.Context) error }); ok {
		return spt.Shutdown(ctx)
	}
	return nil
}

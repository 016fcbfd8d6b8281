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

package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	globalMetrics Metrics
	metricsMu     sync.RWMutex
)

// Metrics records the events the coordinator and HTTP layer emit.
type Metrics interface {
	RecordSessionRequest(ctx context.Context, workspace string, duration time.Duration, err error)
	RecordToolInvocation(ctx context.Context, server, method string, duration time.Duration, err error)
	RecordModelStream(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error)
	RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, duration time.Duration, size int)
}

// PrometheusMetrics implements Metrics over otel instruments. The zero
// value is a no-op recorder.
type PrometheusMetrics struct {
	requestDuration metric.Float64Histogram
	requestsTotal   metric.Int64Counter
	requestErrors   metric.Int64Counter

	toolDuration    metric.Float64Histogram
	toolCallsTotal  metric.Int64Counter
	toolErrorsTotal metric.Int64Counter

	modelDuration     metric.Float64Histogram
	modelInputTokens  metric.Int64Counter
	modelOutputTokens metric.Int64Counter
	modelErrorsTotal  metric.Int64Counter

	httpDuration      metric.Float64Histogram
	httpRequestsTotal metric.Int64Counter
}

func (m *PrometheusMetrics) RecordSessionRequest(ctx context.Context, workspace string, duration time.Duration, err error) {
	if m == nil || m.requestDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("workspace", workspace))
	m.requestDuration.Record(ctx, duration.Seconds(), attrs)
	m.requestsTotal.Add(ctx, 1, attrs)
	if err != nil {
		m.requestErrors.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordToolInvocation(ctx context.Context, server, method string, duration time.Duration, err error) {
	if m == nil || m.toolDuration == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("server", server),
		attribute.String("method", method),
	)
	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
	m.toolCallsTotal.Add(ctx, 1, attrs)
	if err != nil {
		m.toolErrorsTotal.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordModelStream(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil || m.modelDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model", model))
	m.modelDuration.Record(ctx, duration.Seconds(), attrs)
	m.modelInputTokens.Add(ctx, int64(inputTokens), attrs)
	m.modelOutputTokens.Add(ctx, int64(outputTokens), attrs)
	if err != nil {
		m.modelErrorsTotal.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, duration time.Duration, size int) {
	if m == nil || m.httpDuration == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status", statusCode),
	)
	m.httpDuration.Record(ctx, duration.Seconds(), attrs)
	m.httpRequestsTotal.Add(ctx, 1, attrs)
}

// SetGlobalMetrics installs the process-wide recorder.
func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

// GetGlobalMetrics returns the process-wide recorder, or nil before
// initialization.
func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}

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
	"fmt"

	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/kadirpekel/mandrake/pkg/config"
)

// InitMetrics builds the Prometheus-backed metrics recorder. Disabled
// metrics yield an empty recorder whose methods are no-ops.
func InitMetrics(ctx context.Context, cfg config.MetricsConfig) (*PrometheusMetrics, error) {
	if !cfg.Enabled {
		return &PrometheusMetrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)
	meter := meterProvider.Meter("mandrake")

	requestDuration, err := meter.Float64Histogram(
		"mandrake_session_request_duration_seconds",
		metric.WithDescription("Session request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request duration histogram: %w", err)
	}

	requestsTotal, err := meter.Int64Counter(
		"mandrake_session_requests_total",
		metric.WithDescription("Total session requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requests counter: %w", err)
	}

	requestErrors, err := meter.Int64Counter(
		"mandrake_session_request_errors_total",
		metric.WithDescription("Total failed session requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request errors counter: %w", err)
	}

	toolDuration, err := meter.Float64Histogram(
		"mandrake_tool_invocation_duration_seconds",
		metric.WithDescription("Tool invocation duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool duration histogram: %w", err)
	}

	toolCalls, err := meter.Int64Counter(
		"mandrake_tool_invocations_total",
		metric.WithDescription("Total tool invocations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool calls counter: %w", err)
	}

	toolErrors, err := meter.Int64Counter(
		"mandrake_tool_invocation_errors_total",
		metric.WithDescription("Total failed tool invocations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool errors counter: %w", err)
	}

	modelDuration, err := meter.Float64Histogram(
		"mandrake_model_stream_duration_seconds",
		metric.WithDescription("Model stream duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create model duration histogram: %w", err)
	}

	modelInputTokens, err := meter.Int64Counter(
		"mandrake_model_tokens_input_total",
		metric.WithDescription("Total input tokens sent to the model"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tokens counter: %w", err)
	}

	modelOutputTokens, err := meter.Int64Counter(
		"mandrake_model_tokens_output_total",
		metric.WithDescription("Total output tokens streamed from the model"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create output tokens counter: %w", err)
	}

	modelErrors, err := meter.Int64Counter(
		"mandrake_model_stream_errors_total",
		metric.WithDescription("Total failed model streams"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create model errors counter: %w", err)
	}

	httpDuration, err := meter.Float64Histogram(
		"mandrake_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http duration histogram: %w", err)
	}

	httpRequests, err := meter.Int64Counter(
		"mandrake_http_requests_total",
		metric.WithDescription("Total HTTP requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http requests counter: %w", err)
	}

	return &PrometheusMetrics{
		requestDuration:   requestDuration,
		requestsTotal:     requestsTotal,
		requestErrors:     requestErrors,
		toolDuration:      toolDuration,
		toolCallsTotal:    toolCalls,
		toolErrorsTotal:   toolErrors,
		modelDuration:     modelDuration,
		modelInputTokens:  modelInputTokens,
		modelOutputTokens: modelOutputTokens,
		modelErrorsTotal:  modelErrors,
		httpDuration:      httpDuration,
		httpRequestsTotal: httpRequests,
	}, nil
}

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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/mandrake/pkg/config"
)

func TestInitGlobalTracerDisabled(t *testing.T) {
	tp, err := InitGlobalTracer(context.Background(), config.TracingConfig{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, tp)

	// The noop provider still hands out usable tracers.
	_, span := tp.Tracer("test").Start(context.Background(), "op")
	span.End()
}

func TestInitGlobalTracerStdout(t *testing.T) {
	tp, err := InitGlobalTracer(context.Background(), config.TracingConfig{
		Enabled:     true,
		Exporter:    "stdout",
		ServiceName: "mandrake-test",
	})
	require.NoError(t, err)
	require.NotNil(t, tp)

	spt, ok := tp.(interface{ Shutdown(context.Context) error })
	require.True(t, ok)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, spt.Shutdown(ctx))
}

func TestInitMetricsDisabledIsNoop(t *testing.T) {
	m, err := InitMetrics(context.Background(), config.MetricsConfig{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, m)

	// Every recorder must be safe on the empty value.
	ctx := context.Background()
	m.RecordSessionRequest(ctx, "ws", time.Second, nil)
	m.RecordToolInvocation(ctx, "srv", "method", time.Second, errors.New("boom"))
	m.RecordModelStream(ctx, "model", time.Second, 10, 5, nil)
	m.RecordHTTPRequest(ctx, "GET", "/health", 200, time.Millisecond, 2)
}

func TestNilRecorderIsSafe(t *testing.T) {
	var m *PrometheusMetrics
	m.RecordSessionRequest(context.Background(), "ws", time.Second, nil)
	m.RecordHTTPRequest(context.Background(), "GET", "/", 200, time.Second, 0)
}

func TestGlobalMetricsRoundTrip(t *testing.T) {
	prev := GetGlobalMetrics()
	t.Cleanup(func() { SetGlobalMetrics(prev) })

	m := &PrometheusMetrics{}
	SetGlobalMetrics(m)
	assert.Equal(t, Metrics(m), GetGlobalMetrics())
}

func TestManagerLifecycle(t *testing.T) {
	m := NewManager(config.ObservabilityConfig{})
	require.NoError(t, m.Initialize(context.Background()))
	require.NotNil(t, m.GetMetrics())

	tracer := m.GetTracer("test")
	_, span := tracer.Start(context.Background(), "op")
	span.End()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
}

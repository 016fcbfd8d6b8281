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

package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/mandrake/pkg/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Root: config.RootConfig{Path: t.TempDir()},
	}
}

func TestEnsureIsIdempotent(t *testing.T) {
	t.Cleanup(Reset)

	first, err := Ensure(context.Background(), testConfig(t))
	require.NoError(t, err)
	second, err := Ensure(context.Background(), testConfig(t))
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Same(t, first.Registry(), second.Registry())
}

func TestResetStartsFresh(t *testing.T) {
	t.Cleanup(Reset)

	first, err := Ensure(context.Background(), testConfig(t))
	require.NoError(t, err)
	Reset()

	second, err := Ensure(context.Background(), testConfig(t))
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}

func TestShutdownIsIdempotent(t *testing.T) {
	t.Cleanup(Reset)

	s, err := Ensure(context.Background(), testConfig(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	require.NoError(t, s.Shutdown(ctx))
}

func TestShutdownReleasesRegistry(t *testing.T) {
	t.Cleanup(Reset)

	s, err := Ensure(context.Background(), testConfig(t))
	require.NoError(t, err)

	_, err = s.Registry().GetRoot(context.Background())
	require.NoError(t, err)
	require.True(t, s.Registry().HasRoot())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.False(t, s.Registry().HasRoot())
}

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

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/mandrake/pkg/config/provider"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfigFile(t, `
root:
  path: /tmp/mandrake-test
registry:
  max_concurrent_sessions: 5
  idle_threshold: 10m
server:
  port: 9090
llm:
  type: openai
  model: gpt-4o
`)

	cfg, loader, err := LoadConfigFile(context.Background(), path)
	require.NoError(t, err)
	defer loader.Close()

	assert.Equal(t, "/tmp/mandrake-test", cfg.Root.Path)
	assert.Equal(t, 5, cfg.Registry.MaxConcurrentSessions)
	assert.Equal(t, 10*time.Minute, cfg.Registry.IdleThreshold)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "openai", cfg.LLM.Type)
	assert.Equal(t, "gpt-4o", cfg.LLM.Model)

	// Defaults fill the rest
	assert.Equal(t, 15*time.Minute, cfg.Registry.CleanupInterval)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
}

func TestLoadConfigJSON(t *testing.T) {
	path := writeConfigFile(t, `{"server": {"port": 3000}}`)

	cfg, loader, err := LoadConfigFile(context.Background(), path)
	require.NoError(t, err)
	defer loader.Close()

	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestLoadConfigValidationFailure(t *testing.T) {
	path := writeConfigFile(t, `
llm:
  type: nonsense
`)

	_, _, err := LoadConfigFile(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm.type")
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 10, cfg.Registry.MaxConcurrentSessions)
	assert.Equal(t, 30*time.Minute, cfg.Registry.IdleThreshold)
	assert.Equal(t, 15*time.Minute, cfg.Registry.CleanupInterval)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "anthropic", cfg.LLM.Type)
	require.NoError(t, cfg.Validate())
}

func TestDefaultRootPath(t *testing.T) {
	t.Setenv(RootPathEnvVar, "/custom/root")
	assert.Equal(t, "/custom/root", DefaultRootPath())

	t.Setenv(RootPathEnvVar, "")
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, DefaultRootDirName), DefaultRootPath())
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-12345")

	path := writeConfigFile(t, `
llm:
  api_key: ${TEST_API_KEY}
  model: ${TEST_MISSING_MODEL:-claude-sonnet-4}
`)

	cfg, loader, err := LoadConfigFile(context.Background(), path)
	require.NoError(t, err)
	defer loader.Close()

	assert.Equal(t, "sk-12345", cfg.LLM.APIKey)
	assert.Equal(t, "claude-sonnet-4", cfg.LLM.Model)
}

func TestWatchReload(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: 8080
`)

	reloaded := make(chan *Config, 1)
	p, err := provider.NewFileProvider(path)
	require.NoError(t, err)

	loader := NewLoader(p, WithOnChange(func(c *Config) {
		select {
		case reloaded <- c:
		default:
		}
	}))
	defer loader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = loader.Watch(ctx)
	}()

	// Give the watcher time to arm before writing
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9999\n"), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 9999, cfg.Server.Port)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}

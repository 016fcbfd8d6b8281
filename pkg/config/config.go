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

// Package config defines the process configuration and its loading
// pipeline: provider read, YAML/JSON parse, env expansion, mapstructure
// decode, defaults, validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// RootPathEnvVar overrides the on-disk root directory.
	RootPathEnvVar = "ROOT_PATH"

	// DefaultRootDirName is the directory created under $HOME when no
	// override is present.
	DefaultRootDirName = ".mandrake"
)

// Config is the top-level process configuration.
type Config struct {
	Root          RootConfig          `yaml:"root" json:"root"`
	Registry      RegistryConfig      `yaml:"registry" json:"registry"`
	Server        ServerConfig        `yaml:"server" json:"server"`
	Storage       StorageConfig       `yaml:"storage" json:"storage"`
	LLM           LLMProviderConfig   `yaml:"llm" json:"llm"`
	Logger        LoggerConfig        `yaml:"logger" json:"logger"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// RootConfig locates the on-disk root directory.
type RootConfig struct {
	// Path is the root directory holding workspaces. Empty means the
	// ROOT_PATH env var, falling back to $HOME/.mandrake.
	Path string `yaml:"path" json:"path"`
}

// RegistryConfig tunes the service registry.
type RegistryConfig struct {
	// MaxConcurrentSessions caps cached session coordinators.
	MaxConcurrentSessions int `yaml:"max_concurrent_sessions" json:"max_concurrent_sessions"`

	// IdleThreshold is how long an entry may sit unused before the
	// sweeper releases it.
	IdleThreshold time.Duration `yaml:"idle_threshold" json:"idle_threshold"`

	// CleanupInterval is the sweeper period.
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// StorageConfig configures session persistence.
type StorageConfig struct {
	// Driver is one of sqlite, postgres, mysql.
	Driver string `yaml:"driver" json:"driver"`

	// DSN is the connection string. For sqlite an empty DSN means a
	// per-workspace database file under the workspace directory.
	DSN string `yaml:"dsn" json:"dsn"`

	MaxConns int `yaml:"max_conns" json:"max_conns"`
	MaxIdle  int `yaml:"max_idle" json:"max_idle"`
}

// LLMProviderConfig configures the default model provider.
type LLMProviderConfig struct {
	// Type is one of anthropic, openai, gemini.
	Type        string  `yaml:"type" json:"type"`
	Model       string  `yaml:"model" json:"model"`
	APIKey      string  `yaml:"api_key" json:"api_key"`
	Host        string  `yaml:"host" json:"host"`
	Temperature float64 `yaml:"temperature" json:"temperature"`
	MaxTokens   int     `yaml:"max_tokens" json:"max_tokens"`

	// Timeout bounds a single request in seconds.
	Timeout    int `yaml:"timeout" json:"timeout"`
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
}

// LoggerConfig configures slog output.
type LoggerConfig struct {
	Level  string `yaml:"level" json:"level"`
	File   string `yaml:"file" json:"file"`
	Format string `yaml:"format" json:"format"`
}

// ObservabilityConfig enables tracing and metrics.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

// TracingConfig configures the otel tracer.
type TracingConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Exporter is "otlp" or "stdout".
	Exporter string `yaml:"exporter" json:"exporter"`

	// Endpoint is the OTLP gRPC endpoint.
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	ServiceName string `yaml:"service_name" json:"service_name"`
}

// MetricsConfig configures the prometheus exporter.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// DefaultRootPath resolves the root directory: ROOT_PATH env override,
// then $HOME/.mandrake.
func DefaultRootPath() string {
	if path := os.Getenv(RootPathEnvVar); path != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultRootDirName
	}
	return filepath.Join(home, DefaultRootDirName)
}

// SetDefaults fills zero values with defaults.
func (c *Config) SetDefaults() {
	if c.Root.Path == "" {
		c.Root.Path = DefaultRootPath()
	}
	if c.Registry.MaxConcurrentSessions == 0 {
		c.Registry.MaxConcurrentSessions = 10
	}
	if c.Registry.IdleThreshold == 0 {
		c.Registry.IdleThreshold = 30 * time.Minute
	}
	if c.Registry.CleanupInterval == 0 {
		c.Registry.CleanupInterval = 15 * time.Minute
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.MaxConns == 0 {
		c.Storage.MaxConns = 10
	}
	if c.Storage.MaxIdle == 0 {
		c.Storage.MaxIdle = 2
	}
	if c.LLM.Type == "" {
		c.LLM.Type = "anthropic"
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 0.7
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 4096
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = 120
	}
	if c.LLM.MaxRetries == 0 {
		c.LLM.MaxRetries = 3
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "simple"
	}
	if c.Observability.Tracing.Exporter == "" {
		c.Observability.Tracing.Exporter = "otlp"
	}
	if c.Observability.Tracing.Endpoint == "" {
		c.Observability.Tracing.Endpoint = "localhost:4317"
	}
	if c.Observability.Tracing.ServiceName == "" {
		c.Observability.Tracing.ServiceName = "mandrake"
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.Registry.MaxConcurrentSessions < 1 {
		return fmt.Errorf("registry.max_concurrent_sessions must be >= 1, got %d", c.Registry.MaxConcurrentSessions)
	}
	if c.Registry.IdleThreshold < 0 {
		return fmt.Errorf("registry.idle_threshold must not be negative")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	switch c.Storage.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("storage.driver must be sqlite, postgres, or mysql, got %q", c.Storage.Driver)
	}
	switch c.LLM.Type {
	case "anthropic", "openai", "gemini":
	default:
		return fmt.Errorf("llm.type must be anthropic, openai, or gemini, got %q", c.LLM.Type)
	}
	switch c.Observability.Tracing.Exporter {
	case "otlp", "stdout":
	default:
		return fmt.Errorf("observability.tracing.exporter must be otlp or stdout, got %q", c.Observability.Tracing.Exporter)
	}
	return nil
}

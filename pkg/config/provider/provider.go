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

// Package provider abstracts configuration sources. Implementations
// exist for local files, Consul, etcd, and ZooKeeper.
package provider

import (
	"context"
	"fmt"
)

// Provider supplies raw configuration bytes and change notifications.
type Provider interface {
	// Load reads the current configuration bytes.
	Load(ctx context.Context) ([]byte, error)

	// Watch returns a channel that receives a signal whenever the
	// underlying source changes. Providers that cannot watch return a
	// nil channel and no error.
	Watch(ctx context.Context) (<-chan struct{}, error)

	// Close releases resources held by the provider.
	Close() error

	// Type identifies the provider kind.
	Type() string
}

// Provider type identifiers.
const (
	TypeFile      = "file"
	TypeConsul    = "consul"
	TypeEtcd      = "etcd"
	TypeZookeeper = "zookeeper"
)

// ProviderConfig selects and configures a provider.
type ProviderConfig struct {
	// Type is one of the Type* constants.
	Type string `yaml:"type" json:"type"`

	// Path is the file path (file) or key path (consul, etcd, zookeeper).
	Path string `yaml:"path" json:"path"`

	// Endpoints are the remote store addresses. Unused by the file
	// provider.
	Endpoints []string `yaml:"endpoints" json:"endpoints"`

	// Username and Password authenticate against remote stores that
	// require it.
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// New creates a provider from its config.
func New(cfg ProviderConfig) (Provider, error) {
	switch cfg.Type {
	case TypeFile, "":
		return NewFileProvider(cfg.Path)
	case TypeConsul:
		return NewConsulProvider(cfg)
	case TypeEtcd:
		return NewEtcdProvider(cfg)
	case TypeZookeeper:
		return NewZookeeperProvider(cfg)
	default:
		return nil, fmt.Errorf("unknown provider type: %q", cfg.Type)
	}
}

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

package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/consul/api"
)

// ConsulProvider loads config from a Consul KV key.
type ConsulProvider struct {
	client *api.Client
	key    string

	// lastIndex is the ModifyIndex used for blocking queries.
	lastIndex uint64
}

// NewConsulProvider connects to Consul and reads cfg.Path as a KV key.
func NewConsulProvider(cfg ProviderConfig) (*ConsulProvider, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("consul key path is required")
	}

	apiCfg := api.DefaultConfig()
	if len(cfg.Endpoints) > 0 {
		apiCfg.Address = cfg.Endpoints[0]
	}
	if cfg.Username != "" {
		apiCfg.HttpAuth = &api.HttpBasicAuth{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}

	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}

	return &ConsulProvider{
		client: client,
		key:    cfg.Path,
	}, nil
}

// Type returns TypeConsul.
func (p *ConsulProvider) Type() string {
	return TypeConsul
}

// Load reads the KV pair.
func (p *ConsulProvider) Load(ctx context.Context) ([]byte, error) {
	opts := (&api.QueryOptions{}).WithContext(ctx)
	pair, meta, err := p.client.KV().Get(p.key, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to read consul key %s: %w", p.key, err)
	}
	if pair == nil {
		return nil, fmt.Errorf("consul key %s not found", p.key)
	}
	p.lastIndex = meta.LastIndex
	return pair.Value, nil
}

// Watch polls the key with blocking queries and signals on index change.
func (p *ConsulProvider) Watch(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)

	go func() {
		defer close(ch)
		index := p.lastIndex
		for {
			opts := (&api.QueryOptions{
				WaitIndex: index,
				WaitTime:  5 * time.Minute,
			}).WithContext(ctx)

			pair, meta, err := p.client.KV().Get(p.key, opts)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				slog.Error("Consul blocking query failed", "key", p.key, "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
					continue
				}
			}
			if pair == nil {
				slog.Warn("Consul config key was deleted", "key", p.key)
				return
			}

			if meta.LastIndex != index {
				index = meta.LastIndex
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}()

	return ch, nil
}

// Close is a no-op; the Consul client holds no persistent connection.
func (p *ConsulProvider) Close() error {
	return nil
}

var _ Provider = (*ConsulProvider)(nil)

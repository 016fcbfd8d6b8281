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

// Command mandrake runs the workspace and session server.
//
// Usage:
//
//	mandrake serve --config config.yaml
//	mandrake validate --config config.yaml
//	mandrake schema
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/invopop/jsonschema"

	"github.com/kadirpekel/mandrake/pkg/bootstrap"
	"github.com/kadirpekel/mandrake/pkg/config"
	"github.com/kadirpekel/mandrake/pkg/logger"
	"github.com/kadirpekel/mandrake/pkg/server"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the HTTP server."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Generate the JSON Schema for the configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("mandrake version %s\n", version)
	return nil
}

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Host  string `help:"Host to bind." default:""`
	Port  int    `help:"Port to listen on." default:"0"`
	Watch bool   `help:"Watch the config file for changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, loader, err := loadConfig(ctx, cli.Config)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}

	if c.Host != "" {
		cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	if c.Watch && loader != nil {
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("config watch error", "error", err)
			}
		}()
	}

	svc, err := bootstrap.Ensure(ctx, *cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		if err := svc.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	srv := server.New(cfg.Server, svc.Registry())

	fmt.Printf("mandrake server ready\n")
	fmt.Printf("   API:     http://%s:%d/workspaces\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("   Health:  http://%s:%d/health\n", cfg.Server.Host, cfg.Server.Port)
	if cfg.Observability.Metrics.Enabled {
		fmt.Printf("   Metrics: http://%s:%d/metrics\n", cfg.Server.Host, cfg.Server.Port)
	}
	fmt.Println("\nPress Ctrl+C to stop")

	return srv.Start(ctx)
}

// ValidateCmd loads and validates a configuration file.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("--config is required for validate command")
	}
	_, loader, err := config.LoadConfigFile(context.Background(), cli.Config)
	if err != nil {
		return err
	}
	defer loader.Close()
	fmt.Printf("%s: configuration valid\n", cli.Config)
	return nil
}

// SchemaCmd emits the config JSON Schema.
type SchemaCmd struct{}

func (c *SchemaCmd) Run() error {
	schema := jsonschema.Reflect(&config.Config{})
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal schema: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// loadConfig loads a file config, or a default one when no file is
// given.
func loadConfig(ctx context.Context, path string) (*config.Config, *config.Loader, error) {
	if path == "" {
		return config.Default(), nil, nil
	}
	cfg, loader, err := config.LoadConfigFile(ctx, path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	slog.Info("loaded configuration", "path", path)
	return cfg, loader, nil
}

func main() {
	_ = config.LoadDotEnv("")

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("mandrake"),
		kong.Description("Mandrake - workspace and session server for tool-using assistants"),
		kong.UsageOnError(),
	)

	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %v\n", err)
		os.Exit(1)
	}
	output := os.Stderr
	if cli.LogFile != "" {
		file, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()
		output = file
	}
	logger.Init(level, output, cli.LogFormat)

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}

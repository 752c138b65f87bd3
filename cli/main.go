// Copyright The OpenTelemetry Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dangbb/pqexec-agent/pkg/config"
	"github.com/dangbb/pqexec-agent/pkg/log"
	"github.com/dangbb/pqexec-agent/pkg/runner"
)

var stringFlags = []struct {
	name  string
	usage string
	field func(*config.Config) *string
}{
	{"pattern", "substring matched against process command lines", func(c *config.Config) *string { return &c.TargetPattern }},
	{"output", "file that captured calls are appended to", func(c *config.Config) *string { return &c.OutputFile }},
	{"library-suffix", "libpq path inside the target's root filesystem", func(c *config.Config) *string { return &c.LibrarySuffix }},
	{"symbol", "libpq function to probe", func(c *config.Config) *string { return &c.Symbol }},
	{"proc-root", "proc filesystem mount point", func(c *config.Config) *string { return &c.ProcRoot }},
	{"log-level", "debug, info, warn or error", func(c *config.Config) *string { return &c.LogLevel }},
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "pqexec-agent",
		Short:         "Trace PQexec calls of a running process",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	fs := cmd.Flags()
	fs.String("config", "", "YAML config file (defaults to $"+config.ConfigFileEnv+")")
	for _, f := range stringFlags {
		fs.String(f.name, "", f.usage)
	}
	return cmd
}

// loadConfig layers explicitly set flags on top of the file and environment.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	fs := cmd.Flags()

	path, err := fs.GetString("config")
	if err != nil {
		return config.Config{}, err
	}
	if path == "" {
		path = os.Getenv(config.ConfigFileEnv)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}

	for _, f := range stringFlags {
		if !fs.Changed(f.name) {
			continue
		}
		val, err := fs.GetString(f.name)
		if err != nil {
			return cfg, err
		}
		*f.field(&cfg) = val
	}

	return cfg, cfg.Validate()
}

func run(cfg config.Config) error {
	if err := log.Init(cfg.LogLevel); err != nil {
		return fmt.Errorf("could not init logger: %w", err)
	}

	r, err := runner.NewRunner(cfg)
	if err != nil {
		log.Logger.Error(err, "unable to start agent")
		return err
	}
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopper := make(chan os.Signal, 1)
	signal.Notify(stopper, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-stopper:
			log.Logger.V(0).Info("got signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	return r.Run(ctx)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pqexec-agent: %s\n", err)
		os.Exit(1)
	}
}

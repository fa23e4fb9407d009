// Copyright 2024 The Inspektor Gadget authors
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

// Command dechainy-coreshim is a thin runnable wrapper around the core:
// it acquires the sentinel, starts the Event Dispatcher, and blocks until a
// shutdown signal arrives. It exists so the core's lifecycle can be driven
// end to end without the REST surface, CLI front-end, or plugin-directory
// watcher that normally sit in front of it — those remain out of scope.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dechainy-go/dechainy/pkg/controller"
	"github.com/dechainy-go/dechainy/pkg/ebpf"
)

func main() {
	os.Exit(run())
}

func run() int {
	var logLevel string
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "dechainy-coreshim",
		Short: "Runs the eBPF hook multiplexer core standalone",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := bindConfig(configPath); err != nil {
				return err
			}
			if v := viper.GetString("log_level"); v != "" {
				logLevel = v
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), logLevel)
		},
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"DEBUG, INFO, WARNING, ERROR, or CRITICAL")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"optional config file (overrides --log-level if it sets log_level)")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	rootCmd.SetContext(ctx)

	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, ebpf.ErrAlreadyRunning) {
			fmt.Fprintln(os.Stderr, err)
			return 17
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// bindConfig wires viper to an optional config file plus DECHAINY_-prefixed
// environment variables. A log_level found there (config file or
// DECHAINY_LOG_LEVEL) overrides --log-level, which in turn overrides the
// default.
func bindConfig(configPath string) error {
	viper.SetEnvPrefix("dechainy")
	viper.AutomaticEnv()
	if configPath == "" {
		return nil
	}
	viper.SetConfigFile(configPath)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config %s: %w", configPath, err)
	}
	return nil
}

func serve(ctx context.Context, logLevel string) error {
	logger := log.New()
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		level = log.InfoLevel
		if strings.EqualFold(logLevel, "CRITICAL") {
			level = log.FatalLevel
		}
	}
	logger.SetLevel(level)
	entry := logger.WithField("component", "dechainy-coreshim")

	toolchain := ebpf.NewExecToolchain(entry)
	ctrl := controller.New(toolchain, entry)

	if err := ctrl.Init(ctx); err != nil {
		if errors.Is(err, ebpf.ErrAlreadyRunning) {
			return err
		}
		return fmt.Errorf("initializing controller: %w", err)
	}
	entry.Info("controller running, waiting for shutdown signal")

	<-ctx.Done()
	entry.Info("shutdown signal received, tearing down")
	return ctrl.Shutdown()
}

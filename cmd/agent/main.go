// Copyright (c) 2025 Justin Cranford

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"license-agent/internal/config"
	"license-agent/internal/engine"
	"license-agent/internal/telemetry"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "license-agent",
		Short: "License secret agent",
		Long: `license-agent - customer-site license validation daemon.

Loads a TOML configuration, seals and unseals license secrets via TPM (or a
software fallback), validates license tokens over a Unix-domain socket, and
rotates secrets against the issuing server on a schedule.`,
		RunE: runDaemon,
	}
	bindDaemonFlags(rootCmd.Flags())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func bindDaemonFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to the daemon's TOML configuration file")
	fs.String("server-url", "", "override server.url")
	fs.String("ipc-socket-path", "", "override management.ipc_socket_path")
	fs.Int("admin-http-port", 0, "override management.admin_http_port (0 disables the admin HTTP surface)")
	fs.Bool("verbose", false, "enable debug-level logging")
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := config.ParseWithFlagSet(cmd.Flags(), nil, true)
	if err != nil {
		return err
	}

	verbose, _ := cmd.Flags().GetBool("verbose")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ts, err := telemetry.NewTelemetryService(ctx, &telemetry.TelemetrySettings{
		VerboseMode: verbose,
		OTLPConsole: verbose,
	})
	if err != nil {
		return err
	}
	defer ts.Shutdown()

	e, err := engine.New(cfg, ts.Slogger)
	if err != nil {
		ts.Slogger.Error("failed to construct engine", "error", err)
		return err
	}

	ts.Slogger.Info("license-agent starting", "ipc_socket_path", cfg.Management.IPCSocketPath)
	if err := e.Start(ctx); err != nil {
		ts.Slogger.Error("engine exited with error", "error", err)
		return err
	}

	e.Shutdown()
	ts.Slogger.Info("license-agent stopped")
	return nil
}

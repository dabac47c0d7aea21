// Copyright (c) 2025 Justin Cranford

package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"license-agent/internal/audit"
	"license-agent/internal/magic"
	"license-agent/internal/types"
)

// destructive names every command requiring a TOTP code before it proceeds.
var destructive = map[string]bool{
	"invalidate":    true,
	"reset":         true,
	"degraded_mode": true, // only gated when actually toggling; see runDegradedMode
}

// NewRootCommand builds the agentcli cobra root command. socketPath and
// totpSecretPath default to magic.DefaultIPCSocketPath / empty (no gating)
// when left blank by the caller.
func NewRootCommand() *cobra.Command {
	var socketPath string
	var totpSecretPath string

	root := &cobra.Command{
		Use:   "agentcli",
		Short: "License agent management CLI",
		Long: `agentcli - operator CLI for the license-agent daemon.

Talks to the daemon over its Unix-domain management socket: inspect status,
force rotation, invalidate a secret version, tail the audit log, read
metrics, toggle degraded mode, and check the TPM sealing backend.`,
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", magic.DefaultIPCSocketPath, "path to the agent's management socket")
	root.PersistentFlags().StringVar(&totpSecretPath, "totp-secret", "", "path to a TOTP seed gating destructive commands (empty: no gating)")

	client := func() *Client { return NewClient(socketPath) }
	gate := func(cmd string) error {
		if !destructive[cmd] {
			return nil
		}
		return requireTOTP(totpSecretPath, bufio.NewReader(os.Stdin), os.Stdout)
	}

	root.AddCommand(
		newStatusCommand(client),
		newRotateCommand(client),
		newInvalidateCommand(client, gate),
		newLogsCommand(client),
		newMetricsCommand(client),
		newDegradedModeCommand(client, gate),
		newTpmStatusCommand(client),
		newResetCommand(client, gate),
	)
	return root
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func newStatusCommand(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the daemon's current status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var status types.SystemStatus
			if err := client().CallChecked("status", nil, &status); err != nil {
				return err
			}
			return printJSON(status)
		},
	}
}

func newRotateCommand(client func() *Client) *cobra.Command {
	var force bool
	c := &cobra.Command{
		Use:   "rotate",
		Short: "Force an immediate secret rotation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return client().CallChecked("rotate", map[string]any{"force": force}, nil)
		},
	}
	c.Flags().BoolVar(&force, "force", true, "bypass check_rotation_needed and rotate unconditionally")
	return c
}

func newInvalidateCommand(client func() *Client, gate func(string) error) *cobra.Command {
	var version uint64
	var reason string
	c := &cobra.Command{
		Use:   "invalidate",
		Short: "Invalidate a specific secret version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := gate("invalidate"); err != nil {
				return err
			}
			return client().CallChecked("invalidate", map[string]any{"version": version, "reason": reason}, nil)
		},
	}
	c.Flags().Uint64Var(&version, "version", 0, "secret version to invalidate")
	c.Flags().StringVar(&reason, "reason", "", "operator-supplied reason, recorded in the audit log")
	_ = c.MarkFlagRequired("version")
	_ = c.MarkFlagRequired("reason")
	return c
}

func newLogsCommand(client func() *Client) *cobra.Command {
	var event, level, filterFile string
	var max int
	c := &cobra.Command{
		Use:   "logs",
		Short: "Tail the audit log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if filterFile != "" {
				f, err := audit.LoadFilterFile(filterFile)
				if err != nil {
					return err
				}
				event, level, max = f.Event, string(f.Level), f.MaxEvents
			}

			var resp struct {
				Events []audit.Event `json:"events"`
			}
			req := map[string]any{"event": event, "level": level, "max_events": max}
			if err := client().CallChecked("logs", req, &resp); err != nil {
				return err
			}
			return printJSON(resp.Events)
		},
	}
	c.Flags().StringVar(&event, "event", "", "filter by event type")
	c.Flags().StringVar(&level, "level", "", "filter by level (info|warning|error)")
	c.Flags().IntVar(&max, "max-events", 100, "maximum number of events to return")
	c.Flags().StringVar(&filterFile, "filter-file", "", "load event/level/max-events from a saved YAML filter, overriding the flags above")
	return c
}

func newMetricsCommand(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Show flat validation/rotation counters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var metrics map[string]any
			if err := client().CallChecked("metrics", nil, &metrics); err != nil {
				return err
			}
			return printJSON(metrics)
		},
	}
}

func newDegradedModeCommand(client func() *Client, gate func(string) error) *cobra.Command {
	var enable, disable bool
	c := &cobra.Command{
		Use:   "degraded-mode",
		Short: "Show or toggle degraded-mode status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var toggling *bool
			switch {
			case enable && disable:
				return fmt.Errorf("--enable and --disable are mutually exclusive")
			case enable:
				v := true
				toggling = &v
			case disable:
				v := false
				toggling = &v
			}
			if toggling != nil {
				if err := gate("degraded_mode"); err != nil {
					return err
				}
			}
			var status types.DegradedModeStatus
			if err := client().CallChecked("degraded_mode", map[string]any{"enable": toggling}, &status); err != nil {
				return err
			}
			return printJSON(status)
		},
	}
	c.Flags().BoolVar(&enable, "enable", false, "force degraded mode active")
	c.Flags().BoolVar(&disable, "disable", false, "force degraded mode inactive")
	return c
}

func newTpmStatusCommand(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "tpm-status",
		Short: "Show the sealing provider's backend and availability",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var status types.TpmStatus
			if err := client().CallChecked("tpm_status", nil, &status); err != nil {
				return err
			}
			return printJSON(status)
		},
	}
}

func newResetCommand(client func() *Client, gate func(string) error) *cobra.Command {
	var confirm bool
	c := &cobra.Command{
		Use:   "reset",
		Short: "Clear the degraded-mode record, or wipe all secret-store state with --confirm",
		Long: `reset clears the degraded-mode record.

With --confirm it additionally wipes every secret version and its sealed
blob, for disaster-recovery re-enrollment. This is irreversible and always
requires a TOTP code when --totp-secret is given.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := gate("reset"); err != nil {
				return err
			}
			if confirm {
				fmt.Fprintln(os.Stdout, "This wipes every secret version and sealed blob. Type \"wipe\" to proceed:")
				reader := bufio.NewReader(os.Stdin)
				line, _ := reader.ReadString('\n')
				if strings.TrimSpace(line) != "wipe" {
					return fmt.Errorf("reset --confirm aborted: confirmation text did not match")
				}
			}
			return client().CallChecked("reset", map[string]any{"wipe": confirm}, nil)
		},
	}
	c.Flags().BoolVar(&confirm, "confirm", false, "wipe all secret-store state (irreversible, requires a second typed confirmation)")
	return c
}

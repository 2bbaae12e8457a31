// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/tomtom215/mise/internal/logging"
)

// rootOptions holds flags shared by every command.
type rootOptions struct {
	LogLevel  string
	LogFormat string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "misectl",
		Short:         "Mise notification pipeline tool",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			logging.Init(logging.Config{Level: opts.LogLevel, Format: opts.LogFormat})
		},
	}

	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", envOr("LOG_LEVEL", "info"), "log level")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", envOr("LOG_FORMAT", "console"), "log format (json|console)")

	cmd.AddCommand(newAgentCommand())
	cmd.AddCommand(newVAPIDCommand())
	cmd.AddCommand(newTokenCommand())
	cmd.AddCommand(newEnqueueCommand())

	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

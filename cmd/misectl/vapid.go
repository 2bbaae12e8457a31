// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tomtom215/mise/internal/push"
)

func newVAPIDCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vapid",
		Short: "Manage VAPID application server keys",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "keygen",
		Short: "Generate a VAPID key pair",
		Long: `Generate a VAPID key pair for web push.

The output is in environment file form. The public key is also what the
browser passes to pushManager.subscribe as applicationServerKey.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			private, public, err := push.GenerateVAPIDKeys()
			if err != nil {
				return fmt.Errorf("generate vapid keys: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "VAPID_PUBLIC_KEY=%s\n", public)
			fmt.Fprintf(cmd.OutOrStdout(), "VAPID_PRIVATE_KEY=%s\n", private)
			return nil
		},
	})
	return cmd
}

// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomtom215/mise/internal/auth"
	"github.com/tomtom215/mise/internal/config"
)

type tokenOptions struct {
	Secret string
	Tenant string
	Role   string
	TTL    time.Duration
}

func newTokenCommand() *cobra.Command {
	opts := &tokenOptions{}

	cmd := &cobra.Command{
		Use:   "token <recipient>",
		Short: "Issue a bearer token for a recipient",
		Long: `Issue a bearer token signed with JWT_SECRET.

Example:
  misectl token kitchen@bistro-1 --tenant bistro-1
  misectl token pos-sync --tenant bistro-1 --role service`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := issueToken(opts, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Secret, "secret", envOr("JWT_SECRET", ""), "signing secret")
	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "tenant (restaurant) id")
	cmd.Flags().StringVar(&opts.Role, "role", auth.RoleDevice, "device, manager or service")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 24*time.Hour, "token lifetime")

	return cmd
}

func issueToken(opts *tokenOptions, recipient string) (string, error) {
	switch opts.Role {
	case auth.RoleDevice, auth.RoleManager, auth.RoleService:
	default:
		return "", fmt.Errorf("invalid role %q", opts.Role)
	}
	m, err := auth.NewJWTManager(&config.SecurityConfig{JWTSecret: opts.Secret, TokenTTL: opts.TTL})
	if err != nil {
		return "", err
	}
	return m.GenerateToken(recipient, opts.Tenant, opts.Role)
}

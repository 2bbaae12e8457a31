// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tomtom215/mise/internal/config"
	"github.com/tomtom215/mise/internal/devicesync"
	"github.com/tomtom215/mise/internal/logging"
	"github.com/tomtom215/mise/internal/models"
	"github.com/tomtom215/mise/internal/realtime"
)

type agentOptions struct {
	Table string
}

func newAgentCommand() *cobra.Command {
	opts := &agentOptions{}

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the device sync agent",
		Long: `Run the device sync agent.

The agent heartbeats the server, pulls queued notifications into a local
inbox, reports them delivered and re-announces unacknowledged ones. It
watches the server change stream and pulls again whenever the stream
reports a change or recovers from an outage.

Configuration comes from DEVICE_SERVER_URL, DEVICE_TOKEN, DEVICE_INBOX_PATH
and the other DEVICE_* and RECONNECT_* variables.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Table, "table", "", "only watch changes to this table")

	return cmd
}

func runAgent(ctx context.Context, opts *agentOptions) error {
	cfg, err := config.LoadAgent()
	if err != nil {
		return err
	}

	inbox, err := devicesync.OpenInbox(cfg.Device.InboxPath)
	if err != nil {
		return fmt.Errorf("open inbox: %w", err)
	}
	defer func() {
		if err := inbox.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing inbox")
		}
	}()

	streamURL, err := changeStreamURL(cfg.Device.ServerURL)
	if err != nil {
		return err
	}
	rtLogger := logging.WithComponent("realtime")
	conn := realtime.NewManager(
		realtime.NewWebSocketTransport(streamURL, cfg.Device.Token),
		realtime.ConfigFrom(&cfg.Realtime),
		&rtLogger,
	)
	if err := conn.Start(ctx); err != nil {
		return fmt.Errorf("start connection manager: %w", err)
	}
	defer func() {
		if err := conn.Stop(); err != nil {
			logging.Error().Err(err).Msg("Error stopping connection manager")
		}
	}()

	client := devicesync.NewClient(cfg.Device.ServerURL, cfg.Device.Token, cfg.Device.RequestTimeout)
	presenter := devicesync.LogPresenter{Logger: logging.WithComponent("presenter")}
	agentLogger := logging.Logger()
	agent := devicesync.NewAgent(client, inbox, presenter, devicesync.ConfigFrom(&cfg.Device), &agentLogger)

	sub, err := agent.Watch(conn, models.TopicFilter{Table: opts.Table})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	logging.Info().
		Str("server", cfg.Device.ServerURL).
		Str("inbox", cfg.Device.InboxPath).
		Msg("Device agent running")

	if err := agent.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// changeStreamURL maps the server base URL to its websocket change stream.
func changeStreamURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("server url must be http or https, got %q", base)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/notifications/stream"
	return u.String(), nil
}

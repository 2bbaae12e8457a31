// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package main

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/tomtom215/mise/internal/devicesync"
	"github.com/tomtom215/mise/internal/models"
)

type enqueueOptions struct {
	Server    string
	Token     string
	Recipient string
	Title     string
	Body      string
	Channel   string
	Priority  string
	Payload   string
}

func newEnqueueCommand() *cobra.Command {
	opts := &enqueueOptions{}

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Add a notification to the outbox",
		Long: `Add a notification to the outbox through the REST API.

Needs a manager or service token.

Example:
  misectl enqueue --recipient kitchen@bistro-1 --title "Table 4" \
    --body "2x risotto" --priority high --payload '{"order_id":"o-91"}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := opts.request()
			if err != nil {
				return err
			}
			client := devicesync.NewClient(opts.Server, opts.Token, 10*time.Second)
			intent, err := client.Enqueue(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", intent.ID, intent.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Server, "server", envOr("DEVICE_SERVER_URL", "http://127.0.0.1:8470"), "server base URL")
	cmd.Flags().StringVar(&opts.Token, "token", envOr("DEVICE_TOKEN", ""), "bearer token")
	cmd.Flags().StringVar(&opts.Recipient, "recipient", "", "recipient id or group address")
	cmd.Flags().StringVar(&opts.Title, "title", "", "notification title")
	cmd.Flags().StringVar(&opts.Body, "body", "", "notification body")
	cmd.Flags().StringVar(&opts.Channel, "channel", string(models.ChannelPush), "push or in_app")
	cmd.Flags().StringVar(&opts.Priority, "priority", string(models.PriorityNormal), "normal or high")
	cmd.Flags().StringVar(&opts.Payload, "payload", "", "payload as a JSON object")
	_ = cmd.MarkFlagRequired("recipient")
	_ = cmd.MarkFlagRequired("title")

	return cmd
}

func (o *enqueueOptions) request() (models.EnqueueRequest, error) {
	req := models.EnqueueRequest{
		Recipient: o.Recipient,
		Title:     o.Title,
		Body:      o.Body,
		Channel:   models.Channel(o.Channel),
		Priority:  models.Priority(o.Priority),
	}
	if o.Payload != "" {
		if err := json.Unmarshal([]byte(o.Payload), &req.Payload); err != nil {
			return req, fmt.Errorf("invalid --payload JSON: %w", err)
		}
	}
	return req, nil
}

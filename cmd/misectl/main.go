// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

// Command misectl is the operator and device tool for Mise.
//
//	misectl agent                      run the device sync agent
//	misectl vapid keygen               print a new VAPID key pair
//	misectl token <recipient>          issue a bearer token
//	misectl enqueue --recipient ...    add a notification to the outbox
package main

import (
	"os"

	"github.com/tomtom215/mise/internal/logging"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		logging.Error().Err(err).Msg("misectl failed")
		os.Exit(1)
	}
}

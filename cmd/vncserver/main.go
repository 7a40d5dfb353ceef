// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

// Command vncserver exports a synthetic desktop over RFB.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vncserver",
		Short: "RFB server with an admin API",
		Long: `vncserver accepts VNC viewers over TCP and WebSocket, or dials out to a
listening viewer or repeater, and serves a test-pattern desktop.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to a TOML configuration file")

	rootCmd.AddCommand(
		serveCmd(),
		checkConfigCmd(),
		passwordCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// Package cmd wires the gateway's command line.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ws-gateway",
	Short: "Realtime conversation fan-out over WebSockets",
	Long: `ws-gateway terminates client WebSockets, authenticates them, and fans
conversation events out to every socket joined to a conversation. Multiple
processes share events through a Redis or NATS bus.

Quick Start:
  ws-gateway serve                      Start the gateway
  ws-gateway token --secret s --sub u1  Mint a test JWT`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

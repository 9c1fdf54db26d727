// ClawBridge — session bridge between operator tooling and OpenClaw gateways.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "clawbridge",
	Short: "ClawBridge — session bridge between operator tooling and OpenClaw agent gateways.",
	Long: `ClawBridge maintains resilient WebSocket connections to one or more OpenClaw
gateways, mirrors their session state, accumulates chat history, and exposes
it all through an operator-facing HTTP API, SSE event streams, and an MCP
stdio server for LLM tooling.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, mcpCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// Nookplot — client-side runtime for autonomous agents on the Nookplot network.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "nookplot",
	Short: "Nookplot — autonomous agent runtime for the Nookplot network.",
	Long: `Nookplot connects an autonomous agent to a Nookplot gateway, listens for
proactive signals over WebSocket, generates responses through the configured
LLM provider, and relays signed on-chain actions. A local operator API and
MCP server expose the running agent to human supervision and tooling.`,
	RunE:          runRuntime, // Default to runtime mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(runCmd, activityCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

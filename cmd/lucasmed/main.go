package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "lucasmed",
	Short: "LucasMed medical-assistant chat engine",
	Long: `lucasmed runs the chat engine: the HTTP server that relays generation
from the upstream model and serves the conversation log, and a terminal
client that keeps a conversation view in sync with both.

Examples:
  lucasmed serve                    # Start the API server
  lucasmed token --user ana         # Print a development access token
  lucasmed chat --token <jwt>       # Open the conversation in the terminal`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(tokenCmd)
}

// Dispatchd is a run orchestrator for AI coding agents.
//
// It schedules backlog features across isolated git worktrees, drives each
// one through a plan/approve/execute pipeline against a configured agent
// backend, and exposes the whole thing over an HTTP API.
//
// Usage:
//
//	# Start the daemon with the default config
//	dispatchd serve
//
//	# Use a specific config file
//	dispatchd serve --config /etc/dispatchd/config.yaml
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "dispatchd",
	Short: "Run orchestrator for AI coding agents",
	Long: `dispatchd schedules feature work across AI coding agents. Each feature
runs in its own git worktree, produces a plan for approval, then executes
the approved plan while the scheduler bounds concurrency and classifies
failures.`,
	Version: version,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("dispatchd by Fyrsmith Labs\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "diffprism",
		Short: "Browser-based review sessions for git diffs",
		Long:  "diffprism brokers git-diff review sessions: one-shot browser reviews from the CLI, or long-lived sessions through the standing daemon.",
	}

	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(resultCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(annotateCmd())
	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		if exitErr, ok := err.(*exitError); ok {
			os.Exit(exitErr.code)
		}
		os.Exit(1)
	}
}

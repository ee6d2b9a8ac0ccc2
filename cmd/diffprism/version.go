package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/CodeJonesW/diffprism/internal/version"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the diffprism version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("diffprism %s\n", version.Version)
		},
	}
}

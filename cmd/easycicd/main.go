package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/easycicd/easycicd/pkg/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "easycicd",
	Short: "easycicd - single-host CI/CD agent",
	Long: `easycicd builds projects from GitHub push webhooks and deploys them
with zero-downtime blue/green cutover on a single Docker host. It also
runs standalone service containers and routes inbound traffic to both
by subdomain.`,
	Version: version.Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"easycicd version %s\nCommit: %s\nBuilt: %s\n",
		version.Version, version.Commit, version.BuildTime,
	))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(migrateCmd)
}

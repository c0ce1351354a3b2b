// Package main provides the docreply server and its operator commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/abcotronics/docreply/internal/version"
)

var configDir string

var rootCmd = &cobra.Command{
	Use:   "docreply",
	Short: "Document request reply threading and attachment ingestion",
	Long: `docreply sends document collection requests to clients and turns their
email replies into comments on the matching document/month cell.

Replies arrive through the provider webhook or a polled mailbox; delivery
status webhooks keep the send log current.`,
	Version:       version.String(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "docreply %s\n", version.Full())
	},
}

func init() {
	defaultDir := os.Getenv("CONFIG_DIR")
	rootCmd.PersistentFlags().StringVar(&configDir, "config", defaultDir, "Directory holding config.yaml (optional)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(reprocessCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

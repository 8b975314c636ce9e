package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "tagmanager",
	Short: "Ingest, deduplicate and tag images dropped into an import folder",
	Long: strings.TrimSpace(`
Sweeps the import folder, fingerprints every image, asks the tagging service
for a rating and tags, stores new images under their record id and routes
duplicates, videos and undecodable files to their own folders.`),
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: tagmanager.yaml in ., ./config or /etc/tagmanager)")
	rootCmd.AddCommand(runCmd, backfillCmd, serveCmd, tokenCmd)
}

// Package cmd implements the corpus CLI.
package cmd

import (
	"github.com/spf13/cobra"
)

var (
	verbose  bool
	jsonLogs bool
)

var rootCmd = &cobra.Command{
	Use:   "corpus",
	Short: "Corpus - document ingestion and retrieval pipeline",
	Long: `Corpus ingests documents (plain text, markdown, HTML, PDF, DOCX),
chunks them into sections and fragments, embeds the fragments, and indexes
them in a vector store for retrieval-augmented generation.

Typical usage:

  corpus ingest docs/*.md
  corpus query "how do I rotate the signing keys?"
  corpus status`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "emit logs as JSON")
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var removeCmd = &cobra.Command{
	Use:   "remove [source|document-id]",
	Short: "Remove a document from the index",
	Long: `Remove deletes a document's vectors, stored chunks, metadata, and
retained raw bytes.`,
	Args: cobra.ExactArgs(1),
	RunE: runRemove,
}

func init() {
	rootCmd.AddCommand(removeCmd)
}

func runRemove(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	doc, err := lookupDocument(cmd, a, args[0])
	if err != nil {
		return err
	}
	if err := a.coord.Remove(ctx, doc.ID); err != nil {
		return err
	}
	fmt.Printf("Removed %s (%s)\n", doc.Source, doc.ID)
	return nil
}

package cmd

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/koopa0/corpus/internal/docstore"
	"github.com/koopa0/corpus/internal/ingest"
)

var statusCollection string

var statusCmd = &cobra.Command{
	Use:   "status [source|document-id]",
	Short: "Show ingestion status",
	Long: `With no arguments, status lists all tracked documents. With a source
filename or document id, it shows that document's full state including any
failure detail.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVarP(&statusCollection, "collection", "c", "",
		"restrict the listing to one collection")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if len(args) == 1 {
		doc, err := lookupDocument(cmd, a, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Document:    %s\n", doc.ID)
		fmt.Printf("Source:      %s\n", doc.Source)
		fmt.Printf("Collection:  %s\n", doc.Collection)
		fmt.Printf("Status:      %s\n", doc.Status)
		if doc.Revision != "" {
			fmt.Printf("Revision:    %s\n", doc.Revision)
		}
		if doc.Status == docstore.StatusFailed {
			fmt.Printf("Failed step: %s\n", doc.FailedStep)
			fmt.Printf("Failure:     %s\n", doc.Failure)
		}
		fmt.Printf("Updated:     %s\n", doc.UpdatedAt.Format("2006-01-02 15:04:05"))
		return nil
	}

	docs, err := a.meta.ListDocuments(ctx, statusCollection)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		fmt.Println("No documents.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE\tCOLLECTION\tSTATUS\tREVISION\tUPDATED")
	for _, d := range docs {
		rev := d.Revision
		if rev == "" {
			rev = "-"
		}
		status := string(d.Status)
		if d.Status == docstore.StatusFailed {
			status = fmt.Sprintf("failed (%s)", d.FailedStep)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			d.Source, d.Collection, status, rev, d.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

// lookupDocument resolves an argument as a document id first, then as a
// source path.
func lookupDocument(cmd *cobra.Command, a *app, arg string) (*docstore.Document, error) {
	ctx := cmd.Context()

	doc, err := a.meta.GetDocument(ctx, arg)
	if err == nil {
		return doc, nil
	}
	return a.meta.GetDocument(ctx, ingest.DocumentID(filepath.Clean(arg)))
}

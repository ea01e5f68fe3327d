package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/koopa0/corpus/internal/ingest"
)

var ingestCollection string

var ingestCmd = &cobra.Command{
	Use:   "ingest [files...]",
	Short: "Ingest documents into the index",
	Long: `Ingest reads each file, extracts its text, chunks it, embeds the
chunks, and indexes them. Supported formats: plain text, markdown, HTML,
PDF, DOCX. Re-ingesting an unchanged file is a no-op; a changed file is
re-indexed under a new revision with no gap in query coverage.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVarP(&ingestCollection, "collection", "c", "",
		"target collection (default: configured default_collection)")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	reqs, err := readRequests(args, ingestCollection)
	if err != nil {
		return err
	}

	results := a.coord.IngestAll(ctx, reqs)

	var failed int
	for i, res := range results {
		switch {
		case res.Err != nil:
			failed++
			fmt.Fprintf(os.Stderr, "FAIL  %s: %v\n", reqs[i].Source, res.Err)
		case res.Skipped:
			fmt.Printf("SKIP  %s (unchanged, revision %s)\n", reqs[i].Source, res.Revision)
		default:
			fmt.Printf("OK    %s (revision %s, %d sections, %d fragments)\n",
				reqs[i].Source, res.Revision, res.Sections, res.Fragments)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d documents failed", failed, len(results))
	}
	return nil
}

// readRequests loads each file into an ingest request. The cleaned path is
// the source, not the basename: files named alike in different directories
// must stay distinct documents.
func readRequests(paths []string, collection string) ([]ingest.Request, error) {
	reqs := make([]ingest.Request, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		reqs = append(reqs, ingest.Request{
			Source:     filepath.Clean(path),
			Collection: collection,
			Data:       data,
		})
	}
	return reqs, nil
}

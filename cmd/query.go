package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/koopa0/corpus/internal/retrieve"
)

var (
	queryCollection string
	queryTopK       int
	queryDocuments  []string
	queryNoCache    bool
)

var queryCmd = &cobra.Command{
	Use:   "query [question]",
	Short: "Retrieve the most relevant chunks for a question",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runQuery,
}

func init() {
	queryCmd.Flags().StringVarP(&queryCollection, "collection", "c", "",
		"collection to query (default: configured default_collection)")
	queryCmd.Flags().IntVarP(&queryTopK, "top-k", "k", 0,
		"number of results (default: configured top_k)")
	queryCmd.Flags().StringSliceVar(&queryDocuments, "documents", nil,
		"restrict to the given document ids")
	queryCmd.Flags().BoolVar(&queryNoCache, "no-cache", false,
		"bypass the result cache")
	rootCmd.AddCommand(queryCmd)
}

func runQuery(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	question := strings.Join(args, " ")
	results, err := a.retriever.Retrieve(ctx, question, retrieve.Options{
		Collection:  queryCollection,
		TopK:        queryTopK,
		DocumentIDs: queryDocuments,
		BypassCache: queryNoCache,
	})
	if err != nil {
		return err
	}

	if len(results) == 0 {
		fmt.Println("No results.")
		return nil
	}

	for i, r := range results {
		fmt.Printf("--- %d. score %.3f", i+1, r.Score)
		if r.Title != "" {
			fmt.Printf("  %s", r.Title)
		}
		fmt.Printf("  (%s)\n", r.SectionID)
		fmt.Println(r.Text)
		fmt.Println()
	}
	return nil
}

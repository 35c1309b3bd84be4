package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/agrichat/knowledge/internal/retrieval"
	"github.com/agrichat/knowledge/internal/runtime"
	"github.com/spf13/cobra"
)

func searchCMD(load loader) *cobra.Command {
	var topK int
	var threshold float64
	var owner string
	var debug bool
	var asJSON bool

	search := &cobra.Command{
		Use:   "search <text>",
		Short: "Run one semantic query and print ranked passages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			deps, err := runtime.Bootstrap(ctx, cfg, "agrirag-cli")
			if err != nil {
				return err
			}
			defer deps.Close(context.Background())

			q := retrieval.Query{Text: strings.Join(args, " "), TopK: topK, OwnerID: owner, Debug: debug}
			if cmd.Flags().Changed("threshold") {
				q.Threshold = &threshold
			}
			res, err := deps.Retrieval(nil).Search(ctx, q)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			printResult(out, res)
			return nil
		},
	}
	search.Flags().IntVarP(&topK, "top-k", "k", 0, "maximum passages (default search.top_k)")
	search.Flags().Float64VarP(&threshold, "threshold", "t", 0, "minimum similarity; chosen from the query when unset")
	search.Flags().StringVar(&owner, "owner", "", "only search documents of this owner")
	search.Flags().BoolVar(&debug, "debug", false, "show nearest passages when nothing matches")
	search.Flags().BoolVar(&asJSON, "json", false, "print the raw result as JSON")
	return search
}

func printResult(w io.Writer, res retrieval.Result) {
	fmt.Fprintf(w, "threshold %.2f, top %d: %d result(s)\n", res.Threshold, res.TopK, len(res.Hits))
	for i, h := range res.Hits {
		fmt.Fprintf(w, "\n#%d %.3f %s [chunk %d]\n%s\n", i+1, h.Similarity, h.DocumentName, h.ChunkIndex, h.Content)
	}
	if len(res.Hits) == 0 && len(res.Nearest) > 0 {
		fmt.Fprintln(w, "\nnearest below threshold:")
		for i, h := range res.Nearest {
			fmt.Fprintf(w, "  #%d %.3f %s [chunk %d]\n", i+1, h.Similarity, h.DocumentName, h.ChunkIndex)
		}
	}
}

// search.go defines the find command: semantic, lexical, and tag-filtered
// retrieval with optional deep expansion.

package cmd

import (
	"github.com/spf13/cobra"

	"github.com/hughpyle/keep/internal/keeper"
)

var (
	findSimilarTo string
	findTags      []string
	findSince     string
	findUntil     string
	findLimit     int
	findFulltext  bool
	findSystem    bool
	findDeep      bool
)

var findCmd = &cobra.Command{
	Use:   "find [query]",
	Short: "Search documents",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := engine()
		if err != nil {
			return err
		}
		query := ""
		if len(args) > 0 {
			query = args[0]
		}
		tags, err := parseTagArgs(findTags)
		if err != nil {
			return err
		}
		req := keeper.FindRequest{
			Query:     query,
			SimilarTo: findSimilarTo,
			Tags:      tags,
			Since:     findSince,
			Until:     findUntil,
			Limit:     findLimit,
			Fulltext:  findFulltext,
			System:    findSystem,
		}
		if findDeep {
			items, err := e.keeper.DeepFind(ctx(cmd), req)
			if err != nil {
				return err
			}
			return printJSON(items)
		}
		items, err := e.keeper.Find(ctx(cmd), req)
		if err != nil {
			return err
		}
		return printJSON(items)
	},
}

func init() {
	findCmd.Flags().StringVar(&findSimilarTo, "similar-to", "", "use an existing document as the query")
	findCmd.Flags().StringSliceVarP(&findTags, "tag", "t", nil, "filter tag key=value ('*' asserts presence)")
	findCmd.Flags().StringVar(&findSince, "since", "", "window start: date or duration (P7D)")
	findCmd.Flags().StringVar(&findUntil, "until", "", "window end: date or duration")
	findCmd.Flags().IntVarP(&findLimit, "limit", "n", 10, "maximum results")
	findCmd.Flags().BoolVar(&findFulltext, "fulltext", false, "substring match instead of semantic")
	findCmd.Flags().BoolVar(&findSystem, "system", false, "include system documents")
	findCmd.Flags().BoolVar(&findDeep, "deep", false, "expand along edges and similar items")

	rootCmd.AddCommand(findCmd)
}

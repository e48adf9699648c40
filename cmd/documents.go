// documents.go defines the document lifecycle commands: put, get, tag, rm,
// revert, versions, list.

package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hughpyle/keep/internal/keeper"
)

var (
	putID      string
	putURI     string
	putSummary string
	putTags    []string

	getTags []string

	rmVersions bool

	listSystem bool
	listLimit  int

	versionsDiff bool
)

var putCmd = &cobra.Command{
	Use:   "put [content]",
	Short: "Store content or a URI",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := engine()
		if err != nil {
			return err
		}
		content := ""
		if len(args) > 0 {
			content = args[0]
		}
		tags, err := parseTagArgs(putTags)
		if err != nil {
			return err
		}
		doc, err := e.keeper.Put(ctx(cmd), keeper.PutRequest{
			ID:      putID,
			Content: content,
			URI:     putURI,
			Summary: putSummary,
			Tags:    tags,
		})
		if err != nil {
			return err
		}
		return printJSON(doc.ToJSON(nil, nil))
	},
}

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Retrieve a document with its context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := engine()
		if err != nil {
			return err
		}
		tags, err := parseTagArgs(getTags)
		if err != nil {
			return err
		}
		view, err := e.keeper.Get(ctx(cmd), args[0], tags)
		if err != nil {
			return err
		}
		return printJSON(view)
	},
}

var tagCmd = &cobra.Command{
	Use:   "tag <id> key=value...",
	Short: "Set or delete tags (empty value deletes)",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := engine()
		if err != nil {
			return err
		}
		tags, err := parseTagArgs(args[1:])
		if err != nil {
			return err
		}
		doc, err := e.keeper.Tag(ctx(cmd), args[0], tags)
		if err != nil {
			return err
		}
		return printJSON(doc.ToJSON(nil, nil))
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := engine()
		if err != nil {
			return err
		}
		existed, err := e.keeper.Delete(ctx(cmd), args[0], rmVersions)
		if err != nil {
			return err
		}
		return printJSON(map[string]bool{"deleted": existed})
	},
}

var revertCmd = &cobra.Command{
	Use:   "revert <id>",
	Short: "Promote the previous version back to current",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := engine()
		if err != nil {
			return err
		}
		doc, err := e.keeper.Revert(ctx(cmd), args[0])
		if err != nil {
			return err
		}
		if doc == nil {
			return printJSON(map[string]string{"result": "no versions to revert to"})
		}
		return printJSON(doc.ToJSON(nil, nil))
	},
}

var versionsCmd = &cobra.Command{
	Use:   "versions <id>",
	Short: "List a document's version history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := engine()
		if err != nil {
			return err
		}
		if versionsDiff {
			diff, err := e.keeper.DiffVersions(ctx(cmd), args[0], 1, 0)
			if err != nil {
				return err
			}
			fmt.Println(diff)
			return nil
		}
		versions, err := e.keeper.ListVersions(ctx(cmd), args[0])
		if err != nil {
			return err
		}
		return printJSON(versions)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List documents, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := engine()
		if err != nil {
			return err
		}
		docs, err := e.keeper.List(ctx(cmd), listSystem, listLimit)
		if err != nil {
			return err
		}
		out := make([]any, 0, len(docs))
		for i := range docs {
			out = append(out, docs[i].ToJSON(nil, nil))
		}
		return printJSON(out)
	},
}

// parseTagArgs turns key=value arguments into a tag map.
func parseTagArgs(args []string) (map[string]string, error) {
	if len(args) == 0 {
		return nil, nil
	}
	tags := make(map[string]string, len(args))
	for _, arg := range args {
		eq := strings.Index(arg, "=")
		if eq <= 0 {
			return nil, fmt.Errorf("bad tag %q (want key=value)", arg)
		}
		tags[arg[:eq]] = arg[eq+1:]
	}
	return tags, nil
}

func init() {
	putCmd.Flags().StringVar(&putID, "id", "", "explicit document id")
	putCmd.Flags().StringVar(&putURI, "uri", "", "fetch content from a URI")
	putCmd.Flags().StringVar(&putSummary, "summary", "", "caller-supplied summary")
	putCmd.Flags().StringSliceVarP(&putTags, "tag", "t", nil, "tag key=value (repeatable)")

	getCmd.Flags().StringSliceVarP(&getTags, "tag", "t", nil, "require tag key=value")

	rmCmd.Flags().BoolVar(&rmVersions, "versions", false, "also delete archived versions")

	listCmd.Flags().BoolVar(&listSystem, "system", false, "include system documents")
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 50, "maximum results")

	versionsCmd.Flags().BoolVar(&versionsDiff, "diff", false, "diff previous version against current")

	rootCmd.AddCommand(putCmd, getCmd, tagCmd, rmCmd, revertCmd, versionsCmd, listCmd)
}

// now.go defines the intentions commands: now (read), now set, and move.

package cmd

import (
	"github.com/spf13/cobra"
)

var (
	nowScope    string
	nowTags     []string
	moveSource  string
	moveTags    []string
	moveCurrent bool
)

var nowCmd = &cobra.Command{
	Use:   "now [content]",
	Short: "Read or set the current intentions",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := engine()
		if err != nil {
			return err
		}
		if len(args) == 0 {
			doc, err := e.keeper.GetNow(ctx(cmd), nowScope)
			if err != nil {
				return err
			}
			return printJSON(doc.ToJSON(nil, nil))
		}
		tags, err := parseTagArgs(nowTags)
		if err != nil {
			return err
		}
		doc, err := e.keeper.SetNow(ctx(cmd), nowScope, args[0], tags)
		if err != nil {
			return err
		}
		return printJSON(doc.ToJSON(nil, nil))
	},
}

var moveCmd = &cobra.Command{
	Use:   "move <target>",
	Short: "Move a document's states (default source: now)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := engine()
		if err != nil {
			return err
		}
		tags, err := parseTagArgs(moveTags)
		if err != nil {
			return err
		}
		moved, err := e.keeper.Move(ctx(cmd), args[0], moveSource, tags, moveCurrent)
		if err != nil {
			return err
		}
		return printJSON(map[string]int{"moved": moved})
	},
}

func init() {
	nowCmd.Flags().StringVar(&nowScope, "scope", "", "intentions scope (now:<scope>)")
	nowCmd.Flags().StringSliceVarP(&nowTags, "tag", "t", nil, "tag key=value (repeatable)")

	moveCmd.Flags().StringVar(&moveSource, "from", "", "source document (default now)")
	moveCmd.Flags().StringSliceVarP(&moveTags, "tag", "t", nil, "move only states matching key=value")
	moveCmd.Flags().BoolVar(&moveCurrent, "only-current", false, "move the current state only")

	rootCmd.AddCommand(nowCmd, moveCmd)
}

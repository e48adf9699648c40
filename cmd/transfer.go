// transfer.go defines export, import, worker, analyze, and stats commands.

package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/hughpyle/keep/internal/keeper"
)

var (
	exportSystem  bool
	importReplace bool
	analyzeGuide  []string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Stream the store as keep-export JSON to stdout",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := engine()
		if err != nil {
			return err
		}
		return e.keeper.Export(ctx(cmd), os.Stdout, exportSystem)
	},
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Read a keep-export stream from stdin",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := engine()
		if err != nil {
			return err
		}
		mode := keeper.ImportMerge
		if importReplace {
			mode = keeper.ImportReplace
		}
		stats, err := e.keeper.Import(ctx(cmd), os.Stdin, mode)
		if err != nil {
			return err
		}
		return printJSON(stats)
	},
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <id>",
	Short: "Decompose a document into parts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := engine()
		if err != nil {
			return err
		}
		if err := e.keeper.Analyze(ctx(cmd), args[0], analyzeGuide); err != nil {
			return err
		}
		return printJSON(map[string]string{"status": "enqueued"})
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background worker pool until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := engine()
		if err != nil {
			return err
		}
		e.pool.Run(ctx(cmd))
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store, queue, and index statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := engine()
		if err != nil {
			return err
		}
		stats, err := e.keeper.Stats(ctx(cmd))
		if err != nil {
			return err
		}
		return printJSON(stats)
	},
}

func init() {
	exportCmd.Flags().BoolVar(&exportSystem, "system", false, "include system documents")
	importCmd.Flags().BoolVar(&importReplace, "replace", false, "replace existing documents")
	analyzeCmd.Flags().StringSliceVar(&analyzeGuide, "guide", nil, "guide tag keys for analysis")

	rootCmd.AddCommand(exportCmd, importCmd, analyzeCmd, workerCmd, statsCmd)
}

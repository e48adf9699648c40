// root.go defines the root command and CLI execution entry point.
//
// The CLI is deliberately thin packaging over the keeper facade: every
// command parses flags, calls one keeper method, and prints JSON. Richer
// shells and adapters live outside this repository and talk to the same
// facade.

package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hughpyle/keep/internal/audit"
	"github.com/hughpyle/keep/internal/store"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "keep",
	Short: "Reflective memory store with semantic search",
	Long:  `A content-addressed, versioned document store coupled with an embedding index: put text or URIs, retrieve with semantic, lexical, or tag-filtered queries.`,
	Run: func(cmd *cobra.Command, _ []string) {
		_ = cmd.Help()
	},
}

// Execute runs the root command and handles process lifecycle: engine
// teardown and exit code 1 on error.
func Execute() {
	defer func() {
		closeEngine()
		audit.Close()
	}()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "keep:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

// logger builds the diagnostic logger for the process.
func logger() zerolog.Logger {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
}

// printJSON renders a value for the user.
func printJSON(v any) error {
	b, err := store.MarshalJSON(v)
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

// ctx returns the command context.
func ctx(cmd *cobra.Command) context.Context {
	return cmd.Context()
}

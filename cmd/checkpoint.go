package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leftmike/mvstore/config"
	"github.com/leftmike/mvstore/engine"
)

func init() {
	mvstoreCmd.AddCommand(
		&cobra.Command{
			Use:   "checkpoint",
			Short: "Recover the data directory, save a snapshot, and empty the write-ahead log",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(
					func(e *engine.Engine) error {
						err := e.Checkpoint(context.Background())
						if err != nil {
							return err
						}
						fmt.Fprintf(cmd.OutOrStdout(), "checkpoint of %s done\n", cfg.DataDir)
						return nil
					})
			},
		})

	mvstoreCmd.AddCommand(
		&cobra.Command{
			Use:   "config",
			Short: "Print the config parameters",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				config.List(cmd.OutOrStdout(), mvstoreCmd.PersistentFlags())
			},
		})

	mvstoreCmd.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number of mvstore",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), Version)
			},
		})
}

const Version = "mvstore 0.1.0"

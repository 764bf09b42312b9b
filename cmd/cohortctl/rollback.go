package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var rollbackHeight int64

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Discard every series record and checkpoint above --height",
	Long: `Truncates the local stores so that --height is the last kept height.
The daemon must be stopped. On its next start it resumes from the newest
checkpoint at or below the kept height and truncates Postgres to match.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if rollbackHeight < 0 {
			return errors.New("--height is required")
		}

		db, series, _, err := openStores()
		if err != nil {
			return err
		}
		defer db.Close()

		res, err := series.RollbackBefore(uint64(rollbackHeight) + 1)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "rolled back to height %d: %d series truncated, %d records and %d checkpoints removed\n",
			rollbackHeight, res.SeriesTruncated, res.RecordsRemoved, res.CheckpointsRemoved)
		return nil
	},
}

func init() {
	rollbackCmd.Flags().Int64Var(&rollbackHeight, "height", -1, "last height to keep")
	rootCmd.AddCommand(rollbackCmd)
}

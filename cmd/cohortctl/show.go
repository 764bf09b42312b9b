package main

import (
	"CohortLedger/internal/query"
	"encoding/json"

	"github.com/spf13/cobra"
)

var (
	showCohort string
	showLimit  int
	showBefore int64
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Print a cohort's newest records from Postgres",
	RunE: func(cmd *cobra.Command, _ []string) error {
		db, err := openPostgres(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		var before *int64
		if showBefore >= 0 {
			before = &showBefore
		}
		rows, err := query.NewQueryService(db, nil).GetCohortHistory(cmd.Context(), showCohort, showLimit, before)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	},
}

func init() {
	showCmd.Flags().StringVarP(&showCohort, "cohort", "c", "all", "cohort id")
	showCmd.Flags().IntVarP(&showLimit, "limit", "n", 10, "number of heights")
	showCmd.Flags().Int64Var(&showBefore, "before", -1, "only heights below this one")
	rootCmd.AddCommand(showCmd)
}

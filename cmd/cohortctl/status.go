package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print series lengths, the min consistent height and checkpoints",
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := cmd.OutOrStdout()
		db, series, checkpoints, err := openStores()
		if err != nil {
			return err
		}
		defer db.Close()

		names, err := series.Series()
		if err != nil {
			return err
		}
		minHeight, err := series.MinConsistentHeight(names)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SERIES\tLENGTH")
		for _, name := range names {
			n, err := series.Len(name)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s\t%d\n", name, n)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(out, "\nmin consistent height: %d\n\n", minHeight)

		heights, err := checkpoints.Heights()
		if err != nil {
			return err
		}
		if len(heights) == 0 {
			fmt.Fprintln(out, "no checkpoints")
			return nil
		}

		w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CHECKPOINT\tID\tBLOCK\tSTATE HASH\tCOHORTS")
		for _, h := range heights {
			hdr, err := checkpoints.Header(h)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\n", h, hdr.ID, hdr.Chain.BlockHash, hdr.Chain.StateHash, len(hdr.Cohorts))
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

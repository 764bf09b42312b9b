package main

import (
	"CohortLedger/internal/persistence"
	"CohortLedger/migrations"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the Postgres output schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		m, closeDB, err := newMigrator(cmd)
		if err != nil {
			return err
		}
		defer closeDB()

		n, err := m.Up(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the newest migration",
	RunE: func(cmd *cobra.Command, _ []string) error {
		m, closeDB, err := newMigrator(cmd)
		if err != nil {
			return err
		}
		defer closeDB()

		ok, err := m.Down(cmd.Context())
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(cmd.OutOrStdout(), "no migrations to roll back")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), "rolled back the newest migration")
		return nil
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List migrations and when they were applied",
	RunE: func(cmd *cobra.Command, _ []string) error {
		m, closeDB, err := newMigrator(cmd)
		if err != nil {
			return err
		}
		defer closeDB()

		statuses, err := m.Status(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "VERSION\tFILE\tAPPLIED")
		for _, s := range statuses {
			applied := "pending"
			if s.AppliedAt != nil {
				applied = s.AppliedAt.UTC().Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", s.Version, s.Filename, applied)
		}
		return w.Flush()
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd)
	rootCmd.AddCommand(migrateCmd)
}

func newMigrator(cmd *cobra.Command) (*persistence.Migrator, func(), error) {
	db, err := openPostgres(cmd)
	if err != nil {
		return nil, nil, err
	}
	return persistence.NewMigrator(db, migrations.FS, logger("migrator")), func() { db.Close() }, nil
}

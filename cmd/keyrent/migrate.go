package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/coachpo/keyrent/internal/storage"
)

func newMigrateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the storage schema",
		Long: `Apply or roll back the storage schema. SQLite stores migrate themselves
when opened; rollback is only available for PostgreSQL.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: a.runE(func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			switch a.cfg.Storage.Backend {
			case storage.BackendPostgres:
				if err := storage.MigratePostgres(ctx, a.cfg.Storage.DSN); err != nil {
					return err
				}
			case storage.BackendSQLite:
				if _, err := a.openStore(ctx); err != nil {
					return err
				}
			default:
				fmt.Fprintf(a.out, "%s storage has no schema\n", a.cfg.Storage.Backend)
				return nil
			}
			fmt.Fprintf(a.out, "%s storage schema up to date\n", a.cfg.Storage.Backend)
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down [steps]",
		Short: "Roll back migrations (default 1 step)",
		Args:  cobra.MaximumNArgs(1),
		RunE: a.runE(func(cmd *cobra.Command, args []string) error {
			if a.cfg.Storage.Backend != storage.BackendPostgres {
				return fmt.Errorf("rollback requires the postgres backend, not %s", a.cfg.Storage.Backend)
			}
			steps := 1
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid down steps %q: %w", args[0], err)
				}
				steps = n
			}
			if err := storage.RollbackPostgres(cmd.Context(), a.cfg.Storage.DSN, steps); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "rolled back %d migration(s)\n", steps)
			return nil
		}),
	})
	return cmd
}

package cli

import (
	"fmt"

	"github.com/kiranshivaraju/corpusflow/internal/config"
	"github.com/kiranshivaraju/corpusflow/internal/store"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back schema migrations",
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", "", "migrations directory (default from config)")

	databaseURL := func() (string, string, error) {
		cfg, err := config.Load()
		if err != nil {
			return "", "", fmt.Errorf("load config: %w", err)
		}
		if dir != "" {
			return cfg.Database.URL, dir, nil
		}
		return cfg.Database.URL, cfg.Database.MigrationsDir, nil
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			url, d, err := databaseURL()
			if err != nil {
				return err
			}
			if err := store.RunMigrations(url, d); err != nil {
				return err
			}
			return printVersion(cmd, url, d)
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back applied migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			url, d, err := databaseURL()
			if err != nil {
				return err
			}
			if err := store.RollbackMigrations(url, d, steps); err != nil {
				return err
			}
			return printVersion(cmd, url, d)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	version := &cobra.Command{
		Use:   "version",
		Short: "Show the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			url, d, err := databaseURL()
			if err != nil {
				return err
			}
			return printVersion(cmd, url, d)
		},
	}

	cmd.AddCommand(up, down, version)
	return cmd
}

func printVersion(cmd *cobra.Command, url, dir string) error {
	v, dirty, err := store.MigrationVersion(url, dir)
	if err != nil {
		return err
	}
	if dirty {
		fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty)\n", v)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", v)
	return nil
}

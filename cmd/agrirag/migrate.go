package main

import (
	"github.com/agrichat/knowledge/internal/runtime"
	"github.com/agrichat/knowledge/internal/store"
	"github.com/spf13/cobra"
)

func migrateCMD(load loader) *cobra.Command {
	var source string
	var direction string
	var steps int

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			dsn, err := runtime.BuildPostgresDSN(cfg)
			if err != nil {
				return err
			}
			return store.Migrate(source, dsn, direction, steps)
		},
	}
	migrate.Flags().StringVar(&source, "dir", "", "migrations source such as file://migrations (default: embedded)")
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	return migrate
}

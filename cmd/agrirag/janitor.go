package main

import (
	"context"
	"log"
	"os"

	"github.com/agrichat/knowledge/internal/runtime"
	"github.com/spf13/cobra"
)

func janitorCMD(load loader) *cobra.Command {
	var once bool
	janitor := &cobra.Command{
		Use:   "janitor",
		Short: "Fail documents whose ingestion was abandoned",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			deps, err := runtime.Bootstrap(ctx, cfg, "agrirag-janitor")
			if err != nil {
				return err
			}
			defer deps.Close(context.Background())

			j, err := deps.Janitor(log.New(os.Stdout, "[JANITOR] ", log.LstdFlags))
			if err != nil {
				return err
			}
			if once {
				_, err := j.Sweep(ctx)
				return err
			}
			return j.Run(ctx)
		},
	}
	janitor.Flags().BoolVar(&once, "once", false, "sweep once and exit")
	return janitor
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/agrichat/knowledge/config"
	"github.com/agrichat/knowledge/internal/runtime"
	"github.com/spf13/cobra"
)

func main() {
	var cfgPath string
	root := &cobra.Command{
		Use:           "agrirag",
		Short:         "Document ingestion and semantic retrieval for the agricultural assistant",
		Version:       runtime.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default searches ./config and .)")
	load := func() (*config.Config, error) { return config.Load(cfgPath) }

	root.AddCommand(
		serveCMD(load),
		workerCMD(load),
		janitorCMD(load),
		migrateCMD(load),
		mcpCMD(load),
		searchCMD(load),
		tokenCMD(load),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		cancel()
		os.Exit(1)
	}
}

type loader func() (*config.Config, error)

package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/agrichat/knowledge/internal/runtime"
	"github.com/agrichat/knowledge/mcp"
	"github.com/spf13/cobra"
)

func mcpCMD(load loader) *cobra.Command {
	var transport string
	var addr string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve knowledge search to MCP clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			// stdout carries the protocol on stdio
			log.SetOutput(os.Stderr)
			ctx := cmd.Context()
			deps, err := runtime.Bootstrap(ctx, cfg, "agrirag-mcp")
			if err != nil {
				return err
			}
			defer deps.Close(context.Background())

			srv, err := mcp.NewServer(cfg.MCP.Name, runtime.Version, deps.Retrieval(nil), deps.Store)
			if err != nil {
				return err
			}
			if transport == "" {
				transport = cfg.MCP.Transport
			}
			if addr == "" {
				addr = cfg.MCP.Address
			}
			switch transport {
			case "stdio", "":
				return srv.Run(ctx)
			case "http":
				log.Printf("mcp listening on %s", addr)
				return srv.RunHTTP(ctx, addr)
			default:
				return fmt.Errorf("unknown mcp transport %q", transport)
			}
		},
	}
	cmd.Flags().StringVar(&transport, "transport", "", "stdio or http (overrides mcp.transport)")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address for http transport (overrides mcp.address)")
	return cmd
}

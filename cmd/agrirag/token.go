package main

import (
	"fmt"
	"time"

	"github.com/agrichat/knowledge/internal/runtime"
	"github.com/spf13/cobra"
)

func tokenCMD(load loader) *cobra.Command {
	var ttl time.Duration
	var admin bool
	var scopes []string

	token := &cobra.Command{
		Use:   "token <subject>",
		Short: "Issue a signed API token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			secret, err := runtime.LoadJWTSecret(cfg)
			if err != nil {
				return err
			}
			if admin {
				scopes = append(scopes, cfg.Server.AdminScope)
			}
			tok, err := runtime.SignJWT(args[0], secret, ttl, scopes...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	token.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	token.Flags().BoolVar(&admin, "admin", false, "grant the admin scope")
	token.Flags().StringSliceVar(&scopes, "scope", nil, "additional scopes")
	return token
}

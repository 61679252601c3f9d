package main

import (
	"fmt"
	"hearth/internal/config"
	"hearth/internal/core/services"
	"hearth/internal/plugins/sqldb"

	"github.com/spf13/cobra"
)

func newTokenCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "token <user_id>",
		Short: "Mint a gateway token for an existing user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			db, err := sqldb.New(cmd.Context(), cfg.Storage)
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer db.Close()
			if _, err := sqldb.NewUserRepository(db).GetUserByID(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("lookup user %s: %w", args[0], err)
			}
			tokens := services.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
			token, err := tokens.GenerateToken(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}

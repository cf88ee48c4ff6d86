package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"lucasmed.com/chat-engine/internal/auth"
	"lucasmed.com/chat-engine/internal/config"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print an access token for a user",
	Long: `Signs an HS256 token with JWT_SECRET. The user id is also the id of the
user's conversation. Meant for development; production tokens come from the
identity provider.`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().String("user", "", "User id (token subject)")
	tokenCmd.Flags().Duration("ttl", auth.DefaultTTL, "Token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.RequireJWTSecret(); err != nil {
		return err
	}

	user, _ := cmd.Flags().GetString("user")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	issuer, err := auth.NewIssuer(cfg.JWTSecret, ttl)
	if err != nil {
		return err
	}
	token, err := issuer.Issue(user)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tagmanager/internal/config"
	"tagmanager/internal/security"
)

var (
	tokenSubject string
	tokenSecret  string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print an operator token for the control API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, ttl := tokenSecret, tokenTTL
		if secret == "" {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			secret = cfg.Security.AdminSecret
			if ttl == 0 {
				ttl = cfg.Security.AdminTTL
			}
		}
		if ttl == 0 {
			ttl = time.Hour
		}

		token, err := security.GenerateOperatorToken(secret, tokenSubject, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "operator", "token subject")
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "signing secret (default: security.adminsecret)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default: security.adminttl)")
}

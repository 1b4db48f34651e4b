package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/conductor/internal/server"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for the control API",
	Long: `Token signs an HS256 bearer token with server.jwt_secret. Pass it to the
API in an "Authorization: Bearer <token>" header.`,
	Args: cobra.NoArgs,
	RunE: runToken,
}

var (
	tokenSubject string
	tokenTTL     time.Duration
	tokenRoles   []string
)

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "Token subject, recorded as the actor of requests (required)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
	tokenCmd.Flags().StringSliceVar(&tokenRoles, "role", nil, "Roles to embed in the token")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Server.JWTSecret == "" {
		return fmt.Errorf("server.jwt_secret is not set; set it in the config file or CONDUCTOR_SERVER_JWT_SECRET")
	}
	token, err := server.IssueToken(cfg.Server.JWTSecret, tokenSubject, tokenTTL, tokenRoles...)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

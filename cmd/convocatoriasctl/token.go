package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"convocatorias/internal/auth"
)

var (
	tokenUser   string
	tokenEmail  string
	tokenScopes []string
	tokenTTL    time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a signed bearer token for a user",
	Long: `Signs an HS256 bearer token with the configured signing key.
Intended for local development and smoke tests against the API.`,
	Args: cobra.NoArgs,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id placed in the sub claim")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "optional email claim")
	tokenCmd.Flags().StringSliceVar(&tokenScopes, "scope", nil, "scopes to include (default: the configured auth.ai_scope)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, _ []string) error {
	if strings.TrimSpace(tokenUser) == "" {
		return errors.New("--user is required")
	}
	scopes := tokenScopes
	if !cmd.Flags().Changed("scope") && cfg.Auth.AIScope != "" {
		scopes = []string{cfg.Auth.AIScope}
	}
	issued, err := auth.NewService(cfg).IssueToken(tokenUser, tokenEmail, scopes, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), issued.Token)
	return nil
}

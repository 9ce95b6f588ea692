package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/socialpulse/socialpulse/internal/api"
	"github.com/socialpulse/socialpulse/internal/config"
	"github.com/socialpulse/socialpulse/internal/vault"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a credential encryption key",
	Long: `Print a new base64 encoded 32-byte key for credentials.encryption_key
(or SOCIALPULSE_ENCRYPTION_KEY). Changing the key makes previously stored
credentials unreadable.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := vault.GenerateKey()
		if err != nil {
			return fmt.Errorf("failed to generate key: %w", err)
		}
		if globalFlags.JSON {
			return printJSON(cmd.OutOrStdout(), map[string]string{"encryption_key": key})
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

var apiTokenFlags struct {
	Subject string
	TTL     time.Duration
}

var apiTokenCmd = &cobra.Command{
	Use:   "api-token",
	Short: "Issue a bearer token for the HTTP API",
	Long: `Issue an HS256 token signed with api.auth.secret. Requires
api.auth.type: jwt.

Example:
  socialpulse api-token --subject dashboard --ttl 720h`,
	Args: cobra.NoArgs,
	RunE: runAPIToken,
}

func init() {
	apiTokenCmd.Flags().StringVar(&apiTokenFlags.Subject, "subject", "cli", "Token subject")
	apiTokenCmd.Flags().DurationVar(&apiTokenFlags.TTL, "ttl", 24*time.Hour, "Token lifetime")

	RootCmd.AddCommand(keygenCmd, apiTokenCmd)
}

func runAPIToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	auth := cfg.API.Auth
	if auth.Type != config.AuthJWT {
		return fmt.Errorf("api.auth.type is %q, tokens are only accepted with %q", auth.Type, config.AuthJWT)
	}

	token, err := api.IssueToken(auth.Secret, auth.Issuer, apiTokenFlags.Subject, apiTokenFlags.TTL)
	if err != nil {
		return err
	}
	if globalFlags.JSON {
		return printJSON(cmd.OutOrStdout(), map[string]interface{}{
			"token":      token,
			"subject":    apiTokenFlags.Subject,
			"expires_at": time.Now().Add(apiTokenFlags.TTL).UTC(),
		})
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

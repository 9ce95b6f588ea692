package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:     "token",
	Aliases: []string{"credential"},
	Short:   "Store or revoke account credentials",
}

var tokenFlags struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
	Scope        string
}

var tokenSaveCmd = &cobra.Command{
	Use:   "save <account-id>",
	Short: "Encrypt and store an access token for an account",
	Long: `Encrypt and store an access token for an account.

Pass --access-token - to read the token from stdin so it stays out of the
shell history. Without --expires-in the token is treated as non-expiring.

Example:
  socialpulse token save ig-main --access-token - --expires-in 1440h < token.txt`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(runTokenSave),
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke <account-id>",
	Short: "Erase the stored credential of an account",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runTokenRevoke),
}

func init() {
	tokenSaveCmd.Flags().StringVar(&tokenFlags.AccessToken, "access-token", "", `Access token, or "-" to read it from stdin`)
	tokenSaveCmd.Flags().StringVar(&tokenFlags.RefreshToken, "refresh-token", "", "Refresh token")
	tokenSaveCmd.Flags().DurationVar(&tokenFlags.ExpiresIn, "expires-in", 0, "Token lifetime from now (0 = never expires)")
	tokenSaveCmd.Flags().StringVar(&tokenFlags.Scope, "scope", "", "Granted scope")
	_ = tokenSaveCmd.MarkFlagRequired("access-token")

	tokenCmd.AddCommand(tokenSaveCmd, tokenRevokeCmd)
	RootCmd.AddCommand(tokenCmd)
}

func runTokenSave(cmd *cobra.Command, args []string, a *app) error {
	access := tokenFlags.AccessToken
	if access == "-" {
		var err error
		if access, err = readSecret(cmd.InOrStdin()); err != nil {
			return err
		}
	}
	if strings.TrimSpace(access) == "" {
		return fmt.Errorf("access token is empty")
	}
	if tokenFlags.ExpiresIn < 0 {
		return fmt.Errorf("--expires-in must not be negative")
	}

	if err := a.creds.Save(commandContext(cmd), args[0], access, tokenFlags.RefreshToken, tokenFlags.ExpiresIn, tokenFlags.Scope); err != nil {
		return fmt.Errorf("account %s: %w", args[0], err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Credential stored for %s\n", args[0])
	return nil
}

func runTokenRevoke(cmd *cobra.Command, args []string, a *app) error {
	if err := a.creds.Revoke(commandContext(cmd), args[0]); err != nil {
		return fmt.Errorf("account %s: %w", args[0], err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Credential revoked for %s\n", args[0])
	return nil
}

// readSecret reads the first line of r.
func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read token from stdin: %w", err)
	}
	return strings.TrimSpace(line), nil
}

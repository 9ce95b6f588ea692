package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/socialpulse/socialpulse/internal/models"
)

var accountsCmd = &cobra.Command{
	Use:     "accounts",
	Aliases: []string{"account", "acc"},
	Short:   "Manage tracked accounts",
}

var addFlags struct {
	ID       string
	Name     string
	Inactive bool
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked accounts",
	Args:  cobra.NoArgs,
	RunE:  withApp(runAccountsList),
}

var accountsAddCmd = &cobra.Command{
	Use:   "add <platform> <external-id|url>",
	Short: "Track a new account",
	Long: `Track a new account. The second argument is stored as the profile URL
when it starts with http:// or https://, otherwise as the platform's
external ID (handle, channel ID, username).

Example:
  socialpulse accounts add bluesky alice.bsky.social
  socialpulse accounts add youtube https://www.youtube.com/@channel --name "Main channel"`,
	Args: cobra.ExactArgs(2),
	RunE: withApp(runAccountsAdd),
}

var accountsActivateCmd = &cobra.Command{
	Use:   "activate <id>",
	Short: "Include an account in collection runs",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(setActive(true)),
}

var accountsDeactivateCmd = &cobra.Command{
	Use:   "deactivate <id>",
	Short: "Exclude an account from collection runs, keeping its history",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(setActive(false)),
}

var accountsRemoveCmd = &cobra.Command{
	Use:     "remove <id>",
	Aliases: []string{"rm"},
	Short:   "Delete an account that has no snapshots",
	Args:    cobra.ExactArgs(1),
	RunE:    withApp(runAccountsRemove),
}

func init() {
	accountsAddCmd.Flags().StringVar(&addFlags.ID, "id", "", "Account ID (default: generated)")
	accountsAddCmd.Flags().StringVar(&addFlags.Name, "name", "", "Display name")
	accountsAddCmd.Flags().BoolVar(&addFlags.Inactive, "inactive", false, "Add the account deactivated")

	accountsCmd.AddCommand(accountsListCmd, accountsAddCmd, accountsActivateCmd, accountsDeactivateCmd, accountsRemoveCmd)
	RootCmd.AddCommand(accountsCmd)
}

// accountRow is the list view of an account. Tokens are never printed.
type accountRow struct {
	*models.Account
	HasCredential       bool       `json:"has_credential"`
	CredentialExpiresAt *time.Time `json:"credential_expires_at,omitempty"`
}

func toAccountRow(acc *models.Account) accountRow {
	row := accountRow{Account: acc, HasCredential: acc.HasCredential()}
	if row.HasCredential && !acc.Credential.NeverExpires() {
		exp := acc.Credential.ExpiresAt
		row.CredentialExpiresAt = &exp
	}
	return row
}

func runAccountsList(cmd *cobra.Command, _ []string, a *app) error {
	accounts, err := a.store.ListAccounts(commandContext(cmd))
	if err != nil {
		return fmt.Errorf("failed to list accounts: %w", err)
	}
	rows := make([]accountRow, 0, len(accounts))
	for _, acc := range accounts {
		rows = append(rows, toAccountRow(acc))
	}

	out := cmd.OutOrStdout()
	if globalFlags.JSON {
		return printJSON(out, rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(out, "No accounts. Add one with: socialpulse accounts add <platform> <id-or-url>")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPLATFORM\tACCOUNT\tACTIVE\tCREDENTIAL\tUPDATED")
	for _, r := range rows {
		cred := "-"
		switch {
		case r.CredentialExpiresAt != nil:
			cred = "expires " + formatTime(*r.CredentialExpiresAt)
		case r.HasCredential:
			cred = "never expires"
		}
		ref := r.ExternalID
		if ref == "" {
			ref = r.URL
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n", r.ID, r.Platform, ref, r.Active, cred, formatTime(r.UpdatedAt))
	}
	return w.Flush()
}

func runAccountsAdd(cmd *cobra.Command, args []string, a *app) error {
	platform := models.NormalizePlatform(args[0])
	if err := a.requirePlatform(platform); err != nil {
		return err
	}

	acc := &models.Account{
		ID:          addFlags.ID,
		Platform:    platform,
		DisplayName: addFlags.Name,
		Active:      !addFlags.Inactive,
	}
	ref := strings.TrimSpace(args[1])
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		acc.URL = ref
	} else {
		acc.ExternalID = ref
	}
	if acc.ID == "" {
		acc.ID = uuid.NewString()
	}
	if err := acc.Validate(); err != nil {
		return err
	}

	ctx := commandContext(cmd)
	if err := a.store.CreateAccount(ctx, acc); err != nil {
		return fmt.Errorf("failed to add account: %w", err)
	}
	if globalFlags.JSON {
		stored, err := a.store.GetAccount(ctx, acc.ID)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), toAccountRow(stored))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added account %s (%s)\n", acc.ID, acc.Label())
	return nil
}

func setActive(active bool) appRunE {
	return func(cmd *cobra.Command, args []string, a *app) error {
		if err := a.store.SetAccountActive(commandContext(cmd), args[0], active); err != nil {
			return fmt.Errorf("account %s: %w", args[0], err)
		}
		state := "deactivated"
		if active {
			state = "activated"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Account %s %s\n", args[0], state)
		return nil
	}
}

func runAccountsRemove(cmd *cobra.Command, args []string, a *app) error {
	if err := a.store.DeleteAccount(commandContext(cmd), args[0]); err != nil {
		return fmt.Errorf("account %s: %w", args[0], err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Account %s removed\n", args[0])
	return nil
}

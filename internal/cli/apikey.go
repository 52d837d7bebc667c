package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/corpusflow/internal/api/middleware"
	"github.com/kiranshivaraju/corpusflow/pkg/models"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

const keyPrefix = "cf_"

var defaultScopes = []string{"read", "write"}

func newAPIKeyCmd(r *root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Create, list and revoke API keys",
	}

	var (
		owner  string
		name   string
		scopes []string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key and print it once",
		Long: `Create an API key for an owner. The raw key is printed once and only its
bcrypt hash is stored.

Examples:
  corpusctl apikey create --owner team-a --name ci
  corpusctl apikey create --owner ops --name admin --scope read --scope write --scope admin`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := r.get(cmd.Context())
			if err != nil {
				return err
			}
			raw := newRawKey()
			hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("hash key: %w", err)
			}
			key := &models.APIKey{
				ID:        uuid.New(),
				OwnerID:   owner,
				Name:      name,
				KeyHash:   string(hash),
				KeyPrefix: raw[:mw.KeyPrefixLen],
				Scopes:    scopes,
			}
			if err := app.Store.CreateAPIKey(cmd.Context(), key); err != nil {
				return fmt.Errorf("create api key: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Created key %s for %s (scopes: %s)\n", key.ID, owner, strings.Join(scopes, ","))
			fmt.Fprintf(out, "Key: %s\n", raw)
			fmt.Fprintln(out, "Store it now, it cannot be shown again.")
			return nil
		},
	}
	create.Flags().StringVar(&owner, "owner", "", "owner id the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "human-readable key name")
	create.Flags().StringArrayVar(&scopes, "scope", defaultScopes, "granted scope (repeatable)")
	_ = create.MarkFlagRequired("owner")
	_ = create.MarkFlagRequired("name")

	var listOwner string
	list := &cobra.Command{
		Use:   "list",
		Short: "List an owner's active keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := r.get(cmd.Context())
			if err != nil {
				return err
			}
			keys, err := app.Store.ListAPIKeys(cmd.Context(), listOwner)
			if err != nil {
				return fmt.Errorf("list api keys: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(keys) == 0 {
				fmt.Fprintln(out, "No keys found")
				return nil
			}
			fmt.Fprintf(out, "%-36s %-10s %-16s %-20s %s\n", "ID", "PREFIX", "NAME", "SCOPES", "LAST USED")
			for _, k := range keys {
				lastUsed := "never"
				if k.LastUsedAt != nil {
					lastUsed = k.LastUsedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(out, "%-36s %-10s %-16s %-20s %s\n",
					k.ID, k.KeyPrefix, k.Name, strings.Join(k.Scopes, ","), lastUsed)
			}
			return nil
		},
	}
	list.Flags().StringVar(&listOwner, "owner", "", "owner id")
	_ = list.MarkFlagRequired("owner")

	var revokeOwner string
	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid key id %q: %w", args[0], err)
			}
			app, err := r.get(cmd.Context())
			if err != nil {
				return err
			}
			if err := app.Store.RevokeAPIKey(cmd.Context(), id, revokeOwner); err != nil {
				return fmt.Errorf("revoke api key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked key %s\n", id)
			return nil
		},
	}
	revoke.Flags().StringVar(&revokeOwner, "owner", "", "owner id")
	_ = revoke.MarkFlagRequired("owner")

	cmd.AddCommand(create, list, revoke)
	return cmd
}

// newRawKey returns cf_ followed by 64 hex characters from two random UUIDs.
func newRawKey() string {
	a, b := uuid.New(), uuid.New()
	return keyPrefix + strings.ReplaceAll(a.String()+b.String(), "-", "")
}

package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tjfontaine/llm-relay/internal/admission"
	"github.com/tjfontaine/llm-relay/internal/core/domain"
)

var (
	keygenUser string
	keygenPlan string
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an API key and its account entry",
	Long: `Generate a new API key and print the entry to add under "users" in the
account document. The key hash is what the usage ledger stores.`,
	RunE: func(c *cobra.Command, args []string) error {
		if limit := admission.ParsePlan(keygenPlan); limit != nil && *limit == 0 {
			return fmt.Errorf("plan %q allows no tokens", keygenPlan)
		}

		key := newAPIKey()
		entry := map[string]domain.Account{
			key: {
				Username: keygenUser,
				Plan:     keygenPlan,
				Enabled:  true,
			},
		}
		out, err := json.MarshalIndent(entry, "", "  ")
		if err != nil {
			return err
		}

		id := admission.Identity{APIKey: key}
		fmt.Fprintf(c.OutOrStdout(), "API Key: %s\n", key)
		fmt.Fprintf(c.OutOrStdout(), "SHA-256 Hash: %s\n", id.KeyHash())
		fmt.Fprintln(c.OutOrStdout(), "\nAdd this to the account document:")
		fmt.Fprintln(c.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVarP(&keygenUser, "user", "u", "", "account username")
	keygenCmd.Flags().StringVarP(&keygenPlan, "plan", "p", "unlimited", "plan, e.g. 500k, 1m or unlimited")
	_ = keygenCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(keygenCmd)
}

func newAPIKey() string {
	return "sk-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/llm-relay/internal/admission"
	"github.com/tjfontaine/llm-relay/internal/pkg/config"
	"github.com/tjfontaine/llm-relay/internal/storage/sqldb"
)

var (
	ledgerKey   string
	ledgerSince time.Duration
	ledgerLimit int
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Summarize recorded usage for an API key",
	RunE: func(c *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if !cfg.LedgerEnabled() {
			return fmt.Errorf("usage ledger is disabled (storage.type is %q)", cfg.Storage.Type)
		}

		store, err := sqldb.New(sqldb.Config{Driver: cfg.Storage.Type, DSN: cfg.Storage.DSN})
		if err != nil {
			return err
		}
		defer store.Close()

		id := admission.Identity{APIKey: ledgerKey}
		since := time.Now().Add(-ledgerSince).Unix()

		totals, err := store.Totals(c.Context(), id.KeyHash(), since)
		if err != nil {
			return fmt.Errorf("query totals: %w", err)
		}
		recent, err := store.Recent(c.Context(), id.KeyHash(), ledgerLimit)
		if err != nil {
			return fmt.Errorf("query recent: %w", err)
		}

		enc := json.NewEncoder(c.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"since":    time.Unix(since, 0).UTC().Format(time.RFC3339),
			"requests": totals.Requests,
			"tokens":   totals.Tokens,
			"recent":   recent,
		})
	},
}

func init() {
	ledgerCmd.Flags().StringVarP(&ledgerKey, "key", "k", "", "API key to report on")
	ledgerCmd.Flags().DurationVar(&ledgerSince, "since", 24*time.Hour, "window for the totals")
	ledgerCmd.Flags().IntVarP(&ledgerLimit, "limit", "n", 20, "number of recent requests to list")
	_ = ledgerCmd.MarkFlagRequired("key")
	rootCmd.AddCommand(ledgerCmd)
}

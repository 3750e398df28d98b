package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/kelpejol/paygate/internal/ledger"
)

// walletCmd creates the wallet command group
func (a *app) walletCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Wallet operations",
		Long:  "Inspect wallets, grant credit and verify balances against the ledger",
	}

	// wallet get
	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Get a user's wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user")

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			if err := a.connect(ctx); err != nil {
				return err
			}

			w, err := a.ledger.Wallet(ctx, userID)
			if err != nil {
				return fmt.Errorf("failed to get wallet: %w", err)
			}
			return a.render(cmd.OutOrStdout(), w, walletHeader, [][]string{walletRow(w)})
		},
	}
	getCmd.Flags().String("user", "", "User ID (required)")
	getCmd.MarkFlagRequired("user")

	// wallet list
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List wallets",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := a.connect(ctx); err != nil {
				return err
			}

			wallets, err := a.ledger.Wallets(ctx, limit, offset)
			if err != nil {
				return fmt.Errorf("failed to list wallets: %w", err)
			}
			rows := make([][]string, 0, len(wallets))
			for _, w := range wallets {
				rows = append(rows, walletRow(w))
			}
			return a.render(cmd.OutOrStdout(), wallets, walletHeader, rows)
		},
	}
	listCmd.Flags().Int("limit", 50, "Maximum number of wallets to return")
	listCmd.Flags().Int("offset", 0, "Number of wallets to skip")

	// wallet grant
	grantCmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant credit to a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user")
			amount, _ := cmd.Flags().GetInt64("amount")
			actor, _ := cmd.Flags().GetString("actor")
			reason, _ := cmd.Flags().GetString("reason")

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			if err := a.connect(ctx); err != nil {
				return err
			}

			res, err := a.ledger.GrantCredit(ctx, userID, amount, actor, reason)
			if err != nil {
				return fmt.Errorf("grant failed: %w", err)
			}
			success(cmd.ErrOrStderr(), "granted %s to %s", dollars(amount), userID)
			return a.render(cmd.OutOrStdout(), map[string]any{
				"user_id":                 userID,
				"granted_cents":           amount,
				"remaining_balance_cents": res.RemainingBalanceCents,
			}, nil, nil)
		},
	}
	grantCmd.Flags().String("user", "", "User ID (required)")
	grantCmd.Flags().Int64("amount", 0, "Amount in cents (required)")
	grantCmd.Flags().String("actor", "cli", "Who is granting the credit")
	grantCmd.Flags().String("reason", "", "Why the credit is granted")
	grantCmd.MarkFlagRequired("user")
	grantCmd.MarkFlagRequired("amount")

	// wallet entries
	entriesCmd := &cobra.Command{
		Use:   "entries",
		Short: "List ledger entries for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user")
			requestID, _ := cmd.Flags().GetString("request-id")
			entryType, _ := cmd.Flags().GetString("type")
			limit, _ := cmd.Flags().GetInt("limit")
			since, _ := cmd.Flags().GetDuration("since")

			filter := ledger.EntryFilter{
				UserID:    userID,
				RequestID: requestID,
				Type:      ledger.EntryType(entryType),
				Limit:     limit,
			}
			if entryType != "" && !filter.Type.Valid() {
				return fmt.Errorf("unknown entry type %q", entryType)
			}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := a.connect(ctx); err != nil {
				return err
			}

			entries, err := a.ledger.Entries(ctx, filter)
			if err != nil {
				return fmt.Errorf("failed to list entries: %w", err)
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{
					timestamp(e.CreatedAt),
					string(e.Type),
					cents(e.AmountCents),
					e.RequestID,
					e.ModelID,
				})
			}
			return a.render(cmd.OutOrStdout(), entries,
				[]string{"Created At", "Type", "Amount (cents)", "Request ID", "Model"}, rows)
		},
	}
	entriesCmd.Flags().String("user", "", "User ID (required)")
	entriesCmd.Flags().String("request-id", "", "Only entries for this request")
	entriesCmd.Flags().String("type", "", "Only entries of this type (reservation, release, debit, grant)")
	entriesCmd.Flags().Int("limit", 50, "Maximum number of entries to return")
	entriesCmd.Flags().Duration("since", 0, "Only entries newer than this (e.g. 24h)")
	entriesCmd.MarkFlagRequired("user")

	// wallet verify
	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify wallets against a replay of their ledger entries",
		Long: `Verify rebuilds wallet totals from the append-only ledger and compares them
with the stored wallet. With --user a single wallet is checked and reported,
otherwise a sample of up to --sample wallets is checked and only drifted
wallets are reported. Exits non-zero when any wallet drifted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user")
			sample, _ := cmd.Flags().GetInt("sample")

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()
			if err := a.connect(ctx); err != nil {
				return err
			}

			reports := []ledger.IntegrityReport{}
			if userID != "" {
				report, err := a.ledger.VerifyIntegrity(ctx, userID)
				if err != nil {
					return fmt.Errorf("verification failed: %w", err)
				}
				reports = append(reports, report)
			} else {
				drifted, err := a.ledger.VerifySample(ctx, sample)
				if err != nil {
					return fmt.Errorf("verification failed: %w", err)
				}
				reports = append(reports, drifted...)
			}

			drifted := 0
			rows := make([][]string, 0, len(reports))
			for _, r := range reports {
				state := "ok"
				if !r.OK() {
					state = "DRIFT"
					drifted++
				}
				rows = append(rows, []string{
					r.UserID,
					cents(r.Stored.BalanceCents),
					cents(r.Replayed.BalanceCents),
					strconv.Itoa(r.Entries),
					state,
				})
			}
			if err := a.render(cmd.OutOrStdout(), reports,
				[]string{"User ID", "Stored (cents)", "Replayed (cents)", "Entries", "State"}, rows); err != nil {
				return err
			}

			if drifted > 0 {
				warning(cmd.ErrOrStderr(), "%d wallets drifted from their ledger", drifted)
				return errors.New("balance mismatch detected")
			}
			success(cmd.ErrOrStderr(), "balance integrity verified")
			return nil
		},
	}
	verifyCmd.Flags().String("user", "", "Verify only this user")
	verifyCmd.Flags().Int("sample", 50, "Number of wallets to verify when --user is not set")

	cmd.AddCommand(getCmd, listCmd, grantCmd, entriesCmd, verifyCmd)
	return cmd
}

var walletHeader = []string{"User ID", "Balance", "Granted", "Spent", "Updated At"}

func walletRow(w *ledger.Wallet) []string {
	return []string{
		w.UserID,
		dollars(w.BalanceCents),
		dollars(w.LifetimeGrantedCents),
		dollars(w.LifetimeSpentCents),
		timestamp(w.UpdatedAt),
	}
}

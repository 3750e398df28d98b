package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kelpejol/paygate/internal/sweep"
)

// reservationsCmd creates the reservations command group
func (a *app) reservationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reservations",
		Short: "Reservation maintenance",
		Long:  "Inspect open reservations and release the ones that were never settled",
	}

	// reservations list
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List open reservations older than a cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			olderThan, _ := cmd.Flags().GetDuration("older-than")
			limit, _ := cmd.Flags().GetInt("limit")

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := a.connect(ctx); err != nil {
				return err
			}

			open, err := a.ledger.Store().OpenReservations(ctx, time.Now().Add(-olderThan), limit)
			if err != nil {
				return fmt.Errorf("failed to list reservations: %w", err)
			}
			rows := make([][]string, 0, len(open))
			for _, r := range open {
				rows = append(rows, []string{
					r.RequestID,
					r.UserID,
					cents(r.AmountCents),
					timestamp(r.CreatedAt),
					time.Since(r.CreatedAt).Round(time.Second).String(),
				})
			}
			return a.render(cmd.OutOrStdout(), open,
				[]string{"Request ID", "User ID", "Amount (cents)", "Created At", "Age"}, rows)
		},
	}
	listCmd.Flags().Duration("older-than", 0, "Only reservations opened before now minus this")
	listCmd.Flags().Int("limit", 100, "Maximum number of reservations to return")

	// reservations sweep
	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Release reservations older than the reservation timeout",
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout, _ := cmd.Flags().GetDuration("timeout")
			batch, _ := cmd.Flags().GetInt("batch-size")
			if timeout <= 0 {
				timeout = a.cfg.Ledger.ReservationTimeout
			}
			if batch <= 0 {
				batch = a.cfg.Ledger.SweepBatchSize
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()
			if err := a.connect(ctx); err != nil {
				return err
			}

			sweeper := sweep.New(a.ledger, sweep.Options{
				ReservationTimeout: timeout,
				BatchSize:          batch,
			}, a.logger)
			released, err := sweeper.SweepExpired(ctx)
			if err != nil {
				warning(cmd.ErrOrStderr(), "sweep incomplete after releasing %d reservations", released)
				return fmt.Errorf("sweep failed: %w", err)
			}
			success(cmd.ErrOrStderr(), "released %d expired reservations", released)
			return a.render(cmd.OutOrStdout(), map[string]any{
				"released": released,
				"timeout":  timeout.String(),
			}, nil, nil)
		},
	}
	sweepCmd.Flags().Duration("timeout", 0, "Release reservations older than this (default ledger.reservation_timeout)")
	sweepCmd.Flags().Int("batch-size", 0, "Reservations fetched per page (default ledger.sweep_batch_size)")

	cmd.AddCommand(listCmd, sweepCmd)
	return cmd
}

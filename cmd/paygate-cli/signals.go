package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/kelpejol/paygate/internal/feedback"
)

// signalsCmd creates the signals command group
func (a *app) signalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signals",
		Short: "Chunk feedback signals",
		Long:  "Inspect and recompute the ranking signals derived from user ratings",
	}

	// signals get
	getCmd := &cobra.Command{
		Use:   "get CHUNK_ID...",
		Short: "Show the stored signal of each chunk",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := a.connect(ctx); err != nil {
				return err
			}

			signals := make([]feedback.Signal, 0, len(args))
			rows := make([][]string, 0, len(args))
			for _, id := range args {
				s, ok, err := a.engine.Signal(ctx, id)
				if err != nil {
					return fmt.Errorf("failed to load signal for %s: %w", id, err)
				}
				if !ok {
					// no ratings yet, neutral
					s = feedback.Signal{ChunkID: id, Multiplier: feedback.NeutralMultiplier}
				}
				signals = append(signals, s)
				rows = append(rows, []string{
					s.ChunkID,
					strconv.Itoa(s.RatingCount),
					strconv.FormatFloat(s.AvgRating, 'f', 2, 64),
					strconv.FormatFloat(s.Confidence, 'f', 3, 64),
					strconv.FormatFloat(s.Multiplier, 'f', 3, 64),
					timestamp(s.UpdatedAt),
				})
			}
			return a.render(cmd.OutOrStdout(), signals,
				[]string{"Chunk ID", "Ratings", "Average", "Confidence", "Multiplier", "Updated At"}, rows)
		},
	}

	// signals recompute
	recomputeCmd := &cobra.Command{
		Use:   "recompute CHUNK_ID...",
		Short: "Recompute signals from the current ratings",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()
			if err := a.connect(ctx); err != nil {
				return err
			}

			if err := a.engine.RecomputeSignals(ctx, args); err != nil {
				return fmt.Errorf("recompute failed: %w", err)
			}
			success(cmd.ErrOrStderr(), "recomputed %d chunks", len(args))
			return a.render(cmd.OutOrStdout(), map[string]any{"recomputed": len(args)}, nil, nil)
		},
	}

	cmd.AddCommand(getCmd, recomputeCmd)
	return cmd
}

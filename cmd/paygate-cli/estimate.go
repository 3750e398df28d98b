package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kelpejol/paygate/internal/pricing"
)

// estimateCmd prices a model call with the configured price table.
func (a *app) estimateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Estimate the reservation for a model call",
		Long: `Estimate applies the configured price table and safety margin to a model
call. Turns are given as role:text, or role:@path to read the text from a file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			model, _ := cmd.Flags().GetString("model")
			system, _ := cmd.Flags().GetString("system-prompt")
			turns, _ := cmd.Flags().GetStringArray("turn")
			maxOutput, _ := cmd.Flags().GetInt64("max-output-tokens")

			req := pricing.Request{
				ModelID:         strings.ToLower(model),
				SystemPrompt:    system,
				MaxOutputTokens: maxOutput,
			}
			for _, t := range turns {
				turn, err := parseTurn(t)
				if err != nil {
					return err
				}
				req.Turns = append(req.Turns, turn)
			}

			table, err := pricing.TableFromSpecs(a.cfg.Pricing.Models)
			if err != nil {
				return err
			}
			margin, err := a.cfg.Pricing.Margin()
			if err != nil {
				return err
			}
			estimator, err := pricing.NewEstimator(table, pricing.EstimatorConfig{
				SafetyMargin:  margin,
				CharsPerToken: a.cfg.Pricing.CharsPerToken,
			}, a.logger)
			if err != nil {
				return err
			}

			est, err := estimator.Estimate(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("estimate failed: %w", err)
			}
			return a.render(cmd.OutOrStdout(), est,
				[]string{"Model", "Input Tokens", "Output Tokens", "Cost (cents)", "Tier"},
				[][]string{{
					req.ModelID,
					cents(est.InputTokensEstimate),
					cents(est.OutputTokensEstimate),
					cents(est.EstimatedCostCents),
					est.PricingTier,
				}})
		},
	}
	cmd.Flags().String("model", "", "Model ID (required)")
	cmd.Flags().String("system-prompt", "", "System prompt text")
	cmd.Flags().StringArray("turn", nil, "Conversation turn as role:text or role:@file (repeatable)")
	cmd.Flags().Int64("max-output-tokens", 1024, "Maximum output tokens requested")
	cmd.MarkFlagRequired("model")
	return cmd
}

func parseTurn(s string) (pricing.Turn, error) {
	role, text, ok := strings.Cut(s, ":")
	if !ok || role == "" {
		return pricing.Turn{}, fmt.Errorf("invalid turn %q, want role:text", s)
	}
	if path, isFile := strings.CutPrefix(text, "@"); isFile {
		b, err := os.ReadFile(path)
		if err != nil {
			return pricing.Turn{}, fmt.Errorf("read turn: %w", err)
		}
		text = string(b)
	}
	return pricing.Turn{Role: role, Text: text}, nil
}

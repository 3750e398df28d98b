// migrate applies the paygate SQL schema and optionally seeds wallets.
//
// The schema is idempotent, so running migrate against an up-to-date
// database is a no-op. Seed files are JSON arrays of grants:
//
//	[{"user_id": "user_123", "amount_cents": 1000, "reason": "trial"}]
//
// A seed grant is skipped when the wallet already exists, so re-running a
// seed never tops a wallet up twice.
//
// Usage:
//
//	migrate --config paygate.yaml
//	migrate --seed seed.json
//	migrate --print-schema
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kelpejol/paygate/internal/config"
	"github.com/kelpejol/paygate/internal/ledger"
	"github.com/kelpejol/paygate/internal/logging"
	"github.com/kelpejol/paygate/internal/store/redisstore"
	"github.com/kelpejol/paygate/internal/store/sqlstore"
)

// SeedGrant is one wallet to create.
type SeedGrant struct {
	UserID      string `json:"user_id"`
	AmountCents int64  `json:"amount_cents"`
	Reason      string `json:"reason"`
}

// seedActor is recorded as the actor of every seed grant.
const seedActor = "seed"

func main() {
	if err := newCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newCmd(out io.Writer) *cobra.Command {
	var (
		configPath  string
		seedPath    string
		printSchema bool
	)
	cmd := &cobra.Command{
		Use:           "migrate",
		Short:         "Apply the paygate schema and seed wallets",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			if printSchema {
				dialect, err := sqlstore.ParseDialect(cfg.Database.Driver)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(out, sqlstore.Schema(dialect))
				return err
			}

			logger := logging.NewWithWriter(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Environment)
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()
			return migrate(ctx, cfg, seedPath, out, logger)
		},
	}
	cmd.SetOut(out)
	cmd.Flags().StringVar(&configPath, "config", "", "Path to paygate.yaml")
	cmd.Flags().StringVar(&seedPath, "seed", "", "JSON file of seed grants")
	cmd.Flags().BoolVar(&printSchema, "print-schema", false, "Print the schema for the configured driver and exit")
	return cmd
}

func migrate(ctx context.Context, cfg *config.Config, seedPath string, out io.Writer, logger zerolog.Logger) error {
	// Open applies the schema
	store, err := sqlstore.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, sqlstore.Options{}, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	fmt.Fprintf(out, "Schema applied (%s)\n", store.Dialect())

	if seedPath == "" {
		return nil
	}
	grants, err := readSeed(seedPath)
	if err != nil {
		return err
	}

	var ledgerStore ledger.Store = store
	if cfg.Ledger.Backend == config.BackendRedis {
		rs, err := redisstore.Dial(ctx, redisstore.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		}, logger)
		if err != nil {
			return err
		}
		defer rs.Close()
		ledgerStore = rs
	}

	created, err := seed(ctx, ledger.New(ledgerStore, logger, ledger.WithCurrency(cfg.Ledger.Currency)), grants)
	fmt.Fprintf(out, "Seeded %d of %d wallets\n", created, len(grants))
	return err
}

func readSeed(path string) ([]SeedGrant, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var grants []SeedGrant
	if err := json.Unmarshal(data, &grants); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	return grants, nil
}

// seed grants credit to every wallet that does not exist yet and returns
// how many were created. Failures do not stop the remaining grants.
func seed(ctx context.Context, l *ledger.Ledger, grants []SeedGrant) (int, error) {
	created := 0
	var errs []error
	for _, g := range grants {
		_, err := l.Wallet(ctx, g.UserID)
		switch {
		case err == nil:
			continue
		case !errors.Is(err, ledger.ErrWalletNotFound):
			errs = append(errs, fmt.Errorf("%s: %w", g.UserID, err))
			continue
		}

		reason := g.Reason
		if reason == "" {
			reason = "seed"
		}
		if _, err := l.GrantCredit(ctx, g.UserID, g.AmountCents, seedActor, reason); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", g.UserID, err))
			continue
		}
		created++
	}
	return created, errors.Join(errs...)
}

// paygate-cli - administrative command-line interface for paygate
//
// The CLI talks to the configured stores directly, using the same
// paygate.yaml and PAYGATE_* environment as the API server.
//
// Usage:
//
//	paygate-cli wallet get --user user_123
//	paygate-cli wallet grant --user user_123 --amount 500 --actor ops --reason "trial credit"
//	paygate-cli wallet entries --user user_123 --type debit -o table
//	paygate-cli wallet verify --sample 100
//	paygate-cli reservations sweep
//	paygate-cli estimate --model claude-sonnet --system-prompt "..." --max-output-tokens 1024
//	paygate-cli signals recompute chunk_1 chunk_2
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kelpejol/paygate/internal/audit"
	"github.com/kelpejol/paygate/internal/config"
	"github.com/kelpejol/paygate/internal/feedback"
	"github.com/kelpejol/paygate/internal/ledger"
	"github.com/kelpejol/paygate/internal/logging"
	"github.com/kelpejol/paygate/internal/store/redisstore"
	"github.com/kelpejol/paygate/internal/store/sqlstore"
)

var (
	// Version is set during build
	Version   = "dev"
	BuildTime = "unknown"
)

// app holds global flags and the lazily opened stores shared by every
// command.
type app struct {
	configPath string
	output     string
	verbose    bool

	cfg    *config.Config
	logger zerolog.Logger

	sql      *sqlstore.Store
	redis    *redisstore.Store
	recorder *audit.Recorder
	ledger   *ledger.Ledger
	engine   *feedback.Engine
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run executes the CLI with args and releases every opened resource.
func run(args []string, stdout, stderr io.Writer) error {
	a := &app{}
	defer a.close()

	root := a.rootCmd(stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.Execute()
}

func (a *app) rootCmd(stderr io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "paygate-cli",
		Short: "paygate CLI - administrative operations for paygate",
		Long: `paygate-cli provides administrative operations for the paygate metering ledger
and feedback engine.

Operations include wallet inspection and credit grants, integrity checks,
reservation sweeps, cost estimates and chunk signal maintenance.`,
		Version:       fmt.Sprintf("%s (built %s)", Version, BuildTime),
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch a.output {
			case outputJSON, outputTable:
			default:
				return fmt.Errorf("unknown output format %q (want json or table)", a.output)
			}

			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg

			level := "warn"
			if a.verbose {
				level = "debug"
			}
			a.logger = logging.NewWithWriter(stderr, level, "development")
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "", "Path to paygate.yaml")
	rootCmd.PersistentFlags().StringVarP(&a.output, "output", "o", outputJSON, "Output format: json or table")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(a.walletCmd())
	rootCmd.AddCommand(a.reservationsCmd())
	rootCmd.AddCommand(a.estimateCmd())
	rootCmd.AddCommand(a.signalsCmd())

	return rootCmd
}

// connect opens the stores on first use.
func (a *app) connect(ctx context.Context) error {
	if a.ledger != nil {
		return nil
	}

	store, err := sqlstore.Open(ctx, a.cfg.Database.Driver, a.cfg.Database.DSN, sqlstore.Options{
		MaxOpenConns: 2,
		MaxIdleConns: 1,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("failed to open sql store: %w", err)
	}
	a.sql = store

	var ledgerStore ledger.Store = store
	if a.cfg.Ledger.Backend == config.BackendRedis {
		rs, err := redisstore.Dial(ctx, redisstore.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
			Prefix:   a.cfg.Redis.Prefix,
			PoolSize: 2,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.redis = rs
		ledgerStore = rs
	}

	opts := []ledger.Option{ledger.WithCurrency(a.cfg.Ledger.Currency)}
	feedbackOpts := []feedback.Option{}
	if a.cfg.Audit.Enabled {
		a.recorder = audit.NewRecorder(store, a.logger, audit.Options{Workers: 1})
		opts = append(opts, ledger.WithAuditor(a.recorder))
		feedbackOpts = append(feedbackOpts, feedback.WithAuditor(a.recorder))
	}
	a.ledger = ledger.New(ledgerStore, a.logger, opts...)
	a.engine = feedback.NewEngine(store, a.logger, feedbackOpts...)
	return nil
}

func (a *app) close() {
	// drain audit writes before the store goes away
	if a.recorder != nil {
		a.recorder.Close()
	}
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.sql != nil {
		errs = append(errs, a.sql.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn().Err(err).Msg("failed to close stores")
	}
}

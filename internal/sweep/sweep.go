// Package sweep keeps the ledger honest in the background.
//
// Two jobs run on cron schedules:
//  1. Expiry: a reservation left open past the timeout (the caller crashed
//     between Reserve and Settle) is released back to the wallet.
//  2. Verification: a sample of wallets is replayed from their ledger
//     entries and any drift is logged.
//
// Both jobs can also be run on demand, which is what the admin CLI does.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/kelpejol/paygate/internal/ledger"
)

const (
	DefaultReservationTimeout = 15 * time.Minute
	DefaultSweepSchedule      = "@every 1m"
	DefaultVerifySchedule     = "@every 1h"
	DefaultBatchSize          = 100
	DefaultSampleSize         = 50
)

// Options configures a Sweeper. Zero values take the defaults above. An
// empty schedule takes its default; "off" disables that job.
type Options struct {
	ReservationTimeout time.Duration
	SweepSchedule      string
	VerifySchedule     string
	BatchSize          int
	SampleSize         int
}

// Sweeper releases expired reservations and verifies wallet integrity.
type Sweeper struct {
	ledger *ledger.Ledger
	opts   Options
	log    zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// New creates a Sweeper over l.
func New(l *ledger.Ledger, opts Options, logger zerolog.Logger) *Sweeper {
	if opts.ReservationTimeout <= 0 {
		opts.ReservationTimeout = DefaultReservationTimeout
	}
	if opts.SweepSchedule == "" {
		opts.SweepSchedule = DefaultSweepSchedule
	}
	if opts.VerifySchedule == "" {
		opts.VerifySchedule = DefaultVerifySchedule
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.SampleSize <= 0 {
		opts.SampleSize = DefaultSampleSize
	}
	return &Sweeper{
		ledger: l,
		opts:   opts,
		log:    logger.With().Str("component", "sweeper").Logger(),
		now:    time.Now,
		cron:   cron.New(),
	}
}

// SetClock overrides time.Now when deciding which reservations are stale.
func (s *Sweeper) SetClock(now func() time.Time) {
	s.now = now
}

// SweepExpired releases every open reservation older than the reservation
// timeout and returns how many were released. A reservation settled or
// released concurrently is skipped. Other failures are logged, and the
// first one is returned after the pass completes.
func (s *Sweeper) SweepExpired(ctx context.Context) (int, error) {
	start := time.Now()
	cutoff := s.now().Add(-s.opts.ReservationTimeout)

	var (
		released int
		firstErr error
		failed   = make(map[string]bool)
	)
	for {
		open, err := s.ledger.Store().OpenReservations(ctx, cutoff, s.opts.BatchSize)
		if err != nil {
			return released, fmt.Errorf("list open reservations: %w", err)
		}

		progress := 0
		for _, r := range open {
			if err := ctx.Err(); err != nil {
				return released, err
			}
			if failed[r.RequestID] {
				continue
			}

			_, err := s.ledger.Expire(ctx, r)
			switch {
			case err == nil:
				released++
				progress++
				s.log.Info().
					Str("user_id", r.UserID).
					Str("request_id", r.RequestID).
					Int64("amount_cents", r.AmountCents).
					Time("opened_at", r.CreatedAt).
					Msg("expired reservation released")
			case errors.Is(err, ledger.ErrReservationClosed):
				progress++
			default:
				failed[r.RequestID] = true
				if firstErr == nil {
					firstErr = err
				}
				s.log.Error().Err(err).
					Str("user_id", r.UserID).
					Str("request_id", r.RequestID).
					Msg("failed to release expired reservation")
			}
		}

		if len(open) < s.opts.BatchSize || progress == 0 {
			break
		}
	}

	if released > 0 {
		s.log.Info().
			Int("released", released).
			Dur("duration_ms", time.Since(start)).
			Msg("reservation sweep complete")
	} else {
		s.log.Debug().Msg("reservation sweep complete, nothing expired")
	}
	return released, firstErr
}

// VerifySample replays up to n wallets (the configured sample size when
// n <= 0) and returns the ones that drifted.
func (s *Sweeper) VerifySample(ctx context.Context, n int) ([]ledger.IntegrityReport, error) {
	if n <= 0 {
		n = s.opts.SampleSize
	}
	drifted, err := s.ledger.VerifySample(ctx, n)
	if err != nil {
		return drifted, fmt.Errorf("verify sample: %w", err)
	}
	if len(drifted) > 0 {
		s.log.Warn().Int("drifted", len(drifted)).Int("sample_size", n).Msg("ledger drift detected")
	}
	return drifted, nil
}

// Start schedules both jobs and returns. The scheduler stops when ctx is
// done or Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	jobs := []struct {
		name     string
		schedule string
		run      func(context.Context)
	}{
		{"sweep", s.opts.SweepSchedule, s.runSweep},
		{"verify", s.opts.VerifySchedule, s.runVerify},
	}
	scheduled := 0
	for _, job := range jobs {
		if job.schedule == "off" {
			continue
		}
		if _, err := cron.ParseStandard(job.schedule); err != nil {
			return fmt.Errorf("invalid %s schedule %q: %w", job.name, job.schedule, err)
		}
		run := job.run
		if _, err := s.cron.AddFunc(job.schedule, func() { run(ctx) }); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", job.name, err)
		}
		scheduled++
	}
	if scheduled == 0 {
		s.log.Info().Msg("sweeper schedules disabled")
		return nil
	}

	s.cron.Start()
	s.running = true
	s.log.Info().
		Str("sweep_schedule", s.opts.SweepSchedule).
		Str("verify_schedule", s.opts.VerifySchedule).
		Dur("reservation_timeout", s.opts.ReservationTimeout).
		Msg("sweeper started")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the scheduler and waits for a running job to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.log.Info().Msg("sweeper stopped")
}

// Running reports whether the scheduler is active.
func (s *Sweeper) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRuns returns the next scheduled time of each job.
func (s *Sweeper) NextRuns() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.cron.Entries()
	out := make([]time.Time, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Next)
	}
	return out
}

func (s *Sweeper) runSweep(ctx context.Context) {
	jobCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if _, err := s.SweepExpired(jobCtx); err != nil {
		s.log.Error().Err(err).Msg("scheduled sweep failed")
	}
}

func (s *Sweeper) runVerify(ctx context.Context) {
	jobCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	if _, err := s.VerifySample(jobCtx, 0); err != nil {
		s.log.Error().Err(err).Msg("scheduled verification failed")
	}
}

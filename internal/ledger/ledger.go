// Package ledger provides the metered-usage ledger: reservations,
// settlements, rollbacks and credit grants over a prepaid balance.
//
// Every cent that a user spends flows through this package. The ledger
// keeps two kinds of state in its Store:
//
// 1. Wallets - the mutable per-user balance and lifetime counters
// 2. Entries - the append-only accounting trail
//
// The trail is the audit source of truth. A wallet's balance can always be
// rebuilt by replaying its entries (see Replay), and VerifyIntegrity does
// exactly that.
//
// Request lifecycle:
//
//	Estimate -> Reserve -> (provider call) -> Settle
//	                              \-> Release (call failed before any billable result)
//
// Race condition prevention:
// Reserve relies on the store's guarded decrement (balance >= amount checked
// and decremented in one indivisible step). Concurrent reservations race on
// that guard and at most one of them can consume funds the other needs.
// There is no application-level lock; the guard stays correct across any
// number of API instances sharing one store.
//
// Overdraw policy:
// Settle never charges more than was reserved. If the real cost overruns the
// reservation, the difference is absorbed, logged and counted, but the raw
// actual cost is kept in the debit entry's metadata for audit.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kelpejol/paygate/internal/audit"
)

const defaultCurrency = "usd"

// Auditor receives best-effort audit events. Record must never block.
type Auditor interface {
	Record(event audit.Event)
}

// Ledger manages all balance operations on top of a Store.
//
// Thread safety: all methods are safe for concurrent use. The Ledger holds
// no mutable state of its own; atomicity is delegated to the Store.
type Ledger struct {
	store    Store
	log      zerolog.Logger
	metrics  *Metrics
	auditor  Auditor
	currency string
	now      func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithAuditor attaches a best-effort audit recorder.
func WithAuditor(a Auditor) Option {
	return func(l *Ledger) { l.auditor = a }
}

// WithCurrency sets the ISO 4217 currency stamped on new entries.
func WithCurrency(currency string) Option {
	return func(l *Ledger) {
		if currency != "" {
			l.currency = currency
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a Ledger over store.
func New(store Store, logger zerolog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		log:      logger.With().Str("component", "ledger").Logger(),
		currency: defaultCurrency,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store returns the underlying store.
func (l *Ledger) Store() Store {
	return l.store
}

// Reserve atomically moves amountCents from the available balance into a
// hold before an expensive operation executes.
//
// This is the admission-control gate: no costed provider call may proceed
// unless Reserve succeeds. When the balance does not cover the amount the
// returned error is an *InsufficientBalanceError carrying the remaining
// balance.
func (l *Ledger) Reserve(ctx context.Context, userID string, amountCents int64, md Metadata) (res ReserveResult, err error) {
	start := time.Now()
	defer func() { l.metrics.observe("reserve", start, err) }()

	if userID == "" {
		return ReserveResult{}, ErrInvalidUser
	}
	if amountCents <= 0 {
		return ReserveResult{}, ErrInvalidReservationAmount
	}

	entry := l.newEntry(userID, EntryReservation, amountCents, md, nil)
	remaining, err := l.store.Reserve(ctx, entry)
	if err != nil {
		err = classify("reserve", err)
		if IsDomainError(err) {
			l.log.Info().
				Str("user_id", userID).
				Str("request_id", md.RequestID).
				Int64("reserved_cents", amountCents).
				Err(err).
				Msg("reservation rejected")
		} else {
			l.log.Error().Err(err).
				Str("user_id", userID).
				Str("request_id", md.RequestID).
				Msg("reservation failed")
		}
		return ReserveResult{}, err
	}

	l.metrics.addCents(EntryReservation, amountCents)
	l.log.Debug().
		Str("user_id", userID).
		Str("request_id", md.RequestID).
		Int64("reserved_cents", amountCents).
		Int64("remaining_balance_cents", remaining).
		Dur("duration_ms", time.Since(start)).
		Msg("reservation approved")

	return ReserveResult{RemainingBalanceCents: remaining}, nil
}

// Release is the rollback path: it refunds a reservation in full when the
// reserved operation failed before producing anything billable. It is a
// no-op returning a zero result when reservedCents <= 0.
func (l *Ledger) Release(ctx context.Context, userID string, reservedCents int64, md Metadata) (ReleaseResult, error) {
	return l.release(ctx, userID, reservedCents, md, ReservationReleased)
}

// Expire releases a stale reservation on behalf of the expiry sweep. It
// differs from Release only in the status the tracked reservation is
// closed with.
func (l *Ledger) Expire(ctx context.Context, r Reservation) (ReleaseResult, error) {
	md := Metadata{
		RequestID: r.RequestID,
		Extra: map[string]any{
			"reason":                "reservation_expired",
			"reservation_opened_at": r.CreatedAt.UTC().Format(time.RFC3339),
		},
	}
	res, err := l.release(ctx, r.UserID, r.AmountCents, md, ReservationExpired)
	if err == nil && l.auditor != nil {
		l.auditor.Record(audit.Event{
			ActorID: "system:sweeper",
			Action:  "reservation.expire",
			Subject: r.UserID,
			Payload: map[string]any{
				"request_id":   r.RequestID,
				"amount_cents": r.AmountCents,
			},
		})
	}
	return res, err
}

func (l *Ledger) release(ctx context.Context, userID string, reservedCents int64, md Metadata, closeAs ReservationStatus) (res ReleaseResult, err error) {
	if reservedCents <= 0 {
		return ReleaseResult{}, nil
	}
	start := time.Now()
	defer func() { l.metrics.observe("release", start, err) }()

	if userID == "" {
		return ReleaseResult{}, ErrInvalidUser
	}

	entry := l.newEntry(userID, EntryRelease, reservedCents, md, nil)
	remaining, err := l.store.Release(ctx, entry, closeAs)
	if err != nil {
		err = classify("release", err)
		l.log.Error().Err(err).
			Str("user_id", userID).
			Str("request_id", md.RequestID).
			Int64("released_cents", reservedCents).
			Msg("release failed")
		return ReleaseResult{}, err
	}

	l.metrics.addCents(EntryRelease, reservedCents)
	l.log.Info().
		Str("user_id", userID).
		Str("request_id", md.RequestID).
		Str("close_as", string(closeAs)).
		Int64("released_cents", reservedCents).
		Int64("remaining_balance_cents", remaining).
		Msg("reservation released")

	return ReleaseResult{ReleasedCents: reservedCents, RemainingBalanceCents: remaining}, nil
}

// Settle converts a reservation into a final debit plus a refund of the
// unused part once the real cost is known.
//
// Both inputs are clamped to zero. The debit is min(actual, reserved), so
// the user is never charged beyond the reservation. Both resulting entries
// are written in one store transaction together with the wallet update.
func (l *Ledger) Settle(ctx context.Context, userID string, reservedCents, actualCostCents int64, md Metadata) (res SettleResult, err error) {
	start := time.Now()
	defer func() { l.metrics.observe("settle", start, err) }()

	if userID == "" {
		return SettleResult{}, ErrInvalidUser
	}

	rawActual := actualCostCents
	reserved := max(reservedCents, 0)
	actual := max(actualCostCents, 0)

	debited := min(actual, reserved)
	released := reserved - debited

	s := Settlement{
		UserID:        userID,
		RequestID:     md.RequestID,
		ReservedCents: reserved,
		DebitedCents:  debited,
		ReleasedCents: released,
	}
	if debited > 0 {
		s.Entries = append(s.Entries, l.newEntry(userID, EntryDebit, debited, md, map[string]any{
			"actual_cost_cents": rawActual,
			"reserved_cents":    reservedCents,
		}))
	}
	if released > 0 {
		s.Entries = append(s.Entries, l.newEntry(userID, EntryRelease, released, md, map[string]any{
			"reason":         "settlement_refund",
			"reserved_cents": reservedCents,
		}))
	}

	remaining, err := l.store.Settle(ctx, s)
	if err != nil {
		err = classify("settle", err)
		l.log.Error().Err(err).
			Str("user_id", userID).
			Str("request_id", md.RequestID).
			Int64("reserved_cents", reservedCents).
			Int64("actual_cost_cents", rawActual).
			Msg("settlement failed")
		return SettleResult{}, err
	}

	if actual > reserved {
		l.metrics.overrun(actual - reserved)
		l.log.Warn().
			Str("user_id", userID).
			Str("request_id", md.RequestID).
			Int64("reserved_cents", reserved).
			Int64("actual_cost_cents", actual).
			Int64("absorbed_cents", actual-reserved).
			Msg("settlement overrun absorbed")
	}

	l.metrics.addCents(EntryDebit, debited)
	l.metrics.addCents(EntryRelease, released)
	l.log.Info().
		Str("user_id", userID).
		Str("request_id", md.RequestID).
		Int64("debited_cents", debited).
		Int64("released_cents", released).
		Int64("remaining_balance_cents", remaining).
		Dur("duration_ms", time.Since(start)).
		Msg("settlement completed")

	return SettleResult{
		DebitedCents:          debited,
		ReleasedCents:         released,
		RemainingBalanceCents: remaining,
	}, nil
}

// GrantCredit is the administrative top-up. It creates the wallet on first
// use and is independent of the reservation lifecycle.
func (l *Ledger) GrantCredit(ctx context.Context, userID string, amountCents int64, actorID, reason string) (res GrantResult, err error) {
	start := time.Now()
	defer func() { l.metrics.observe("grant", start, err) }()

	if userID == "" {
		return GrantResult{}, ErrInvalidUser
	}
	if amountCents <= 0 {
		return GrantResult{}, ErrInvalidCreditAmount
	}

	extra := map[string]any{"actor_id": actorID}
	if reason != "" {
		extra["reason"] = reason
	}
	entry := l.newEntry(userID, EntryGrant, amountCents, Metadata{}, extra)

	remaining, err := l.store.Grant(ctx, entry)
	if err != nil {
		err = classify("grant", err)
		l.log.Error().Err(err).
			Str("user_id", userID).
			Str("actor_id", actorID).
			Msg("credit grant failed")
		return GrantResult{}, err
	}

	l.metrics.addCents(EntryGrant, amountCents)
	l.log.Info().
		Str("user_id", userID).
		Str("actor_id", actorID).
		Int64("granted_cents", amountCents).
		Int64("remaining_balance_cents", remaining).
		Msg("credit granted")

	if l.auditor != nil {
		l.auditor.Record(audit.Event{
			ActorID: actorID,
			Action:  "credit.grant",
			Subject: userID,
			Payload: map[string]any{
				"entry_id":     entry.ID,
				"amount_cents": amountCents,
				"reason":       reason,
			},
		})
	}

	return GrantResult{RemainingBalanceCents: remaining}, nil
}

// Wallet returns the wallet for userID, or ErrWalletNotFound.
func (l *Ledger) Wallet(ctx context.Context, userID string) (*Wallet, error) {
	w, err := l.store.Wallet(ctx, userID)
	if err != nil {
		return nil, classify("wallet", err)
	}
	return w, nil
}

// Wallets pages through all wallets.
func (l *Ledger) Wallets(ctx context.Context, limit, offset int) ([]*Wallet, error) {
	ws, err := l.store.Wallets(ctx, limit, offset)
	if err != nil {
		return nil, classify("wallets", err)
	}
	return ws, nil
}

// Entries returns ledger entries matching filter, oldest first.
func (l *Ledger) Entries(ctx context.Context, filter EntryFilter) ([]Entry, error) {
	entries, err := l.store.Entries(ctx, filter)
	if err != nil {
		return nil, classify("entries", err)
	}
	return entries, nil
}

func (l *Ledger) newEntry(userID string, t EntryType, amount int64, md Metadata, extra map[string]any) Entry {
	var meta map[string]any
	if len(md.Extra) > 0 || len(extra) > 0 {
		meta = make(map[string]any, len(md.Extra)+len(extra))
		for k, v := range md.Extra {
			meta[k] = v
		}
		for k, v := range extra {
			meta[k] = v
		}
	}
	return Entry{
		ID:          uuid.New().String(),
		UserID:      userID,
		Type:        t,
		AmountCents: amount,
		Currency:    l.currency,
		RequestID:   md.RequestID,
		ThreadID:    md.ThreadID,
		MessageID:   md.MessageID,
		ModelID:     md.ModelID,
		Provider:    md.Provider,
		Metadata:    meta,
		CreatedAt:   l.now().UTC(),
	}
}

// String is used in log lines and CLI output.
func (r SettleResult) String() string {
	return fmt.Sprintf("debited=%d released=%d remaining=%d", r.DebitedCents, r.ReleasedCents, r.RemainingBalanceCents)
}

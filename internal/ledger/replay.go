package ledger

import (
	"context"
	"fmt"
)

// Totals is a wallet state rebuilt from entries alone.
type Totals struct {
	BalanceCents         int64 `json:"balance_cents"`
	LifetimeGrantedCents int64 `json:"lifetime_granted_cents"`
	LifetimeSpentCents   int64 `json:"lifetime_spent_cents"`
}

// Replay folds entries into wallet totals:
//
//	balance = sum(grant) - sum(reservation) + sum(release)
//	spent   = sum(debit)
//	granted = sum(grant)
//
// A debit does not touch the balance; its funds already left with the
// reservation.
func Replay(entries []Entry) Totals {
	var t Totals
	for _, e := range entries {
		switch e.Type {
		case EntryGrant:
			t.BalanceCents += e.AmountCents
			t.LifetimeGrantedCents += e.AmountCents
		case EntryReservation:
			t.BalanceCents -= e.AmountCents
		case EntryRelease:
			t.BalanceCents += e.AmountCents
		case EntryDebit:
			t.LifetimeSpentCents += e.AmountCents
		}
	}
	return t
}

// IntegrityReport compares a stored wallet against the replay of its
// entries.
type IntegrityReport struct {
	UserID   string `json:"user_id"`
	Stored   Totals `json:"stored"`
	Replayed Totals `json:"replayed"`
	Entries  int    `json:"entries"`
}

// OK reports whether the stored wallet matches its trail.
func (r IntegrityReport) OK() bool {
	return r.Stored == r.Replayed
}

func (r IntegrityReport) String() string {
	if r.OK() {
		return fmt.Sprintf("%s: ok (%d entries)", r.UserID, r.Entries)
	}
	return fmt.Sprintf("%s: drift stored=%+v replayed=%+v", r.UserID, r.Stored, r.Replayed)
}

// VerifyIntegrity replays userID's full trail and compares it with the
// stored wallet. A mismatch is logged at error level and reported, not
// returned as an error.
func (l *Ledger) VerifyIntegrity(ctx context.Context, userID string) (IntegrityReport, error) {
	w, err := l.store.Wallet(ctx, userID)
	if err != nil {
		return IntegrityReport{}, classify("verify", err)
	}
	entries, err := l.store.Entries(ctx, EntryFilter{UserID: userID})
	if err != nil {
		return IntegrityReport{}, classify("verify", err)
	}

	report := IntegrityReport{
		UserID: userID,
		Stored: Totals{
			BalanceCents:         w.BalanceCents,
			LifetimeGrantedCents: w.LifetimeGrantedCents,
			LifetimeSpentCents:   w.LifetimeSpentCents,
		},
		Replayed: Replay(entries),
		Entries:  len(entries),
	}
	if !report.OK() {
		l.log.Error().
			Str("user_id", userID).
			Interface("stored", report.Stored).
			Interface("replayed", report.Replayed).
			Msg("wallet drifted from ledger entries")
	}
	return report, nil
}

// VerifySample checks up to limit wallets and returns the reports that
// drifted.
func (l *Ledger) VerifySample(ctx context.Context, limit int) ([]IntegrityReport, error) {
	wallets, err := l.store.Wallets(ctx, limit, 0)
	if err != nil {
		return nil, classify("verify", err)
	}
	var drifted []IntegrityReport
	for _, w := range wallets {
		if err := ctx.Err(); err != nil {
			return drifted, err
		}
		report, err := l.VerifyIntegrity(ctx, w.UserID)
		if err != nil {
			return drifted, err
		}
		if !report.OK() {
			drifted = append(drifted, report)
		}
	}
	l.log.Debug().Int("checked", len(wallets)).Int("drifted", len(drifted)).Msg("integrity sample verified")
	return drifted, nil
}

package ledger

import "time"

// EntryType is the kind of event a ledger entry records. The sign of an
// entry's amount is implied by its type; amounts are never negative.
type EntryType string

const (
	// EntryReservation moves funds from the available balance into a hold.
	EntryReservation EntryType = "reservation"
	// EntryRelease returns held funds to the available balance.
	EntryRelease EntryType = "release"
	// EntryDebit records the final charge for a settled request.
	EntryDebit EntryType = "debit"
	// EntryGrant records an administrative top-up.
	EntryGrant EntryType = "grant"
)

// Valid reports whether t is one of the known entry types.
func (t EntryType) Valid() bool {
	switch t {
	case EntryReservation, EntryRelease, EntryDebit, EntryGrant:
		return true
	}
	return false
}

// ReservationStatus is the lifecycle state of a tracked reservation.
type ReservationStatus string

const (
	ReservationOpen     ReservationStatus = "open"
	ReservationSettled  ReservationStatus = "settled"
	ReservationReleased ReservationStatus = "released"
	ReservationExpired  ReservationStatus = "expired"
)

// Wallet is the per-user balance record.
type Wallet struct {
	UserID               string    `json:"user_id"`
	BalanceCents         int64     `json:"balance_cents"`
	LifetimeGrantedCents int64     `json:"lifetime_granted_cents"`
	LifetimeSpentCents   int64     `json:"lifetime_spent_cents"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Entry is one immutable row of the append-only accounting trail.
type Entry struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	Type        EntryType      `json:"type"`
	AmountCents int64          `json:"amount_cents"`
	Currency    string         `json:"currency"`
	RequestID   string         `json:"request_id,omitempty"`
	ThreadID    string         `json:"thread_id,omitempty"`
	MessageID   string         `json:"message_id,omitempty"`
	ModelID     string         `json:"model_id,omitempty"`
	Provider    string         `json:"provider,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Reservation tracks an open hold keyed by request id. Only reservations
// made with a request id are tracked.
type Reservation struct {
	RequestID   string            `json:"request_id"`
	UserID      string            `json:"user_id"`
	AmountCents int64             `json:"amount_cents"`
	Status      ReservationStatus `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	ClosedAt    *time.Time        `json:"closed_at,omitempty"`
}

// Metadata carries correlation fields for a ledger operation. Extra is
// copied into each entry's opaque metadata payload.
type Metadata struct {
	RequestID string
	ThreadID  string
	MessageID string
	ModelID   string
	Provider  string
	Extra     map[string]any
}

// Settlement is the store-level description of one settled request.
type Settlement struct {
	UserID        string
	RequestID     string
	ReservedCents int64
	DebitedCents  int64
	ReleasedCents int64
	Entries       []Entry
}

// EntryFilter narrows an entries query. Zero fields are ignored.
type EntryFilter struct {
	UserID    string
	RequestID string
	Type      EntryType
	Since     time.Time
	Limit     int
}

// ReserveResult is the outcome of a successful reservation.
type ReserveResult struct {
	RemainingBalanceCents int64 `json:"remaining_balance_cents"`
}

// ReleaseResult is the outcome of a rollback release.
type ReleaseResult struct {
	ReleasedCents         int64 `json:"released_cents"`
	RemainingBalanceCents int64 `json:"remaining_balance_cents"`
}

// SettleResult is the outcome of a settlement. DebitedCents+ReleasedCents
// always equals the reserved amount.
type SettleResult struct {
	DebitedCents          int64 `json:"debited_cents"`
	ReleasedCents         int64 `json:"released_cents"`
	RemainingBalanceCents int64 `json:"remaining_balance_cents"`
}

// GrantResult is the outcome of a credit grant.
type GrantResult struct {
	RemainingBalanceCents int64 `json:"remaining_balance_cents"`
}

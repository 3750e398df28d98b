package ledger

import (
	"context"
	"time"
)

// Store is the durable home of wallets, ledger entries and tracked
// reservations. Every mutating method is one atomic unit: the balance
// change and its entries are written together or not at all.
//
// Implementations must perform the reservation check-and-decrement as a
// single storage-native operation (a guarded UPDATE or a server-side
// script). An in-process lock is not enough because several API
// instances share one store.
type Store interface {
	// Reserve decrements the balance by entry.AmountCents only if the
	// balance covers it, appends entry, and records an open reservation
	// when entry.RequestID is set. A failed guard returns
	// *InsufficientBalanceError.
	Reserve(ctx context.Context, entry Entry) (remainingCents int64, err error)

	// Release returns entry.AmountCents to the balance and appends entry.
	// A tracked reservation is closed with closeAs.
	Release(ctx context.Context, entry Entry, closeAs ReservationStatus) (remainingCents int64, err error)

	// Settle adds DebitedCents to lifetime spend, returns ReleasedCents to
	// the balance and appends s.Entries, closing a tracked reservation as
	// settled.
	Settle(ctx context.Context, s Settlement) (remainingCents int64, err error)

	// Grant creates or tops up the wallet and appends entry.
	Grant(ctx context.Context, entry Entry) (remainingCents int64, err error)

	Wallet(ctx context.Context, userID string) (*Wallet, error)
	Wallets(ctx context.Context, limit, offset int) ([]*Wallet, error)
	Entries(ctx context.Context, filter EntryFilter) ([]Entry, error)

	// OpenReservations lists tracked reservations still open that were
	// created before olderThan, oldest first.
	OpenReservations(ctx context.Context, olderThan time.Time, limit int) ([]Reservation, error)

	Ping(ctx context.Context) error
	Close() error
}

package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidReservationAmount = errors.New("ledger: reservation amount must be positive")
	ErrInvalidCreditAmount      = errors.New("ledger: credit amount must be positive")
	ErrInsufficientBalance      = errors.New("ledger: insufficient balance")
	ErrWalletNotFound           = errors.New("ledger: wallet not found")
	ErrDuplicateRequest         = errors.New("ledger: request already has a reservation")
	ErrReservationClosed        = errors.New("ledger: reservation already closed")
	ErrReservationMismatch      = errors.New("ledger: amount does not match reserved funds")
	ErrReservationNotFound      = errors.New("ledger: reservation not found")
	ErrInvalidUser              = errors.New("ledger: user id is required")

	// ErrUnavailable wraps storage failures. The transaction was rolled
	// back and the caller may retry the whole step.
	ErrUnavailable = errors.New("ledger: store unavailable")
)

// InsufficientBalanceError is returned when a reservation's guarded
// decrement fails. It carries the balance the user still has so clients
// can display it.
type InsufficientBalanceError struct {
	RemainingCents int64
	RequestedCents int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("ledger: insufficient balance: requested %d cents, remaining %d cents",
		e.RequestedCents, e.RemainingCents)
}

// Is makes errors.Is(err, ErrInsufficientBalance) true.
func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// IsDomainError reports whether err is a caller-visible ledger error as
// opposed to a storage failure.
func IsDomainError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidReservationAmount),
		errors.Is(err, ErrInvalidCreditAmount),
		errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrWalletNotFound),
		errors.Is(err, ErrDuplicateRequest),
		errors.Is(err, ErrReservationClosed),
		errors.Is(err, ErrReservationMismatch),
		errors.Is(err, ErrReservationNotFound),
		errors.Is(err, ErrInvalidUser):
		return true
	}
	return false
}

// classify passes domain errors through and wraps everything else as
// ErrUnavailable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsDomainError(err) || errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

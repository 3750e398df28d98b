package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelpejol/paygate/internal/ledger"
)

var _ ledger.Store = (*Store)(nil)

// Reserve performs the guarded decrement, appends the reservation entry and
// tracks the hold when the entry carries a request id.
func (s *Store) Reserve(ctx context.Context, entry ledger.Entry) (int64, error) {
	var remaining int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := millis(s.now())
		err := tx.QueryRowContext(ctx, s.rebind(`
			UPDATE wallets
			SET balance_cents = balance_cents - ?, updated_at = ?
			WHERE user_id = ? AND balance_cents >= ?
			RETURNING balance_cents
		`), entry.AmountCents, now, entry.UserID, entry.AmountCents).Scan(&remaining)

		if errors.Is(err, sql.ErrNoRows) {
			balance, lookupErr := s.balance(ctx, tx, entry.UserID)
			if lookupErr != nil && !errors.Is(lookupErr, ledger.ErrWalletNotFound) {
				return lookupErr
			}
			return &ledger.InsufficientBalanceError{
				RemainingCents: balance,
				RequestedCents: entry.AmountCents,
			}
		}
		if err != nil {
			return fmt.Errorf("guarded decrement failed: %w", err)
		}

		if err := s.insertEntry(ctx, tx, entry); err != nil {
			return err
		}

		if entry.RequestID == "" {
			return nil
		}
		res, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO reservations (request_id, user_id, amount_cents, status, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (request_id) DO NOTHING
		`), entry.RequestID, entry.UserID, entry.AmountCents, string(ledger.ReservationOpen), millis(entry.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert reservation failed: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ledger.ErrDuplicateRequest
		}
		return nil
	})
	return remaining, err
}

// Release returns the held amount to the balance.
func (s *Store) Release(ctx context.Context, entry ledger.Entry, closeAs ledger.ReservationStatus) (int64, error) {
	var remaining int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := millis(s.now())
		if entry.RequestID != "" {
			if err := s.closeReservation(ctx, tx, entry.RequestID, entry.UserID, entry.AmountCents, closeAs, now); err != nil {
				return err
			}
		}

		err := tx.QueryRowContext(ctx, s.rebind(`
			UPDATE wallets
			SET balance_cents = balance_cents + ?, updated_at = ?
			WHERE user_id = ?
			RETURNING balance_cents
		`), entry.AmountCents, now, entry.UserID).Scan(&remaining)
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.ErrWalletNotFound
		}
		if err != nil {
			return fmt.Errorf("release update failed: %w", err)
		}

		return s.insertEntry(ctx, tx, entry)
	})
	return remaining, err
}

// Settle records the debit and the refund of the unused reservation.
func (s *Store) Settle(ctx context.Context, st ledger.Settlement) (int64, error) {
	var remaining int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := millis(s.now())
		if st.RequestID != "" {
			if err := s.closeReservation(ctx, tx, st.RequestID, st.UserID, st.ReservedCents, ledger.ReservationSettled, now); err != nil {
				return err
			}
		}

		err := tx.QueryRowContext(ctx, s.rebind(`
			UPDATE wallets
			SET balance_cents = balance_cents + ?,
			    lifetime_spent_cents = lifetime_spent_cents + ?,
			    updated_at = ?
			WHERE user_id = ?
			RETURNING balance_cents
		`), st.ReleasedCents, st.DebitedCents, now, st.UserID).Scan(&remaining)
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.ErrWalletNotFound
		}
		if err != nil {
			return fmt.Errorf("settle update failed: %w", err)
		}

		for _, e := range st.Entries {
			if err := s.insertEntry(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
	return remaining, err
}

// Grant creates the wallet on first use or tops it up.
func (s *Store) Grant(ctx context.Context, entry ledger.Entry) (int64, error) {
	var remaining int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := millis(s.now())
		err := tx.QueryRowContext(ctx, s.rebind(`
			INSERT INTO wallets (user_id, balance_cents, lifetime_granted_cents, lifetime_spent_cents, created_at, updated_at)
			VALUES (?, ?, ?, 0, ?, ?)
			ON CONFLICT (user_id) DO UPDATE SET
				balance_cents = wallets.balance_cents + excluded.balance_cents,
				lifetime_granted_cents = wallets.lifetime_granted_cents + excluded.lifetime_granted_cents,
				updated_at = excluded.updated_at
			RETURNING balance_cents
		`), entry.UserID, entry.AmountCents, entry.AmountCents, now, now).Scan(&remaining)
		if err != nil {
			return fmt.Errorf("grant upsert failed: %w", err)
		}
		return s.insertEntry(ctx, tx, entry)
	})
	return remaining, err
}

// Wallet loads one wallet.
func (s *Store) Wallet(ctx context.Context, userID string) (*ledger.Wallet, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT user_id, balance_cents, lifetime_granted_cents, lifetime_spent_cents, created_at, updated_at
		FROM wallets WHERE user_id = ?
	`), userID)
	w, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("wallet query failed: %w", err)
	}
	return w, nil
}

// Wallets pages through wallets ordered by user id.
func (s *Store) Wallets(ctx context.Context, limit, offset int) ([]*ledger.Wallet, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT user_id, balance_cents, lifetime_granted_cents, lifetime_spent_cents, created_at, updated_at
		FROM wallets
		ORDER BY user_id
		LIMIT ? OFFSET ?
	`), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("wallets query failed: %w", err)
	}
	defer rows.Close()

	var wallets []*ledger.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, fmt.Errorf("wallet scan failed: %w", err)
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

// Entries lists entries matching filter in append order.
func (s *Store) Entries(ctx context.Context, filter ledger.EntryFilter) ([]ledger.Entry, error) {
	var (
		where []string
		args  []any
	)
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.RequestID != "" {
		where = append(where, "request_id = ?")
		args = append(args, filter.RequestID)
	}
	if filter.Type != "" {
		where = append(where, "entry_type = ?")
		args = append(args, string(filter.Type))
	}
	if !filter.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, millis(filter.Since))
	}

	query := `SELECT id, user_id, entry_type, amount_cents, currency, request_id, thread_id,
		message_id, model_id, provider, metadata, created_at FROM ledger_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("entries query failed: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var (
			e                                                 ledger.Entry
			entryType                                         string
			requestID, threadID, messageID, modelID, provider sql.NullString
			metadata                                          sql.NullString
			createdAt                                         int64
		)
		if err := rows.Scan(&e.ID, &e.UserID, &entryType, &e.AmountCents, &e.Currency,
			&requestID, &threadID, &messageID, &modelID, &provider, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("entry scan failed: %w", err)
		}
		e.Type = ledger.EntryType(entryType)
		e.RequestID = requestID.String
		e.ThreadID = threadID.String
		e.MessageID = messageID.String
		e.ModelID = modelID.String
		e.Provider = provider.String
		e.CreatedAt = fromMillis(createdAt)
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("entry %s metadata: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// OpenReservations lists open holds created before olderThan.
func (s *Store) OpenReservations(ctx context.Context, olderThan time.Time, limit int) ([]ledger.Reservation, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT request_id, user_id, amount_cents, status, created_at
		FROM reservations
		WHERE status = ? AND created_at < ?
		ORDER BY created_at
		LIMIT ?
	`), string(ledger.ReservationOpen), millis(olderThan), limit)
	if err != nil {
		return nil, fmt.Errorf("open reservations query failed: %w", err)
	}
	defer rows.Close()

	var out []ledger.Reservation
	for rows.Next() {
		var (
			r         ledger.Reservation
			status    string
			createdAt int64
		)
		if err := rows.Scan(&r.RequestID, &r.UserID, &r.AmountCents, &status, &createdAt); err != nil {
			return nil, fmt.Errorf("reservation scan failed: %w", err)
		}
		r.Status = ledger.ReservationStatus(status)
		r.CreatedAt = fromMillis(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Reservation loads one tracked reservation.
func (s *Store) Reservation(ctx context.Context, requestID string) (*ledger.Reservation, error) {
	var (
		r         ledger.Reservation
		status    string
		createdAt int64
		closedAt  sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT request_id, user_id, amount_cents, status, created_at, closed_at
		FROM reservations WHERE request_id = ?
	`), requestID).Scan(&r.RequestID, &r.UserID, &r.AmountCents, &status, &createdAt, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reservation query failed: %w", err)
	}
	r.Status = ledger.ReservationStatus(status)
	r.CreatedAt = fromMillis(createdAt)
	if closedAt.Valid {
		t := fromMillis(closedAt.Int64)
		r.ClosedAt = &t
	}
	return &r, nil
}

// closeReservation moves a tracked reservation out of the open state. The
// amount must equal the held amount. An unknown request id is an untracked
// reservation and is not an error.
func (s *Store) closeReservation(ctx context.Context, tx *sql.Tx, requestID, userID string, amount int64, status ledger.ReservationStatus, now int64) error {
	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE reservations
		SET status = ?, closed_at = ?
		WHERE request_id = ? AND user_id = ? AND status = ? AND amount_cents = ?
	`), string(status), now, requestID, userID, string(ledger.ReservationOpen), amount)
	if err != nil {
		return fmt.Errorf("close reservation failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close reservation failed: %w", err)
	}
	if n == 1 {
		return nil
	}

	var current string
	err = tx.QueryRowContext(ctx, s.rebind(`
		SELECT status FROM reservations WHERE request_id = ?
	`), requestID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		s.log.Warn().
			Str("request_id", requestID).
			Str("user_id", userID).
			Int64("amount_cents", amount).
			Msg("no reservation recorded for request, closing as untracked")
		return nil
	}
	if err != nil {
		return fmt.Errorf("reservation lookup failed: %w", err)
	}
	if ledger.ReservationStatus(current) != ledger.ReservationOpen {
		return ledger.ErrReservationClosed
	}
	return ledger.ErrReservationMismatch
}

func (s *Store) balance(ctx context.Context, tx *sql.Tx, userID string) (int64, error) {
	var balance int64
	err := tx.QueryRowContext(ctx, s.rebind(`
		SELECT balance_cents FROM wallets WHERE user_id = ?
	`), userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ledger.ErrWalletNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("balance query failed: %w", err)
	}
	return balance, nil
}

func (s *Store) insertEntry(ctx context.Context, tx *sql.Tx, e ledger.Entry) error {
	var metadata sql.NullString
	if len(e.Metadata) > 0 {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal entry metadata: %w", err)
		}
		metadata = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO ledger_entries (
			id, user_id, entry_type, amount_cents, currency,
			request_id, thread_id, message_id, model_id, provider,
			metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), e.ID, e.UserID, string(e.Type), e.AmountCents, e.Currency,
		nullString(e.RequestID), nullString(e.ThreadID), nullString(e.MessageID),
		nullString(e.ModelID), nullString(e.Provider), metadata, millis(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert %s entry failed: %w", e.Type, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWallet(row rowScanner) (*ledger.Wallet, error) {
	var (
		w                    ledger.Wallet
		createdAt, updatedAt int64
	)
	if err := row.Scan(&w.UserID, &w.BalanceCents, &w.LifetimeGrantedCents, &w.LifetimeSpentCents, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	w.CreatedAt = fromMillis(createdAt)
	w.UpdatedAt = fromMillis(updatedAt)
	return &w, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

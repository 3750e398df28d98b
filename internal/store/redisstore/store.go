// Package redisstore is a ledger.Store held entirely in Redis.
//
// Every balance mutation is a single Lua script, so the check and the
// change execute atomically on the server no matter how many API
// instances call in. This avoids the check-then-act race where concurrent
// requests all see enough funds and collectively overdraw.
//
// Key layout (prefix omitted):
//
//	wallet:{user}                   hash  balance, granted, spent, created_at, updated_at
//	wallet:{user}:entries           list  ledger entries as JSON, append order
//	reservation:{user}:<request>    hash  tracked reservation
//	reservations:open               zset  reservation keys scored by created_at ms
//	wallets                         zset  user ids, lexicographic
//
// The two index sets are global, so this store targets a single Redis
// node rather than a cluster.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/kelpejol/paygate/internal/ledger"
)

var _ ledger.Store = (*Store)(nil)

// Options configures Dial.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MinIdleConns int
}

// Store implements ledger.Store on Redis.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
	log    zerolog.Logger
	now    func() time.Time
}

// Dial connects to Redis and verifies connectivity.
func Dial(ctx context.Context, opts Options, logger zerolog.Logger) (*Store, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 500 * time.Millisecond
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 500 * time.Millisecond
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = 100
	}
	if opts.MinIdleConns <= 0 {
		opts.MinIdleConns = 10
	}

	logger.Info().Str("redis_addr", opts.Addr).Msg("connecting ledger store to redis")

	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,

		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,

		// Keep connections alive to prevent firewall timeouts
		PoolTimeout:        30 * time.Second,
		IdleTimeout:        5 * time.Minute,
		IdleCheckFrequency: time.Minute,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return New(rdb, opts.Prefix, logger), nil
}

// New wraps an existing client. prefix is prepended to every key.
func New(rdb redis.UniversalClient, prefix string, logger zerolog.Logger) *Store {
	return &Store{
		rdb:    rdb,
		prefix: prefix,
		log:    logger.With().Str("component", "redisstore").Logger(),
		now:    time.Now,
	}
}

// Client exposes the underlying client so other components can share the
// pool.
func (s *Store) Client() redis.UniversalClient {
	return s.rdb
}

func (s *Store) walletKey(userID string) string {
	return fmt.Sprintf("%swallet:{%s}", s.prefix, userID)
}

func (s *Store) entriesKey(userID string) string {
	return fmt.Sprintf("%swallet:{%s}:entries", s.prefix, userID)
}

func (s *Store) reservationKey(userID, requestID string) string {
	return fmt.Sprintf("%sreservation:{%s}:%s", s.prefix, userID, requestID)
}

func (s *Store) openKey() string {
	return s.prefix + "reservations:open"
}

func (s *Store) walletsKey() string {
	return s.prefix + "wallets"
}

// Reserve runs the guarded decrement script.
func (s *Store) Reserve(ctx context.Context, entry ledger.Entry) (int64, error) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("marshal entry: %w", err)
	}

	keys := []string{
		s.walletKey(entry.UserID),
		s.entriesKey(entry.UserID),
		s.reservationKey(entry.UserID, entry.RequestID),
		s.openKey(),
	}
	args := []interface{}{
		entry.AmountCents,
		string(payload),
		entry.RequestID,
		entry.UserID,
		s.now().UnixMilli(),
		entry.CreatedAt.UnixMilli(),
	}

	result, err := reserveScript.Run(ctx, s.rdb, keys, args...).Result()
	if err != nil {
		return 0, fmt.Errorf("reserve lua script failed: %w", err)
	}

	ok, balance, reason, err := parseResult(result)
	if err != nil {
		return 0, err
	}
	if !ok {
		switch reason {
		case "INSUFFICIENT_BALANCE":
			return 0, &ledger.InsufficientBalanceError{RemainingCents: balance, RequestedCents: entry.AmountCents}
		case "REQUEST_EXISTS":
			return 0, ledger.ErrDuplicateRequest
		}
		return 0, fmt.Errorf("reserve rejected: %s", reason)
	}
	return balance, nil
}

// Release credits the held amount back.
func (s *Store) Release(ctx context.Context, entry ledger.Entry, closeAs ledger.ReservationStatus) (int64, error) {
	return s.close(ctx, entry.UserID, entry.RequestID, entry.AmountCents, 0, entry.AmountCents, closeAs, []ledger.Entry{entry})
}

// Settle records the debit and refund.
func (s *Store) Settle(ctx context.Context, st ledger.Settlement) (int64, error) {
	return s.close(ctx, st.UserID, st.RequestID, st.ReleasedCents, st.DebitedCents, st.ReservedCents, ledger.ReservationSettled, st.Entries)
}

func (s *Store) close(ctx context.Context, userID, requestID string, balanceDelta, spentDelta, reserved int64, status ledger.ReservationStatus, entries []ledger.Entry) (int64, error) {
	tracked := "0"
	if requestID != "" {
		tracked = "1"
	}

	keys := []string{
		s.walletKey(userID),
		s.entriesKey(userID),
		s.reservationKey(userID, requestID),
		s.openKey(),
	}
	args := []interface{}{
		balanceDelta,
		spentDelta,
		reserved,
		string(status),
		s.now().UnixMilli(),
		tracked,
	}
	for _, e := range entries {
		payload, err := json.Marshal(e)
		if err != nil {
			return 0, fmt.Errorf("marshal entry: %w", err)
		}
		args = append(args, string(payload))
	}

	result, err := closeScript.Run(ctx, s.rdb, keys, args...).Result()
	if err != nil {
		return 0, fmt.Errorf("close lua script failed: %w", err)
	}

	ok, balance, reason, err := parseResult(result)
	if err != nil {
		return 0, err
	}
	if !ok {
		switch reason {
		case "WALLET_NOT_FOUND":
			return 0, ledger.ErrWalletNotFound
		case "RESERVATION_CLOSED":
			return 0, ledger.ErrReservationClosed
		case "RESERVATION_MISMATCH":
			return 0, ledger.ErrReservationMismatch
		}
		return 0, fmt.Errorf("close rejected: %s", reason)
	}
	if reason == "UNTRACKED" {
		s.log.Warn().
			Str("request_id", requestID).
			Str("user_id", userID).
			Int64("amount_cents", reserved).
			Msg("no reservation recorded for request, closing as untracked")
	}
	return balance, nil
}

// Grant creates or tops up the wallet.
func (s *Store) Grant(ctx context.Context, entry ledger.Entry) (int64, error) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("marshal entry: %w", err)
	}
	keys := []string{s.walletKey(entry.UserID), s.entriesKey(entry.UserID), s.walletsKey()}
	args := []interface{}{entry.AmountCents, s.now().UnixMilli(), string(payload), entry.UserID}

	balance, err := grantScript.Run(ctx, s.rdb, keys, args...).Int64()
	if err != nil {
		return 0, fmt.Errorf("grant lua script failed: %w", err)
	}
	return balance, nil
}

// Wallet reads one wallet hash.
func (s *Store) Wallet(ctx context.Context, userID string) (*ledger.Wallet, error) {
	fields, err := s.rdb.HGetAll(ctx, s.walletKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("wallet read failed: %w", err)
	}
	if len(fields) == 0 {
		return nil, ledger.ErrWalletNotFound
	}
	return &ledger.Wallet{
		UserID:               userID,
		BalanceCents:         parseInt(fields["balance"]),
		LifetimeGrantedCents: parseInt(fields["granted"]),
		LifetimeSpentCents:   parseInt(fields["spent"]),
		CreatedAt:            time.UnixMilli(parseInt(fields["created_at"])).UTC(),
		UpdatedAt:            time.UnixMilli(parseInt(fields["updated_at"])).UTC(),
	}, nil
}

// Wallets pages through the wallet index.
func (s *Store) Wallets(ctx context.Context, limit, offset int) ([]*ledger.Wallet, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	ids, err := s.rdb.ZRange(ctx, s.walletsKey(), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("wallet index read failed: %w", err)
	}

	wallets := make([]*ledger.Wallet, 0, len(ids))
	for _, id := range ids {
		w, err := s.Wallet(ctx, id)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, nil
}

// Entries reads entry lists and filters them client-side.
func (s *Store) Entries(ctx context.Context, filter ledger.EntryFilter) ([]ledger.Entry, error) {
	users := []string{filter.UserID}
	if filter.UserID == "" {
		var err error
		users, err = s.rdb.ZRange(ctx, s.walletsKey(), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("wallet index read failed: %w", err)
		}
	}

	var out []ledger.Entry
	for _, userID := range users {
		raw, err := s.rdb.LRange(ctx, s.entriesKey(userID), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("entries read failed: %w", err)
		}
		for _, r := range raw {
			var e ledger.Entry
			if err := json.Unmarshal([]byte(r), &e); err != nil {
				return nil, fmt.Errorf("decode entry: %w", err)
			}
			if !matches(e, filter) {
				continue
			}
			out = append(out, e)
			if filter.Limit > 0 && len(out) >= filter.Limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// OpenReservations reads the open index oldest first.
func (s *Store) OpenReservations(ctx context.Context, olderThan time.Time, limit int) ([]ledger.Reservation, error) {
	if limit <= 0 {
		limit = 500
	}
	keys, err := s.rdb.ZRangeByScore(ctx, s.openKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(olderThan.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("open reservations read failed: %w", err)
	}

	out := make([]ledger.Reservation, 0, len(keys))
	for _, key := range keys {
		fields, err := s.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("reservation read failed: %w", err)
		}
		if len(fields) == 0 {
			continue
		}
		out = append(out, ledger.Reservation{
			RequestID:   fields["request_id"],
			UserID:      fields["user_id"],
			AmountCents: parseInt(fields["amount_cents"]),
			Status:      ledger.ReservationStatus(fields["status"]),
			CreatedAt:   time.UnixMilli(parseInt(fields["created_at"])).UTC(),
		})
	}
	return out, nil
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func matches(e ledger.Entry, f ledger.EntryFilter) bool {
	if f.RequestID != "" && e.RequestID != f.RequestID {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

func parseResult(result interface{}) (ok bool, balance int64, reason string, err error) {
	arr, isArr := result.([]interface{})
	if !isArr || len(arr) != 3 {
		return false, 0, "", fmt.Errorf("unexpected lua result %v", result)
	}
	code, _ := arr[0].(int64)
	balance, _ = arr[1].(int64)
	reason, _ = arr[2].(string)
	return code == 1, balance, reason, nil
}

func parseInt(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

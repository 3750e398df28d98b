package redisstore

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/paygate/internal/ledger"
)

func newTestLedger(t *testing.T) (*ledger.Ledger, *Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := New(rdb, "test:", zerolog.Nop())
	t.Cleanup(func() { s.Close() })
	return ledger.New(s, zerolog.Nop()), s, mr
}

func TestDial(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := Dial(context.Background(), Options{Addr: mr.Addr()}, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()
	assert.NoError(t, s.Ping(context.Background()))

	_, err = Dial(context.Background(), Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond}, zerolog.Nop())
	assert.Error(t, err)
}

func TestScenarioOnRedis(t *testing.T) {
	l, s, mr := newTestLedger(t)
	ctx := context.Background()

	_, err := l.GrantCredit(ctx, "user-1", 500, "admin", "")
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:wallet:{user-1}"))

	res, err := l.Reserve(ctx, "user-1", 300, ledger.Metadata{RequestID: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(200), res.RemainingBalanceCents)

	settled, err := l.Settle(ctx, "user-1", 300, 250, ledger.Metadata{RequestID: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, ledger.SettleResult{DebitedCents: 250, ReleasedCents: 50, RemainingBalanceCents: 250}, settled)

	w, err := s.Wallet(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(250), w.BalanceCents)
	assert.Equal(t, int64(250), w.LifetimeSpentCents)
	assert.Equal(t, int64(500), w.LifetimeGrantedCents)

	_, err = l.Settle(ctx, "user-1", 300, 250, ledger.Metadata{RequestID: "req-1"})
	assert.ErrorIs(t, err, ledger.ErrReservationClosed)

	report, err := l.VerifyIntegrity(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, report.OK(), report.String())
	assert.Equal(t, 4, report.Entries)
}

func TestInsufficientBalanceOnRedis(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Reserve(ctx, "nobody", 10, ledger.Metadata{})
	var insufficient *ledger.InsufficientBalanceError
	require.True(t, errors.As(err, &insufficient))
	assert.Zero(t, insufficient.RemainingCents)

	_, err = l.GrantCredit(ctx, "user-1", 200, "admin", "")
	require.NoError(t, err)
	_, err = l.Reserve(ctx, "user-1", 300, ledger.Metadata{})
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, int64(200), insufficient.RemainingCents)
}

func TestDuplicateAndMismatchOnRedis(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.GrantCredit(ctx, "user-1", 1000, "admin", "")
	require.NoError(t, err)
	_, err = l.Reserve(ctx, "user-1", 100, ledger.Metadata{RequestID: "req-1"})
	require.NoError(t, err)

	_, err = l.Reserve(ctx, "user-1", 100, ledger.Metadata{RequestID: "req-1"})
	assert.ErrorIs(t, err, ledger.ErrDuplicateRequest)

	_, err = l.Release(ctx, "user-1", 500, ledger.Metadata{RequestID: "req-1"})
	assert.ErrorIs(t, err, ledger.ErrReservationMismatch)

	res, err := l.Release(ctx, "user-1", 100, ledger.Metadata{RequestID: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), res.RemainingBalanceCents)
}

func TestSettleMissingWalletOnRedis(t *testing.T) {
	l, _, _ := newTestLedger(t)

	_, err := l.Settle(context.Background(), "ghost", 10, 5, ledger.Metadata{})
	assert.ErrorIs(t, err, ledger.ErrWalletNotFound)
}

func TestOpenReservationsAndExpire(t *testing.T) {
	l, s, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.GrantCredit(ctx, "user-1", 1000, "admin", "")
	require.NoError(t, err)
	_, err = l.Reserve(ctx, "user-1", 100, ledger.Metadata{RequestID: "req-1"})
	require.NoError(t, err)
	_, err = l.Reserve(ctx, "user-1", 50, ledger.Metadata{})
	require.NoError(t, err)

	none, err := s.OpenReservations(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	open, err := s.OpenReservations(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "req-1", open[0].RequestID)
	assert.Equal(t, "user-1", open[0].UserID)
	assert.Equal(t, int64(100), open[0].AmountCents)

	_, err = l.Expire(ctx, open[0])
	require.NoError(t, err)

	open, err = s.OpenReservations(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestConcurrentReservationsOnRedis(t *testing.T) {
	l, s, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.GrantCredit(ctx, "user-1", 100, "admin", "")
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for _, amount := range []int64{70, 60, 55, 80} {
		wg.Add(1)
		go func(amount int64) {
			defer wg.Done()
			if _, err := l.Reserve(ctx, "user-1", amount, ledger.Metadata{}); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(amount)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	w, err := s.Wallet(ctx, "user-1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, w.BalanceCents, int64(0))
}

func TestEntriesAndWalletsOnRedis(t *testing.T) {
	l, s, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.GrantCredit(ctx, "bob", 10, "admin", "")
	require.NoError(t, err)
	_, err = l.GrantCredit(ctx, "alice", 20, "admin", "")
	require.NoError(t, err)
	_, err = l.Reserve(ctx, "alice", 5, ledger.Metadata{RequestID: "req-a"})
	require.NoError(t, err)

	wallets, err := s.Wallets(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, wallets, 2)
	assert.Equal(t, "alice", wallets[0].UserID)

	entries, err := s.Entries(ctx, ledger.EntryFilter{RequestID: "req-a"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.EntryReservation, entries[0].Type)

	grants, err := s.Entries(ctx, ledger.EntryFilter{Type: ledger.EntryGrant, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, grants, 1)

	_, err = s.Wallet(ctx, "carol")
	assert.ErrorIs(t, err, ledger.ErrWalletNotFound)
}

func TestCloseReservationRequiresHeldAmountOnRedis(t *testing.T) {
	l, s, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.GrantCredit(ctx, "user-1", 500, "admin", "")
	require.NoError(t, err)
	_, err = l.Reserve(ctx, "user-1", 300, ledger.Metadata{RequestID: "req-1"})
	require.NoError(t, err)

	_, err = l.Settle(ctx, "user-1", 100, 100, ledger.Metadata{RequestID: "req-1"})
	assert.ErrorIs(t, err, ledger.ErrReservationMismatch)
	_, err = l.Release(ctx, "user-1", 100, ledger.Metadata{RequestID: "req-1"})
	assert.ErrorIs(t, err, ledger.ErrReservationMismatch)

	open, err := s.OpenReservations(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, int64(300), open[0].AmountCents)

	w, err := s.Wallet(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), w.BalanceCents)
	assert.Equal(t, int64(0), w.LifetimeSpentCents)

	settled, err := l.Settle(ctx, "user-1", 300, 100, ledger.Metadata{RequestID: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(400), settled.RemainingBalanceCents)
}

func TestReleaseUnknownRequestLogsWarningOnRedis(t *testing.T) {
	var buf bytes.Buffer
	mr := miniredis.RunT(t)
	s := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:", zerolog.New(&buf))
	t.Cleanup(func() { s.Close() })
	l := ledger.New(s, zerolog.Nop())
	ctx := context.Background()

	_, err := l.GrantCredit(ctx, "user-1", 500, "admin", "")
	require.NoError(t, err)

	res, err := l.Release(ctx, "user-1", 40, ledger.Metadata{RequestID: "never-reserved"})
	require.NoError(t, err)
	assert.Equal(t, int64(540), res.RemainingBalanceCents)
	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), `"request_id":"never-reserved"`)

	buf.Reset()
	_, err = l.Reserve(ctx, "user-1", 40, ledger.Metadata{RequestID: "req-1"})
	require.NoError(t, err)
	_, err = l.Release(ctx, "user-1", 40, ledger.Metadata{RequestID: "req-1"})
	require.NoError(t, err)
	assert.NotContains(t, buf.String(), "closing as untracked")
}

package feedback

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/paygate/internal/audit"
)

var errStoreDown = errors.New("store down")

// memStore aggregates ratings in memory. statsErr and signalsErr inject
// failures.
type memStore struct {
	mu         sync.Mutex
	ratings    map[string]Rating
	signals    map[string]Signal
	statsErr   map[string]error
	signalsErr error
	upserts    int
	deletes    int
}

func newMemStore() *memStore {
	return &memStore{
		ratings:  make(map[string]Rating),
		signals:  make(map[string]Signal),
		statsErr: make(map[string]error),
	}
}

func (m *memStore) InsertRating(_ context.Context, r Rating) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ratings[r.ID] = r
	return nil
}

func (m *memStore) DeleteRating(_ context.Context, id string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.ratings[id]
	if !ok {
		return nil, ErrRatingNotFound
	}
	delete(m.ratings, id)
	ids := r.ChunkIDs()
	sort.Strings(ids)
	return ids, nil
}

func (m *memStore) ChunkStats(_ context.Context, chunkID string) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.statsErr[chunkID]; err != nil {
		return Stats{}, err
	}
	var st Stats
	sum := 0
	for _, r := range m.ratings {
		for _, c := range r.Citations {
			if c.ChunkID != chunkID {
				continue
			}
			st.RatingCount++
			sum += r.Rating
			if r.Rating <= 2 {
				st.Low++
			}
			if r.Rating >= 4 {
				st.High++
			}
			if c.DocID != "" {
				st.DocID = c.DocID
			}
			break
		}
	}
	if st.RatingCount > 0 {
		st.AvgRating = float64(sum) / float64(st.RatingCount)
	}
	return st, nil
}

func (m *memStore) UpsertSignal(_ context.Context, s Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals[s.ChunkID] = s
	m.upserts++
	return nil
}

func (m *memStore) DeleteSignal(_ context.Context, chunkID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.signals, chunkID)
	m.deletes++
	return nil
}

func (m *memStore) Signals(_ context.Context, chunkIDs []string) (map[string]Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.signalsErr != nil {
		return nil, m.signalsErr
	}
	out := make(map[string]Signal)
	for _, id := range chunkIDs {
		if s, ok := m.signals[id]; ok {
			out[id] = s
		}
	}
	return out, nil
}

func (m *memStore) setSignalsErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signalsErr = err
}

func (m *memStore) signal(chunkID string) (Signal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.signals[chunkID]
	return s, ok
}

type recordingDispatcher struct {
	mu   sync.Mutex
	jobs [][]string
	err  error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, ids []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, ids)
	return d.err
}

type countingBroadcaster struct {
	n atomic.Int64
}

func (b *countingBroadcaster) Publish(context.Context) error {
	b.n.Add(1)
	return nil
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []audit.Event
}

func (a *recordingAuditor) Record(e audit.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
}

func rating(id string, score int, chunks ...string) Rating {
	r := Rating{ID: id, Source: SourceMessage, TargetID: "msg-" + id, UserID: "user-1", Rating: score}
	for _, c := range chunks {
		r.Citations = append(r.Citations, Citation{ChunkID: c, DocID: "doc-" + c})
	}
	return r
}

func TestMultiplierNeutralWithoutSignal(t *testing.T) {
	e := NewEngine(newMemStore(), zerolog.Nop())
	assert.Equal(t, NeutralMultiplier, e.Multiplier(context.Background(), "unknown"))

	got := e.Multipliers(context.Background(), []string{"a", "b", "a"})
	assert.Equal(t, map[string]float64{"a": 1, "b": 1}, got)
}

func TestMultiplierServesFromCache(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.signals["c1"] = Signal{ChunkID: "c1", Multiplier: 0.8}

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	e := NewEngine(store, zerolog.Nop(), WithMetrics(m))

	assert.Equal(t, 0.8, e.Multiplier(ctx, "c1"))

	// a stale cache is served until it is invalidated
	store.signals["c1"] = Signal{ChunkID: "c1", Multiplier: 1.1}
	assert.Equal(t, 0.8, e.Multiplier(ctx, "c1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("miss")))

	e.InvalidateLocal()
	assert.Equal(t, 1.1, e.Multiplier(ctx, "c1"))
}

func TestMultiplierDegradesOnStoreError(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.signals["c1"] = Signal{ChunkID: "c1", Multiplier: 0.75}
	store.setSignalsErr(errStoreDown)

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	e := NewEngine(store, zerolog.Nop(), WithMetrics(m))

	assert.Equal(t, NeutralMultiplier, e.Multiplier(ctx, "c1"))
	assert.Equal(t, map[string]float64{"c1": 1, "c2": 1}, e.Multipliers(ctx, []string{"c1", "c2"}))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.storeErrors))

	// failures are not cached
	assert.Zero(t, e.Cache().Len())
	store.setSignalsErr(nil)
	assert.Equal(t, 0.75, e.Multiplier(ctx, "c1"))

	_, _, err := e.Signal(ctx, "c1")
	require.NoError(t, err)
	store.setSignalsErr(errStoreDown)
	_, _, err = e.Signal(ctx, "c1")
	assert.ErrorIs(t, err, errStoreDown)
}

func TestRecomputeSignals(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := &countingBroadcaster{}
	e := NewEngine(store, zerolog.Nop(), WithBroadcaster(b), WithClock(func() time.Time { return now }))

	// 7 ones, a two and two threes: avg 1.5 with 8 low ratings
	scores := []int{1, 1, 1, 1, 1, 1, 1, 2, 3, 3}
	for i, s := range scores {
		r := rating(string(rune('a'+i)), s, "c1")
		require.NoError(t, store.InsertRating(ctx, r))
	}
	store.signals["orphan"] = Signal{ChunkID: "orphan", Multiplier: 0.9}
	e.Cache().Set("c1", 1)

	require.NoError(t, e.RecomputeSignals(ctx, []string{"c1", "orphan", "c1", ""}))

	s, ok := store.signal("c1")
	require.True(t, ok)
	assert.InDelta(t, 0.706, s.Multiplier, 1e-9)
	assert.Equal(t, 10, s.RatingCount)
	assert.Equal(t, 8, s.LowRatingCount)
	assert.Equal(t, "doc-c1", s.DocID)
	assert.Equal(t, now, s.UpdatedAt)

	_, ok = store.signal("orphan")
	assert.False(t, ok)

	assert.Zero(t, e.Cache().Len())
	assert.Equal(t, int64(1), b.n.Load())
	assert.InDelta(t, 0.706, e.Multiplier(ctx, "c1"), 1e-9)

	// idempotent
	require.NoError(t, e.RecomputeSignals(ctx, []string{"c1"}))
	s2, _ := store.signal("c1")
	assert.Equal(t, s, s2)
}

func TestRecomputeSignalsJoinsErrors(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	require.NoError(t, store.InsertRating(ctx, rating("r1", 5, "good", "bad")))
	store.statsErr["bad"] = errStoreDown

	e := NewEngine(store, zerolog.Nop())
	err := e.RecomputeSignals(ctx, []string{"bad", "good"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errStoreDown)
	assert.Contains(t, err.Error(), "chunk bad")

	_, ok := store.signal("good")
	assert.True(t, ok)
}

func TestRecomputeSignalsEmpty(t *testing.T) {
	b := &countingBroadcaster{}
	e := NewEngine(newMemStore(), zerolog.Nop(), WithBroadcaster(b))
	require.NoError(t, e.RecomputeSignals(context.Background(), nil))
	assert.Zero(t, b.n.Load())
}

func TestSubmitRating(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	d := &recordingDispatcher{}
	a := &recordingAuditor{}
	e := NewEngine(store, zerolog.Nop(), WithDispatcher(d), WithAuditor(a))

	_, err := e.SubmitRating(ctx, Rating{Source: SourceMessage, TargetID: "m1", Rating: 6})
	assert.ErrorIs(t, err, ErrInvalidRating)
	_, err = e.SubmitRating(ctx, Rating{Source: "email", TargetID: "m1", Rating: 3})
	assert.ErrorIs(t, err, ErrInvalidSource)
	_, err = e.SubmitRating(ctx, Rating{Source: SourceThread, Rating: 3})
	assert.ErrorIs(t, err, ErrMissingTarget)
	assert.Empty(t, d.jobs)

	r := Rating{
		Source:   SourceThread,
		TargetID: "thread-1",
		UserID:   "user-9",
		Rating:   4,
		Citations: []Citation{
			{ChunkID: "c2"}, {ChunkID: "c1"}, {ChunkID: "c2"},
		},
	}
	stored, err := e.SubmitRating(ctx, r)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ID)
	assert.False(t, stored.CreatedAt.IsZero())

	require.Len(t, d.jobs, 1)
	assert.Equal(t, []string{"c2", "c1"}, d.jobs[0])

	require.Len(t, a.events, 1)
	assert.Equal(t, "rating.submit", a.events[0].Action)
	assert.Equal(t, "user-9", a.events[0].ActorID)
	assert.Equal(t, "thread-1", a.events[0].Subject)
}

func TestSubmitRatingWithoutCitationsSkipsDispatch(t *testing.T) {
	d := &recordingDispatcher{}
	e := NewEngine(newMemStore(), zerolog.Nop(), WithDispatcher(d))
	_, err := e.SubmitRating(context.Background(), Rating{Source: SourceMessage, TargetID: "m1", Rating: 2})
	require.NoError(t, err)
	assert.Empty(t, d.jobs)
}

func TestDispatchFailureIsNotReturned(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	d := &recordingDispatcher{err: ErrDispatcherFull}
	e := NewEngine(newMemStore(), zerolog.Nop(), WithDispatcher(d), WithMetrics(m))

	_, err := e.SubmitRating(context.Background(), rating("r1", 5, "c1"))
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatches.WithLabelValues("error")))
}

func TestDeleteRating(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	d := &recordingDispatcher{}
	a := &recordingAuditor{}
	e := NewEngine(store, zerolog.Nop(), WithDispatcher(d), WithAuditor(a))

	err := e.DeleteRating(ctx, "missing", "admin")
	assert.ErrorIs(t, err, ErrRatingNotFound)

	require.NoError(t, store.InsertRating(ctx, rating("r1", 1, "c3", "c1")))
	require.NoError(t, e.DeleteRating(ctx, "r1", "admin"))

	require.Len(t, d.jobs, 1)
	assert.Equal(t, []string{"c1", "c3"}, d.jobs[0])
	require.Len(t, a.events, 1)
	assert.Equal(t, "rating.delete", a.events[0].Action)
	assert.Equal(t, "admin", a.events[0].ActorID)
}

func TestEnqueueWithoutDispatcherRunsInBackground(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	e := NewEngine(store, zerolog.Nop())

	_, err := e.SubmitRating(ctx, rating("r1", 5, "c1"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, ok := store.signal("c1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

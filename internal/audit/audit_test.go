package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySink struct {
	mu       sync.Mutex
	events   []Event
	failures int
	calls    int
}

func (s *memorySink) WriteEvent(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return errors.New("sink unavailable")
	}
	s.events = append(s.events, e)
	return nil
}

func (s *memorySink) snapshot() ([]Event, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...), s.calls
}

func TestRecorderWritesAndDrainsOnClose(t *testing.T) {
	sink := &memorySink{}
	r := NewRecorder(sink, zerolog.Nop(), Options{Workers: 3, QueueSize: 16})

	for i := 0; i < 10; i++ {
		r.Record(Event{ActorID: "admin", Action: "credit.grant", Subject: "user-1"})
	}
	r.Close()

	events, _ := sink.snapshot()
	require.Len(t, events, 10)
	for _, e := range events {
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.CreatedAt.IsZero())
	}
}

func TestRecorderRetriesWithBackoff(t *testing.T) {
	sink := &memorySink{failures: 2}
	r := NewRecorder(sink, zerolog.Nop(), Options{Workers: 1, InitialDelay: time.Millisecond})

	r.Record(Event{Action: "rating.submit"})
	r.Close()

	events, calls := sink.snapshot()
	assert.Len(t, events, 1)
	assert.Equal(t, 3, calls)
}

func TestRecorderGivesUpAfterMaxAttempts(t *testing.T) {
	sink := &memorySink{failures: 100}
	r := NewRecorder(sink, zerolog.Nop(), Options{Workers: 1, MaxAttempts: 3, InitialDelay: time.Millisecond})

	r.Record(Event{Action: "rating.submit"})
	r.Close()

	events, calls := sink.snapshot()
	assert.Empty(t, events)
	assert.Equal(t, 3, calls)
}

func TestRecordAfterCloseIsDropped(t *testing.T) {
	sink := &memorySink{}
	r := NewRecorder(sink, zerolog.Nop(), Options{})
	r.Close()
	r.Close()

	assert.NotPanics(t, func() { r.Record(Event{Action: "late"}) })
	events, _ := sink.snapshot()
	assert.Empty(t, events)
}

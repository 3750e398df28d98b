package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	calls [][]string
	err   error
}

func (r *recorder) RecomputeSignals(_ context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, ids)
	return r.err
}

func TestNewRecomputeTask(t *testing.T) {
	task, err := NewRecomputeTask([]string{"c1", "c2"})
	require.NoError(t, err)
	assert.Equal(t, TypeRecomputeSignals, task.Type())

	var p RecomputePayload
	require.NoError(t, json.Unmarshal(task.Payload(), &p))
	assert.Equal(t, []string{"c1", "c2"}, p.ChunkIDs)
}

func TestMuxRunsRecompute(t *testing.T) {
	r := &recorder{}
	mux := NewMux(r, zerolog.Nop())

	task, err := NewRecomputeTask([]string{"c1"})
	require.NoError(t, err)
	require.NoError(t, mux.ProcessTask(context.Background(), task))
	assert.Equal(t, [][]string{{"c1"}}, r.calls)

	// an empty batch is acknowledged without work
	task, err = NewRecomputeTask(nil)
	require.NoError(t, err)
	require.NoError(t, mux.ProcessTask(context.Background(), task))
	assert.Len(t, r.calls, 1)
}

func TestHandleRecomputeErrors(t *testing.T) {
	boom := errors.New("boom")
	r := &recorder{err: boom}
	h := HandleRecompute(r, zerolog.Nop())

	err := h(context.Background(), asynq.NewTask(TypeRecomputeSignals, []byte("{not json")))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, r.calls)

	task, err := NewRecomputeTask([]string{"c1"})
	require.NoError(t, err)
	err = h(context.Background(), task)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestEnqueuerDispatch(t *testing.T) {
	mr := miniredis.RunT(t)
	e := NewEnqueuer(asynq.RedisClientOpt{Addr: mr.Addr()}, EnqueuerOptions{Queue: "recompute"}, zerolog.Nop())
	defer e.Close()

	require.NoError(t, e.Dispatch(context.Background(), nil))
	require.NoError(t, e.Dispatch(context.Background(), []string{"c1", "c2"}))

	pending, err := mr.List("asynq:{recompute}:pending")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestEnqueuerUnreachableRedis(t *testing.T) {
	e := NewEnqueuer(asynq.RedisClientOpt{Addr: "127.0.0.1:1"}, EnqueuerOptions{}, zerolog.Nop())
	defer e.Close()

	err := e.Dispatch(context.Background(), []string{"c1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "enqueue recompute")
}

func TestLoggerAdapter(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(zerolog.New(&buf))

	l.Info("worker ", "started")
	l.Warn("slow")

	out := buf.String()
	assert.Contains(t, out, `"level":"info"`)
	assert.Contains(t, out, `"message":"worker started"`)
	assert.Contains(t, out, `"level":"warn"`)
}

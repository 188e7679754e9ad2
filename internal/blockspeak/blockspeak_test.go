package blockspeak

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockspeak/orchestrator/pkg/logger"
)

type countingSweeper struct {
	calls atomic.Int32
	panic bool
}

func (s *countingSweeper) Sweep(time.Time) int {
	s.calls.Add(1)
	if s.panic {
		panic("sweep failed")
	}
	return 1
}

type fakeReconciler struct {
	mu        sync.Mutex
	started   bool
	shutdown  bool
	startErr  error
	expired   int
	expireErr error
}

func (r *fakeReconciler) Start(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = true
	return r.startErr
}

func (r *fakeReconciler) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shutdown = true
}

func (r *fakeReconciler) ExpireLapsed(context.Context, time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expired++
	return 0, r.expireErr
}

func (r *fakeReconciler) expireCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expired
}

func TestStartStop(t *testing.T) {
	nonces, sessions := &countingSweeper{}, &countingSweeper{panic: true}
	rec := &fakeReconciler{}
	app := NewBlockSpeak(map[string]Sweeper{"nonces": nonces, "sessions": sessions}, rec,
		Options{SweepInterval: 5 * time.Millisecond, LapseSchedule: "@every 1s"}, logger.NewNop())

	var bgStopped atomic.Bool
	app.Go(func(ctx context.Context) {
		<-ctx.Done()
		bgStopped.Store(true)
	})

	require.NoError(t, app.Start())
	assert.Eventually(t, func() bool {
		return nonces.calls.Load() >= 2 && sessions.calls.Load() >= 2
	}, time.Second, 5*time.Millisecond, "a panicking sweeper keeps being scheduled")
	assert.Eventually(t, func() bool { return rec.expireCalls() >= 1 }, 3*time.Second, 50*time.Millisecond)

	app.Stop()
	assert.True(t, bgStopped.Load())
	assert.True(t, rec.started)
	assert.True(t, rec.shutdown)

	calls := nonces.calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, nonces.calls.Load(), "sweeps stop with the container")
}

func TestStart_ResumeFailure(t *testing.T) {
	rec := &fakeReconciler{startErr: errors.New("db down")}
	app := NewBlockSpeak(nil, rec, Options{}, logger.NewNop())
	assert.Error(t, app.Start())
}

func TestStart_InvalidSchedule(t *testing.T) {
	app := NewBlockSpeak(nil, &fakeReconciler{}, Options{LapseSchedule: "whenever"}, logger.NewNop())
	assert.Error(t, app.Start())
}

package blockspeak

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/blockspeak/orchestrator/pkg/logger"
)

const (
	// DefaultSweepInterval is how often expired nonces and sessions are dropped.
	DefaultSweepInterval = time.Minute
	// DefaultLapseSchedule is the cron spec of the subscription lapse sweep.
	DefaultLapseSchedule = "@every 5m"
)

// Sweeper drops expired entries and reports how many it removed.
type Sweeper interface {
	Sweep(now time.Time) int
}

// Reconciler is the part of the payment reconciler the container drives.
type Reconciler interface {
	Start(ctx context.Context) error
	Shutdown()
	ExpireLapsed(ctx context.Context, now time.Time) (int, error)
}

// Options tunes the background schedules.
type Options struct {
	SweepInterval time.Duration
	LapseSchedule string
}

// BlockSpeak owns the background loops of the orchestrator. It builds
// nothing itself: every component is injected.
type BlockSpeak struct {
	logger *logger.Logger

	sweepers   map[string]Sweeper
	reconciler Reconciler
	background []func(ctx context.Context)
	opts       Options

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBlockSpeak creates the container. sweepers are keyed by a name used in logs.
func NewBlockSpeak(sweepers map[string]Sweeper, reconciler Reconciler, opts Options, logger *logger.Logger) *BlockSpeak {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.LapseSchedule == "" {
		opts.LapseSchedule = DefaultLapseSchedule
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BlockSpeak{
		logger:     logger,
		sweepers:   sweepers,
		reconciler: reconciler,
		opts:       opts,
		cron:       cron.New(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Go registers a long-running task started with the container and
// cancelled by Stop.
func (b *BlockSpeak) Go(fn func(ctx context.Context)) {
	b.background = append(b.background, fn)
}

// Start resumes pending payment verifications and launches the loops.
func (b *BlockSpeak) Start() error {
	if err := b.reconciler.Start(b.ctx); err != nil {
		return fmt.Errorf("failed to resume payment verifications: %w", err)
	}

	for name, sweeper := range b.sweepers {
		b.startSweep(name, sweeper)
	}

	if _, err := b.cron.AddFunc(b.opts.LapseSchedule, b.expireLapsed); err != nil {
		return fmt.Errorf("invalid lapse schedule %q: %w", b.opts.LapseSchedule, err)
	}
	b.cron.Start()

	for _, fn := range b.background {
		fn := fn
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.safeCall(func() { fn(b.ctx) }, "background task")
		}()
	}

	b.logger.Info("BlockSpeak started", "sweep_interval", b.opts.SweepInterval, "lapse_schedule", b.opts.LapseSchedule)
	return nil
}

// Stop halts the schedules, cancels the loops and waits for in-flight
// payment verifications to stop.
func (b *BlockSpeak) Stop() {
	b.logger.Info("Stopping BlockSpeak")
	<-b.cron.Stop().Done()
	b.cancel()
	b.wg.Wait()
	b.reconciler.Shutdown()
	b.logger.Info("BlockSpeak stopped")
}

func (b *BlockSpeak) startSweep(name string, sweeper Sweeper) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.opts.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case now := <-ticker.C:
				b.safeCall(func() {
					if n := sweeper.Sweep(now); n > 0 {
						b.logger.Debug("Swept expired entries", "store", name, "count", n)
					}
				}, name+" sweep")
			case <-b.ctx.Done():
				return
			}
		}
	}()
}

func (b *BlockSpeak) expireLapsed() {
	b.safeCall(func() {
		n, err := b.reconciler.ExpireLapsed(b.ctx, time.Now())
		if err != nil {
			b.logger.Error("Failed to expire lapsed subscriptions", "error", err)
			return
		}
		if n > 0 {
			b.logger.Info("Expired lapsed subscriptions", "count", n)
		}
	}, "lapse sweep")
}

// safeCall runs a function with panic recovery (synchronous, no goroutine spawning)
func (b *BlockSpeak) safeCall(fn func(), context string) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Function panicked",
				"context", context,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}

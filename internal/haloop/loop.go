// Package haloop runs the single-threaded cooperative HA loop tying
// together internal/observer, internal/quorum, and internal/executor
// once per tick (spec §5). Only one tick runs at a time; the resolver
// is pure and never suspends, the executor suspends on I/O bounded by
// ctx deadlines, and cancellation between transitions is the executor's
// concern, not the loop's (spec §4.3).
//
// Modeled on the teacher's runWorker per-goroutine event loop, collapsed
// from a channel-fed worker pool to a single ticker-driven loop since
// there is exactly one supervisor instance driving writes at a time.
package haloop

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pgkeeper/pgkeeper/internal/dcs"
	"github.com/pgkeeper/pgkeeper/internal/executor"
	"github.com/pgkeeper/pgkeeper/internal/observability"
	"github.com/pgkeeper/pgkeeper/internal/observer"
	"github.com/pgkeeper/pgkeeper/internal/quorum"
)

// Loop drives the observe → resolve → apply cycle on a fixed period,
// only while this supervisor holds the DCS leader lease.
type Loop struct {
	observer *observer.Observer
	executor *executor.Executor
	dcsLease func() dcs.Lease // returns the current lease, nil if not leader
	metrics  *observability.Metrics
	log      *zap.Logger

	tickPeriod time.Duration

	paused  atomic.Bool
	forceCh chan struct{} // buffered size-1; a pending signal coalesces with any already queued
}

// New builds a Loop. leaseFunc returns the supervisor's current lease or
// nil if it does not currently hold leadership — the loop reads but
// does not write while nil.
func New(obs *observer.Observer, exec *executor.Executor, leaseFunc func() dcs.Lease, metrics *observability.Metrics, log *zap.Logger, tickPeriod time.Duration) *Loop {
	return &Loop{
		observer:   obs,
		executor:   exec,
		dcsLease:   leaseFunc,
		metrics:    metrics,
		log:        log,
		tickPeriod: tickPeriod,
		forceCh:    make(chan struct{}, 1),
	}
}

// Pause suspends the write path: ticks still observe but Apply is
// skipped. The control API's "pause" command calls this.
func (l *Loop) Pause() {
	l.paused.Store(true)
}

// Resume reverses Pause.
func (l *Loop) Resume() {
	l.paused.Store(false)
}

func (l *Loop) isPaused() bool {
	return l.paused.Load()
}

// Run blocks, ticking every tickPeriod (or immediately on a pending
// RequestTick), until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.tickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		case <-l.forceCh:
			l.tick(ctx)
		}
	}
}

// Tick runs exactly one observe-resolve-apply cycle immediately, blocking
// until it completes. Used directly by tests; production code (the
// control API's "force-resolve" command) calls RequestTick instead, since
// no user-initiated command may block on resolver progress (spec §7).
func (l *Loop) Tick(ctx context.Context) error {
	return l.tick(ctx)
}

// RequestTick asks Run's goroutine to perform one out-of-band tick as
// soon as it next reaches its select, without blocking the caller. A
// request already queued but not yet serviced absorbs a second one.
func (l *Loop) RequestTick() {
	select {
	case l.forceCh <- struct{}{}:
	default:
	}
}

func (l *Loop) tick(ctx context.Context) error {
	start := time.Now()
	defer func() {
		if l.metrics != nil {
			l.metrics.TickDuration.Observe(time.Since(start).Seconds())
		}
	}()

	in, version, err := l.observer.Observe(ctx)
	if err != nil {
		l.tickError("observe", err)
		return err
	}

	transitions, err := quorum.ResolveTransitions(in)
	if err != nil {
		var qerr *quorum.QuorumError
		if errors.As(err, &qerr) && l.metrics != nil {
			l.metrics.ResolveInvariantViolationsTotal.Inc()
		}
		l.tickError("resolve", err)
		return err
	}
	if l.metrics != nil {
		for _, t := range transitions {
			l.metrics.TransitionsProposedTotal.WithLabelValues(t.Kind.String()).Inc()
		}
	}

	if len(transitions) == 0 {
		return nil
	}

	if l.isPaused() {
		if l.log != nil {
			l.log.Debug("haloop paused, skipping apply", zap.Int("pending_transitions", len(transitions)))
		}
		return nil
	}

	lease := l.dcsLease()
	if lease == nil {
		if l.log != nil {
			l.log.Debug("not currently leader, skipping apply")
		}
		return nil
	}
	select {
	case <-lease.Lost():
		l.tickError("apply", dcs.ErrLeaseLost)
		if l.metrics != nil {
			l.metrics.LeaderHeld.Set(0)
		}
		return dcs.ErrLeaseLost
	default:
		if l.metrics != nil {
			l.metrics.LeaderHeld.Set(1)
		}
	}

	if err := l.executor.Apply(ctx, transitions, version); err != nil {
		l.tickError("apply", err)
		return err
	}
	return nil
}

func (l *Loop) tickError(stage string, err error) {
	if l.metrics != nil {
		l.metrics.TickErrorsTotal.WithLabelValues(stage).Inc()
	}
	if l.log != nil {
		l.log.Error("tick failed", zap.String("stage", stage), zap.Error(err))
	}
}

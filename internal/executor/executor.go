// Package executor applies a resolved sequence of quorum.Transition
// values to the two external stores — PostgreSQL's synchronous
// replication config and the DCS sync key — stopping at the first
// failure (spec §4.3, §5).
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pgkeeper/pgkeeper/internal/dcs"
	"github.com/pgkeeper/pgkeeper/internal/observability"
	"github.com/pgkeeper/pgkeeper/internal/quorum"
	"github.com/pgkeeper/pgkeeper/internal/ratelimit"
	"github.com/pgkeeper/pgkeeper/internal/storage"
)

// ErrAborted wraps the transition and underlying error that stopped an
// Apply call partway through a sequence. Transitions before the failing
// one have already taken effect; transitions after it have not.
type ErrAborted struct {
	Index int
	Transition quorum.Transition
	Err        error
}

func (e *ErrAborted) Error() string {
	return fmt.Sprintf("executor: aborted at transition %d (%s): %v", e.Index, e.Transition.Kind, e.Err)
}

func (e *ErrAborted) Unwrap() error { return e.Err }

// ErrRateLimited is returned when the CAS retry limiter has no tokens
// left for the current window; the caller should defer to the next tick.
var ErrRateLimited = errors.New("executor: DCS CAS rate limit exhausted, deferring to next tick")

// DatabaseSync is the database-facing collaborator (spec §4.3).
type DatabaseSync interface {
	ApplySync(ctx context.Context, numSync int, members quorum.Set) error
	CurrentSync(ctx context.Context) (quorum.SyncState, error)
}

// QuorumStore is the DCS-facing collaborator (spec §4.3). prevVersion
// guards every CAS; a mismatch means another writer raced and the
// remaining sequence must be abandoned.
type QuorumStore interface {
	CAS(ctx context.Context, q quorum.QuorumState, prevVersion int64) (newVersion int64, err error)
	Get(ctx context.Context) (quorum.QuorumState, int64, error)
}

// Executor applies resolved transitions to DatabaseSync and QuorumStore,
// recording every attempt to the audit ledger and to metrics.
type Executor struct {
	db      DatabaseSync
	qs      QuorumStore
	limiter *ratelimit.Bucket
	ledger  *storage.DB
	metrics *observability.Metrics
	log     *zap.Logger
}

// New builds an Executor. limiter and ledger may be nil for tests that
// do not need retry bounding or audit persistence.
func New(db DatabaseSync, qs QuorumStore, limiter *ratelimit.Bucket, ledger *storage.DB, metrics *observability.Metrics, log *zap.Logger) *Executor {
	return &Executor{db: db, qs: qs, limiter: limiter, ledger: ledger, metrics: metrics, log: log}
}

// Apply runs transitions in order against the two stores, stopping at
// the first failure (spec §4.3). Cancellation is checked between
// transitions only, never within one (spec §5): a transition already in
// flight always completes or fails on its own terms.
//
// version is the DCS sync key's current version, required to CAS any
// KindQuorum transition; it advances as each quorum write succeeds.
func (e *Executor) Apply(ctx context.Context, transitions []quorum.Transition, version int64) error {
	for i, t := range transitions {
		if i > 0 {
			if err := ctx.Err(); err != nil {
				return &ErrAborted{Index: i, Transition: t, Err: err}
			}
		}

		start := time.Now()
		var err error
		switch t.Kind {
		case quorum.KindSync:
			err = e.db.ApplySync(ctx, t.NumSync, t.Sync)
		case quorum.KindQuorum:
			if e.limiter != nil && !e.limiter.Allow() {
				err = ErrRateLimited
				break
			}
			var newVersion int64
			newVersion, err = e.qs.CAS(ctx, quorum.QuorumState{Quorum: t.Quorum, Voters: t.Voters}, version)
			if err == nil {
				version = newVersion
			}
		}

		e.record(t, err, time.Since(start))

		if err != nil {
			return &ErrAborted{Index: i, Transition: t, Err: err}
		}
	}
	return nil
}

func (e *Executor) record(t quorum.Transition, err error, elapsed time.Duration) {
	if e.metrics != nil {
		e.metrics.ApplyLatency.WithLabelValues(t.Kind.String()).Observe(elapsed.Seconds())
		if err != nil {
			e.metrics.TransitionApplyFailuresTotal.WithLabelValues(t.Kind.String(), failureReason(err)).Inc()
		} else {
			e.metrics.TransitionsAppliedTotal.WithLabelValues(t.Kind.String()).Inc()
		}
	}

	if e.log != nil {
		fields := []zap.Field{zap.String("kind", t.Kind.String())}
		if t.Kind == quorum.KindSync {
			fields = append(fields, zap.Int("num_sync", t.NumSync), zap.Strings("sync", t.Sync))
		} else {
			fields = append(fields, zap.Int("quorum", t.Quorum), zap.Strings("voters", t.Voters))
		}
		if err != nil {
			e.log.Error("transition failed", append(fields, zap.Error(err))...)
		} else {
			e.log.Info("transition applied", fields...)
		}
	}

	if e.ledger != nil {
		entry := storage.LedgerEntry{
			Timestamp: time.Now(),
			Kind:      t.Kind.String(),
			NumSync:   t.NumSync,
			Sync:      t.Sync,
			Quorum:    t.Quorum,
			Voters:    t.Voters,
			Succeeded: err == nil,
		}
		if err != nil {
			entry.Error = err.Error()
		}
		if lerr := e.ledger.AppendLedger(entry); lerr != nil && e.log != nil {
			e.log.Error("failed writing audit ledger entry", zap.Error(lerr))
		}
		if err == nil {
			var cerr error
			if t.Kind == quorum.KindSync {
				cerr = e.ledger.PutCachedSyncState(quorum.SyncState{NumSync: t.NumSync, Sync: t.Sync})
			} else {
				cerr = e.ledger.PutCachedQuorumState(quorum.QuorumState{Quorum: t.Quorum, Voters: t.Voters})
			}
			if cerr != nil && e.log != nil {
				e.log.Error("failed writing last-known-good cache", zap.Error(cerr))
			}
		}
	}
}

// failureReason buckets a transition-apply error into the label values
// internal/observability's TransitionApplyFailuresTotal expects.
func failureReason(err error) string {
	switch {
	case errors.Is(err, dcs.ErrCASMismatch):
		return "cas_mismatch"
	case errors.Is(err, dcs.ErrLeaseLost):
		return "lease_lost"
	case errors.Is(err, context.DeadlineExceeded):
		return "db_timeout"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "other"
	}
}

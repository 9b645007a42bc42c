// Package observer builds the Inputs the resolver consumes each HA-loop
// tick (spec §4.4): DCS view, database view, and the Active set derived
// from peer health.
//
// Architecture, mirroring the teacher's ring-buffer pipeline shape but
// collapsed to a single synchronous poll per tick (there is no streaming
// source here, just two stores and a registry):
//
//	[QuorumStore.Get]  ──┐
//	[DatabaseSync.CurrentSync] ──┼──→ [Observe] ──→ quorum.Inputs
//	[member.Registry.Active] ──┘
package observer

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/pgkeeper/pgkeeper/internal/member"
	"github.com/pgkeeper/pgkeeper/internal/quorum"
)

// DatabaseSync is the subset of internal/executor.DatabaseSync the
// observer needs: read-only access to the currently-applied sync state.
type DatabaseSync interface {
	CurrentSync(ctx context.Context) (quorum.SyncState, error)
}

// QuorumStore is the subset of internal/executor.QuorumStore the
// observer needs: read-only access to the DCS sync key and its version.
type QuorumStore interface {
	Get(ctx context.Context) (quorum.QuorumState, int64, error)
}

// Observer polls the database, the DCS, and the peer registry once per
// tick and assembles a quorum.Inputs value.
type Observer struct {
	db         DatabaseSync
	qs         QuorumStore
	peers      *member.Registry
	syncWanted atomic.Int64
	log        *zap.Logger
}

// New builds an Observer. syncWanted is the configured replication
// factor (config.ResolverConfig.SyncWanted, spec §6's "sole tunable").
func New(db DatabaseSync, qs QuorumStore, peers *member.Registry, syncWanted int, log *zap.Logger) *Observer {
	o := &Observer{db: db, qs: qs, peers: peers, log: log}
	o.syncWanted.Store(int64(syncWanted))
	return o
}

// SetSyncWanted updates the configured replication factor in place, for
// SIGHUP hot-reload (config §"Apply non-destructive changes only").
func (o *Observer) SetSyncWanted(n int) {
	o.syncWanted.Store(int64(n))
}

// Observe reads the current SyncState, QuorumState, and Active
// membership, returning the resolver's Inputs together with the DCS
// sync key's version (needed to CAS any resulting quorum transition).
func (o *Observer) Observe(ctx context.Context) (quorum.Inputs, int64, error) {
	syncState, err := o.db.CurrentSync(ctx)
	if err != nil {
		return quorum.Inputs{}, 0, fmt.Errorf("observer: read database sync state: %w", err)
	}

	quorumState, version, err := o.qs.Get(ctx)
	if err != nil {
		return quorum.Inputs{}, 0, fmt.Errorf("observer: read DCS sync key: %w", err)
	}

	active := quorum.NewSet(o.peers.Active()...)

	if o.log != nil {
		o.log.Debug("observed tick inputs",
			zap.Int("quorum", quorumState.Quorum), zap.Strings("voters", quorumState.Voters),
			zap.Int("num_sync", syncState.NumSync), zap.Strings("sync", syncState.Sync),
			zap.Strings("active", active), zap.Int64("dcs_version", version))
	}

	return quorum.Inputs{
		Quorum:     quorumState,
		Sync:       syncState,
		Active:     active,
		SyncWanted: int(o.syncWanted.Load()),
	}, version, nil
}

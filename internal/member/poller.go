// Package member — poller.go
//
// Poller feeds a Registry from two liveness signals, once per tick
// (spec §4.4, §6.4):
//
//   - Replication streaming state and lag, from PostgreSQL's
//     pg_stat_replication (internal/database.ReplicationRow).
//   - DCS presence, approximated as membership in the sync key's current
//     voter list: Client's RPC surface is the sync key only (spec §6.1),
//     there is no separate per-peer presence key, so a peer not listed in
//     Voters is treated as not holding a lease.
//
// A peer present in pg_stat_replication but absent from Voters (e.g. a
// standby that has not yet been admitted) is recorded as streaming but
// without a lease, so it cannot enter the observer's Active set until
// the resolver admits it.
package member

import (
	"context"
	"time"

	"github.com/pgkeeper/pgkeeper/internal/database"
	"github.com/pgkeeper/pgkeeper/internal/dcs"
)

// ReplicationSource is the subset of database.Postgres the poller reads.
type ReplicationSource interface {
	ReplicationStatus(ctx context.Context) ([]database.ReplicationRow, error)
}

// VoterSource is the subset of dcs.Client the poller reads to approximate
// per-peer DCS presence.
type VoterSource interface {
	GetSync(ctx context.Context) (dcs.SyncRecord, error)
}

// Poller periodically refreshes a Registry from live replication and DCS
// state. Run it from the same tick cadence as internal/haloop so the
// observer always sees a freshly-polled Active set.
type Poller struct {
	db           ReplicationSource
	dcsClient    VoterSource
	registry     *Registry
	lagThreshold time.Duration
}

// NewPoller builds a Poller. lagThreshold is the replay-lag ceiling past
// which a streaming peer is downgraded to Lagging.
func NewPoller(db ReplicationSource, dcsClient VoterSource, registry *Registry, lagThreshold time.Duration) *Poller {
	return &Poller{db: db, dcsClient: dcsClient, registry: registry, lagThreshold: lagThreshold}
}

// Poll runs a single refresh: it fetches pg_stat_replication and the DCS
// sync record, then updates the PeerState of every peer listed in either.
// A voter that has dropped out of pg_stat_replication entirely is
// recorded as unreachable rather than removed — removal is the resolver's
// job, once it evicts the peer from both quorum sets. A tracked peer in
// neither list keeps its previous status.
func (p *Poller) Poll(ctx context.Context) error {
	rows, err := p.db.ReplicationStatus(ctx)
	if err != nil {
		return err
	}
	rec, err := p.dcsClient.GetSync(ctx)
	if err != nil {
		return err
	}
	voters := make(map[string]bool, len(rec.Voters))
	for _, v := range rec.Voters {
		voters[v] = true
	}

	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		seen[row.ApplicationName] = true
		streaming := row.State == "streaming"
		hasLease := voters[row.ApplicationName]
		p.registry.GetOrCreate(row.ApplicationName).Observe(streaming, row.ReplayLag, hasLease, p.lagThreshold)
	}

	for id := range voters {
		if seen[id] {
			continue
		}
		p.registry.GetOrCreate(id).Observe(false, 0, true, p.lagThreshold)
	}

	return nil
}

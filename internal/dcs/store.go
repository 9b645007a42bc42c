// Package dcs — store.go
//
// SyncStore adapts a Client plus the supervisor's current lease into the
// narrower Get/CAS shape internal/executor and internal/observer each
// declare for themselves (spec §4.3, §4.4). Neither package imports dcs
// directly for this purpose — they only need a store that can read and
// conditionally write a QuorumState — so SyncStore exists to wire the
// concrete Client into both without either package depending on the
// other's collaborator interface.
package dcs

import (
	"context"

	"github.com/pgkeeper/pgkeeper/internal/quorum"
)

// SyncStore is the concrete QuorumStore wiring: a Client plus a function
// returning the supervisor's current lease (nil if not leader).
type SyncStore struct {
	client  Client
	leaseFn func() Lease
	nodeID  string
}

// NewSyncStore builds a SyncStore. leaseFn is read fresh on every CAS
// call so it always reflects the supervisor's latest leadership state.
func NewSyncStore(client Client, nodeID string, leaseFn func() Lease) *SyncStore {
	return &SyncStore{client: client, nodeID: nodeID, leaseFn: leaseFn}
}

// Get reads the current QuorumState and the sync key's version.
func (s *SyncStore) Get(ctx context.Context) (quorum.QuorumState, int64, error) {
	rec, err := s.client.GetSync(ctx)
	if err != nil {
		return quorum.QuorumState{}, 0, err
	}
	return rec.ToQuorumState(), rec.Version, nil
}

// CAS writes q guarded by prevVersion, fenced by the supervisor's current
// lease. Returns ErrLeaseLost if this supervisor does not currently hold
// leadership — the executor treats that exactly like a lease loss
// discovered mid-write.
func (s *SyncStore) CAS(ctx context.Context, q quorum.QuorumState, prevVersion int64) (int64, error) {
	lease := s.leaseFn()
	if lease == nil {
		return 0, ErrLeaseLost
	}
	rec := SyncRecord{Leader: s.nodeID, Quorum: q.Quorum, Voters: q.Voters}
	return s.client.CASSync(ctx, lease, rec, prevVersion)
}

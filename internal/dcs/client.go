// Package dcs defines the Distributed Configuration Store abstraction
// pgkeeper's executor and observer use to read and conditionally write the
// cluster's sync key (spec §6), and to acquire the leader lease that
// fences which supervisor may run the executor (spec §5).
//
// Two backends are provided: etcdv3.go (go.etcd.io/etcd/client/v3) and
// consul.go (github.com/hashicorp/consul/api). memory.go is an in-memory
// fake used by tests and by the observer/executor/haloop test suites.
package dcs

import (
	"context"
	"errors"
	"time"

	"github.com/pgkeeper/pgkeeper/internal/quorum"
)

// ErrCASMismatch is returned by CASSync when the sync key's version no
// longer matches PrevVersion: another writer raced. Per spec §4.3, the
// executor treats this as a race, aborts the remaining transitions, and
// lets the next tick re-resolve.
var ErrCASMismatch = errors.New("dcs: compare-and-swap version mismatch")

// ErrLeaseLost is returned by any DCS operation performed with a Lease
// whose fencing token is no longer current. Per spec §5, the remainder of
// the executor's sequence is abandoned and the supervisor demotes itself.
var ErrLeaseLost = errors.New("dcs: leader lease lost")

// SyncRecord is the wire shape of the DCS sync key (spec §6):
//
//	leader:  identifier of the writer (for auditing);
//	quorum:  non-negative integer;
//	voters:  sorted peer identifiers.
type SyncRecord struct {
	Leader  string
	Quorum  int
	Voters  quorum.Set
	Version int64
}

// ToQuorumState projects a SyncRecord onto the resolver's QuorumState.
func (r SyncRecord) ToQuorumState() quorum.QuorumState {
	return quorum.QuorumState{Quorum: r.Quorum, Voters: r.Voters}
}

// Lease represents a held DCS leader lease: the fencing token gating
// every conditional write the executor performs while this supervisor
// believes itself to be leader.
type Lease interface {
	// Token is the lease's fencing identifier (e.g. an etcd lease ID or a
	// Consul session ID), included for audit logging.
	Token() int64

	// Lost returns a channel that is closed when the DCS determines the
	// lease has expired or been revoked — e.g. a missed renewal. The HA
	// loop must treat this exactly like an executor failure: stop,
	// report partial, demote.
	Lost() <-chan struct{}

	// Release voluntarily gives up the lease, e.g. during graceful
	// shutdown so another supervisor can take over without waiting out
	// the full TTL.
	Release(ctx context.Context) error
}

// Client is the DCS abstraction consumed by internal/observer (reads) and
// internal/executor (conditional writes). Implementations must make
// CASSync's compare-and-swap atomic from the DCS's perspective; no
// in-process locking substitutes for it, since the real race is between
// supervisors on different machines (spec §5).
type Client interface {
	// GetSync reads the cluster's sync key and its version.
	// Returns a zero-value SyncRecord (Version == 0) if the key does not
	// yet exist — the observer's first tick on a fresh cluster.
	GetSync(ctx context.Context) (SyncRecord, error)

	// CASSync writes a new sync key value, guarded by a compare-and-set
	// on prevVersion. Returns ErrCASMismatch if the key's current version
	// does not equal prevVersion. lease fences the write: implementations
	// must reject it with ErrLeaseLost if the lease is no longer current.
	CASSync(ctx context.Context, lease Lease, rec SyncRecord, prevVersion int64) (newVersion int64, err error)

	// AcquireLease attempts to become leader, blocking until either this
	// client acquires the lease or ctx is cancelled. ttl bounds how long
	// the lease survives without renewal; implementations renew it
	// automatically in the background for the lease's lifetime.
	AcquireLease(ctx context.Context, ttl time.Duration) (Lease, error)

	// Watch streams sync-key updates until ctx is cancelled, for
	// supervisors that are not currently leader to stay informed of the
	// latest resolved state without polling.
	Watch(ctx context.Context) (<-chan SyncRecord, error)

	// Close releases any underlying connections.
	Close() error
}

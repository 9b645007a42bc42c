// Package storage — bolt.go
//
// BoltDB-backed persistent storage for pgkeeper.
//
// Schema (BoltDB bucket layout):
//
//	/ledger
//	    key:   fixed-width UTC timestamp (nanosecond precision) + "_" + kind
//	           [lexical order is chronological order]
//	    value: JSON-encoded LedgerEntry
//
//	/cache
//	    key:   "quorum_state" | "sync_state"
//	    value: JSON-encoded last-known-good state, written after every
//	           successfully applied transition so a restarting supervisor
//	           has a starting point before its first observed DCS read.
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Consistency model:
//   - Single-process, single-writer (BoltDB does not support concurrent
//     writers); within one supervisor only the executor writes here.
//   - All writes use ACID transactions (bbolt Tx.Commit()).
//   - Reads use read-only transactions (bbolt.View()).
//   - CRC32 integrity check on database open (bbolt built-in).
//
// Retention:
//   - Ledger entries older than RetentionDays are pruned once, on startup
//     (PruneOldLedgerEntries); nothing prunes the ledger while running.
//
// Failure modes:
//   - BoltDB file corruption: bbolt detects via CRC and returns an error
//     on Open(). The supervisor logs a fatal event and refuses to start.
//   - Disk full: bbolt.Update() returns an error. The supervisor logs the
//     error and continues — the ledger entry is best-effort, never a
//     precondition for applying a transition.
package storage

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/pgkeeper/pgkeeper/internal/quorum"
)

const (
	// DefaultDBPath is the default BoltDB file location.
	DefaultDBPath = "/var/lib/pgkeeper/pgkeeper.db"

	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	// DefaultRetentionDays is the default ledger retention period.
	DefaultRetentionDays = 30

	bucketLedger = "ledger"
	bucketCache  = "cache"
	bucketMeta   = "meta"

	cacheKeyQuorumState = "quorum_state"
	cacheKeySyncState   = "sync_state"
)

// LedgerEntry is a single audit log record for one applied transition.
// Stored as JSON in the ledger bucket.
type LedgerEntry struct {
	// Timestamp is when the transition was applied (nanosecond precision).
	Timestamp time.Time `json:"timestamp"`

	// Kind is "sync" or "quorum".
	Kind string `json:"kind"`

	// NumSync/Sync are populated when Kind == "sync".
	NumSync int      `json:"num_sync,omitempty"`
	Sync    []string `json:"sync,omitempty"`

	// Quorum/Voters are populated when Kind == "quorum".
	Quorum int      `json:"quorum,omitempty"`
	Voters []string `json:"voters,omitempty"`

	// NodeID identifies the supervisor that applied this transition.
	// internal/executor does not set it, so the entries it writes carry an
	// empty NodeID.
	NodeID string `json:"node_id"`

	// Succeeded records whether the apply succeeded. A failed entry marks
	// where the stop-on-first-failure executor halted the sequence.
	Succeeded bool `json:"succeeded"`

	// Error holds the failure reason when Succeeded is false.
	Error string `json:"error,omitempty"`
}

// CachedQuorumState and CachedSyncState are the last-known-good snapshots
// the executor writes to the cache bucket after every successful apply.
type CachedQuorumState struct {
	Quorum int      `json:"quorum"`
	Voters []string `json:"voters"`
}

type CachedSyncState struct {
	NumSync int      `json:"num_sync"`
	Sync    []string `json:"sync"`
}

// DB wraps a BoltDB instance with typed accessors for pgkeeper data.
type DB struct {
	db            *bolt.DB
	retentionDays int
}

// Open opens (or creates) the BoltDB database at the given path.
// Initialises all required buckets and verifies the schema version.
func Open(path string, retentionDays int) (*DB, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		NoGrowSync:   false,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb, retentionDays: retentionDays}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketLedger, bucketCache, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}

		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("database initialisation failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return d, nil
}

func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf(
				"schema version mismatch: database has %q, supervisor requires %q. "+
					"Run migration or restore from backup.",
				string(v), SchemaVersion,
			)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (d *DB) Close() error {
	return d.db.Close()
}

// ─── Ledger operations ────────────────────────────────────────────────────

// ledgerKeyLayout keeps all nine fractional digits (RFC3339Nano trims
// trailing zeros), so keys sort lexically in timestamp order.
const ledgerKeyLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ledgerKey(t time.Time, kind string) []byte {
	return []byte(fmt.Sprintf("%s_%s", t.UTC().Format(ledgerKeyLayout), kind))
}

// AppendLedger writes a new audit ledger entry for an applied (or
// failed-to-apply) transition.
func (d *DB) AppendLedger(entry LedgerEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("AppendLedger marshal: %w", err)
	}

	key := ledgerKey(entry.Timestamp, entry.Kind)

	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		if err := b.Put(key, data); err != nil {
			return fmt.Errorf("AppendLedger bolt.Put: %w", err)
		}
		return nil
	})
}

// PruneOldLedgerEntries deletes ledger entries older than retentionDays.
// Returns the number of entries deleted.
func (d *DB) PruneOldLedgerEntries() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -d.retentionDays)
	cutoffKey := ledgerKey(cutoff, "")

	var deleted int
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		c := b.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoffKey) {
				break
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}

		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("PruneOldLedgerEntries delete: %w", err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// ReadLedger returns all ledger entries in chronological order.
// For operational use (control-plane inspection). Not called on the hot path.
func (d *DB) ReadLedger() ([]LedgerEntry, error) {
	var entries []LedgerEntry
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		return b.ForEach(func(_, v []byte) error {
			var entry LedgerEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
	})
	return entries, err
}

// ─── Cache operations ──────────────────────────────────────────────────────

// PutCachedQuorumState stores the last-known-good QuorumState.
func (d *DB) PutCachedQuorumState(q quorum.QuorumState) error {
	data, err := json.Marshal(CachedQuorumState{Quorum: q.Quorum, Voters: q.Voters})
	if err != nil {
		return fmt.Errorf("PutCachedQuorumState marshal: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketCache)).Put([]byte(cacheKeyQuorumState), data)
	})
}

// PutCachedSyncState stores the last-known-good SyncState.
func (d *DB) PutCachedSyncState(s quorum.SyncState) error {
	data, err := json.Marshal(CachedSyncState{NumSync: s.NumSync, Sync: s.Sync})
	if err != nil {
		return fmt.Errorf("PutCachedSyncState marshal: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketCache)).Put([]byte(cacheKeySyncState), data)
	})
}

// GetCachedQuorumState retrieves the last-known-good QuorumState, if any.
func (d *DB) GetCachedQuorumState() (*quorum.QuorumState, error) {
	var cached CachedQuorumState
	found := false
	err := d.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketCache)).Get([]byte(cacheKeyQuorumState))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &cached)
	})
	if err != nil {
		return nil, fmt.Errorf("GetCachedQuorumState: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &quorum.QuorumState{Quorum: cached.Quorum, Voters: quorum.NewSet(cached.Voters...)}, nil
}

// GetCachedSyncState retrieves the last-known-good SyncState, if any.
func (d *DB) GetCachedSyncState() (*quorum.SyncState, error) {
	var cached CachedSyncState
	found := false
	err := d.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketCache)).Get([]byte(cacheKeySyncState))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &cached)
	})
	if err != nil {
		return nil, fmt.Errorf("GetCachedSyncState: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &quorum.SyncState{NumSync: cached.NumSync, Sync: quorum.NewSet(cached.Sync...)}, nil
}

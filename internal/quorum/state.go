package quorum

import "fmt"

// SyncState is PostgreSQL's own view of synchronous replication: how many
// of which standbys a commit must wait for. Owned by the current primary,
// written to postgresql.conf / ALTER SYSTEM by the executor.
type SyncState struct {
	NumSync int
	Sync    Set
}

// QuorumState is the DCS's view of failover safety: how many of which
// voters the promotion procedure must interrogate. Owned by the current
// primary, written to the DCS sync key by the executor.
type QuorumState struct {
	Quorum int
	Voters Set
}

// QuorumError reports a violation of the overlap invariant or a malformed
// proposed state. It is a programmer error, not a runtime condition: the
// caller should abandon the current tick and let the next one re-resolve
// from freshly observed state.
type QuorumError struct {
	Message string
}

func (e *QuorumError) Error() string {
	return "quorum: " + e.Message
}

func newQuorumError(format string, args ...interface{}) *QuorumError {
	return &QuorumError{Message: fmt.Sprintf(format, args...)}
}

// checkInvariants validates the working tuple against the two invariants
// from spec §4.2:
//   - overlap: |voters ∪ sync| < quorum + numsync, unless quorum == 0.
//   - comparability: voters ⊆ sync or sync ⊆ voters.
func checkInvariants(q QuorumState, s SyncState) error {
	if q.Quorum != 0 {
		union := q.Voters.Union(s.Sync)
		if !(union.Len() < q.Quorum+s.NumSync) {
			return newQuorumError(
				"quorum and sync not guaranteed to overlap: nodes %d >= quorum %d + sync %d",
				union.Len(), q.Quorum, s.NumSync)
		}
	}
	if !(q.Voters.Subset(s.Sync) || s.Sync.Subset(q.Voters)) {
		return newQuorumError(
			"mismatched sets: quorum only=%v sync only=%v",
			q.Voters.Diff(s.Sync), s.Sync.Diff(q.Voters))
	}
	return nil
}

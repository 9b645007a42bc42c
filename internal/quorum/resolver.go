package quorum

// Inputs bundles the observed and desired state the resolver consumes each
// HA-loop tick. The caller (internal/observer) is responsible for ensuring
// the precondition holds: the input must already satisfy the overlap
// invariant and the comparability invariant (voters ⊆ sync or sync ⊆
// voters). ResolveTransitions re-validates this on entry and returns
// QuorumError if it does not hold — such a state should never be observed
// from a correctly-functioning fleet, so this is treated as fatal to the
// tick rather than recovered from.
type Inputs struct {
	Quorum     QuorumState
	Sync       SyncState
	Active     Set
	SyncWanted int
}

// working is the explicit, function-local state the six-case algorithm
// threads through as it yields transitions. Nothing outside
// ResolveTransitions ever observes an intermediate value of working; this
// is the Go analog of the "never expose intermediate mutation" rewrite
// note in spec §9 (the original Python generator mutates `self` as it
// yields).
type working struct {
	quorum     int
	voters     Set
	numSync    int
	sync       Set
	active     Set
	syncWanted int
}

func (w *working) quorumState() QuorumState { return QuorumState{Quorum: w.quorum, Voters: w.voters} }
func (w *working) syncState() SyncState     { return SyncState{NumSync: w.numSync, Sync: w.sync} }

func (w *working) quorumUpdate(q int, voters Set) (Transition, error) {
	if q < 1 {
		return Transition{}, newQuorumError("proposed quorum %d < 1 (voters=%v)", q, voters)
	}
	prevQuorum, prevVoters := w.quorum, w.voters
	w.quorum, w.voters = q, voters
	if err := checkInvariants(w.quorumState(), w.syncState()); err != nil {
		w.quorum, w.voters = prevQuorum, prevVoters
		return Transition{}, err
	}
	return quorumTransition(w.quorum, w.voters), nil
}

func (w *working) syncUpdate(numSync int, sync Set) (Transition, error) {
	prevNumSync, prevSync := w.numSync, w.sync
	w.numSync, w.sync = numSync, sync
	if err := checkInvariants(w.quorumState(), w.syncState()); err != nil {
		w.numSync, w.sync = prevNumSync, prevSync
		return Transition{}, err
	}
	return syncTransition(w.numSync, w.sync), nil
}

// ResolveTransitions computes the ordered sequence of transitions that
// takes (in.Quorum, in.Sync) to the optimal state for (in.Active,
// in.SyncWanted), following the six-case algorithm of spec §4.1. It is a
// pure function: it does not mutate its arguments and performs no I/O.
//
// Contract (spec §4.1):
//   - every transition is applied in order by the caller;
//   - the overlap invariant holds after every single transition;
//   - adjacent transitions of the same kind are coalesced.
//
// Returns QuorumError if the input does not already satisfy the
// invariants, or if any intermediate state generated along the way would
// violate them.
func ResolveTransitions(in Inputs) ([]Transition, error) {
	if err := checkInvariants(in.Quorum, in.Sync); err != nil {
		return nil, err
	}

	w := &working{
		quorum:     in.Quorum.Quorum,
		voters:     in.Quorum.Voters,
		numSync:    in.Sync.NumSync,
		sync:       in.Sync.Sync,
		active:     in.Active,
		syncWanted: in.SyncWanted,
	}

	raw, err := generate(w)
	if err != nil {
		return nil, err
	}
	return coalesce(raw), nil
}

// generate produces the uncoalesced transition sequence, case by case.
func generate(w *working) ([]Transition, error) {
	var out []Transition
	yield := func(t Transition, err error) error {
		if err != nil {
			return err
		}
		out = append(out, t)
		return nil
	}

	// Case 1: sync is a strict subset of voters — a quorum grow started
	// without sync having caught up, or a sync shrink was interrupted.
	if w.sync.Subset(w.voters) && !w.voters.Subset(w.sync) {
		removeFromQuorum := w.voters.Diff(w.sync.Union(w.active))
		if removeFromQuorum.Len() > 0 {
			newVoters := w.voters.Diff(removeFromQuorum)
			q := newVoters.Len() + 1 - w.numSync
			if err := yield(w.quorumUpdate(q, newVoters)); err != nil {
				return nil, err
			}
		}
		addToSync := w.voters.Diff(w.sync)
		if addToSync.Len() > 0 {
			if err := yield(w.syncUpdate(w.numSync, w.sync.Union(addToSync))); err != nil {
				return nil, err
			}
		}
	} else if w.voters.Subset(w.sync) && !w.sync.Subset(w.voters) {
		// Case 2: sync is a strict superset of voters — an interrupted
		// sync grow, or a quorum shrink started without sync following.
		addToQuorum := w.sync.Diff(w.voters).Intersect(w.active)
		if addToQuorum.Len() > 0 {
			if err := yield(w.quorumUpdate(w.quorum, w.voters.Union(addToQuorum))); err != nil {
				return nil, err
			}
		}
		removeFromSync := w.sync.Diff(w.voters)
		if removeFromSync.Len() > 0 {
			newSync := w.sync.Diff(removeFromSync)
			numSync := w.syncWanted
			if newSync.Len() < numSync {
				numSync = newSync.Len()
			}
			if err := yield(w.syncUpdate(numSync, newSync)); err != nil {
				return nil, err
			}
		}
	}

	if !w.voters.Equal(w.sync) {
		return nil, newQuorumError("resolver invariant broken: voters %v != sync %v after non-steady-state handling", w.voters, w.sync)
	}

	// Case 3: over-specified replication factor.
	safetyMargin := w.quorum + w.numSync - w.voters.Union(w.sync).Len()
	if safetyMargin > 1 {
		if w.numSync > w.syncWanted {
			newNumSync := clamp(w.syncWanted, w.voters.Len()-w.quorum+1, w.sync.Len())
			if err := yield(w.syncUpdate(newNumSync, w.sync)); err != nil {
				return nil, err
			}
		} else if w.voters.Len() >= w.numSync {
			if err := yield(w.quorumUpdate(w.voters.Len()+1-w.numSync, w.voters)); err != nil {
				return nil, err
			}
		}
	}

	// Case 4: evict departed peers.
	toRemove := w.sync.Diff(w.active)
	if toRemove.Len() > 0 {
		canReduceQuorumBy := w.quorum - 1
		if canReduceQuorumBy > 0 {
			n := canReduceQuorumBy
			if n > toRemove.Len() {
				n = toRemove.Len()
			}
			remove := NewSet(toRemove.SortedDescending()[:n]...)
			if err := yield(w.syncUpdate(w.numSync, w.sync.Diff(remove))); err != nil {
				return nil, err
			}
			if err := yield(w.quorumUpdate(w.quorum-n, w.voters.Diff(remove))); err != nil {
				return nil, err
			}
			toRemove = toRemove.Intersect(w.sync)
		}
		if toRemove.Len() > 0 {
			if w.quorum != 1 {
				return nil, newQuorumError("expected quorum == 1 before forced eviction, got %d", w.quorum)
			}
			if err := yield(w.quorumUpdate(w.quorum, w.voters.Diff(toRemove))); err != nil {
				return nil, err
			}
			if err := yield(w.syncUpdate(w.numSync-toRemove.Len(), w.sync.Diff(toRemove))); err != nil {
				return nil, err
			}
		}
	}

	// Case 5: admit new peers.
	toAdd := w.active.Diff(w.sync)
	if toAdd.Len() > 0 {
		increaseNumSyncBy := w.syncWanted - w.numSync
		if increaseNumSyncBy > 0 {
			n := increaseNumSyncBy
			if n > toAdd.Len() {
				n = toAdd.Len()
			}
			add := toAdd.Take(n)
			if err := yield(w.syncUpdate(w.numSync+add.Len(), w.sync.Union(add))); err != nil {
				return nil, err
			}
			if err := yield(w.quorumUpdate(w.quorum, w.voters.Union(add))); err != nil {
				return nil, err
			}
			toAdd = toAdd.Diff(w.sync)
		}
		if toAdd.Len() > 0 {
			if err := yield(w.quorumUpdate(w.quorum+toAdd.Len(), w.voters.Union(toAdd))); err != nil {
				return nil, err
			}
			if err := yield(w.syncUpdate(w.numSync, w.sync.Union(toAdd))); err != nil {
				return nil, err
			}
		}
	}

	// Case 6: adjust replication factor toward syncWanted.
	syncIncrease := clamp(w.syncWanted-w.numSync, 2-w.numSync, w.sync.Len()-w.numSync)
	if syncIncrease > 0 {
		if err := yield(w.syncUpdate(w.numSync+syncIncrease, w.sync)); err != nil {
			return nil, err
		}
		if err := yield(w.quorumUpdate(w.quorum-syncIncrease, w.voters)); err != nil {
			return nil, err
		}
	} else if syncIncrease < 0 {
		if err := yield(w.quorumUpdate(w.quorum-syncIncrease, w.voters)); err != nil {
			return nil, err
		}
		if err := yield(w.syncUpdate(w.numSync+syncIncrease, w.sync)); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// coalesce drops any transition immediately followed by another of the
// same kind: the intermediate state it produced is never externally
// observed, because no executor action intervenes between the two writes
// to the same store (spec §4.1 "Coalescing").
func coalesce(transitions []Transition) []Transition {
	var out []Transition
	for i, t := range transitions {
		if i+1 < len(transitions) && transitions[i+1].Kind == t.Kind {
			continue
		}
		out = append(out, t)
	}
	return out
}

package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/pgkeeper/pgkeeper/internal/quorum"
)

type fakeDatabase struct {
	applied []quorum.SyncState
	failAt  int
	err     error
}

func (f *fakeDatabase) ApplySync(ctx context.Context, numSync int, members quorum.Set) error {
	if f.failAt == len(f.applied) && f.err != nil {
		return f.err
	}
	f.applied = append(f.applied, quorum.SyncState{NumSync: numSync, Sync: members})
	return nil
}

func (f *fakeDatabase) CurrentSync(ctx context.Context) (quorum.SyncState, error) {
	if len(f.applied) == 0 {
		return quorum.SyncState{}, nil
	}
	return f.applied[len(f.applied)-1], nil
}

type fakeQuorumStore struct {
	applied []quorum.QuorumState
	version int64
	failAt  int
	err     error
}

func (f *fakeQuorumStore) CAS(ctx context.Context, q quorum.QuorumState, prevVersion int64) (int64, error) {
	if prevVersion != f.version {
		return 0, errors.New("cas mismatch")
	}
	if f.failAt == len(f.applied) && f.err != nil {
		return 0, f.err
	}
	f.applied = append(f.applied, q)
	f.version++
	return f.version, nil
}

func (f *fakeQuorumStore) Get(ctx context.Context) (quorum.QuorumState, int64, error) {
	if len(f.applied) == 0 {
		return quorum.QuorumState{}, f.version, nil
	}
	return f.applied[len(f.applied)-1], f.version, nil
}

func transitions() []quorum.Transition {
	voters := quorum.NewSet("n1", "n2", "n3")
	return []quorum.Transition{
		{Kind: quorum.KindSync, NumSync: 2, Sync: voters},
		{Kind: quorum.KindQuorum, Quorum: 2, Voters: voters},
	}
}

func TestExecutorAppliesAllTransitionsInOrder(t *testing.T) {
	db := &fakeDatabase{failAt: -1}
	qs := &fakeQuorumStore{failAt: -1}
	e := New(db, qs, nil, nil, nil, nil)

	if err := e.Apply(context.Background(), transitions(), 0); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(db.applied) != 1 {
		t.Fatalf("database received %d applies, want 1", len(db.applied))
	}
	if len(qs.applied) != 1 {
		t.Fatalf("quorum store received %d applies, want 1", len(qs.applied))
	}
}

func TestExecutorStopsOnFirstFailure(t *testing.T) {
	db := &fakeDatabase{failAt: 0, err: errors.New("db unreachable")}
	qs := &fakeQuorumStore{failAt: -1}
	e := New(db, qs, nil, nil, nil, nil)

	err := e.Apply(context.Background(), transitions(), 0)
	if err == nil {
		t.Fatal("Apply should have failed on the sync transition")
	}
	var aborted *ErrAborted
	if !errors.As(err, &aborted) {
		t.Fatalf("error = %v, want *ErrAborted", err)
	}
	if aborted.Index != 0 {
		t.Fatalf("aborted at index %d, want 0", aborted.Index)
	}
	if len(qs.applied) != 0 {
		t.Fatal("the quorum transition must never be attempted once the sync transition fails")
	}
}

func TestExecutorAbortsOnCASMismatch(t *testing.T) {
	db := &fakeDatabase{failAt: -1}
	qs := &fakeQuorumStore{failAt: -1}
	e := New(db, qs, nil, nil, nil, nil)

	// Stale version guarantees the CAS on the quorum transition mismatches.
	err := e.Apply(context.Background(), transitions(), 99)
	if err == nil {
		t.Fatal("Apply should fail when the supplied version is stale")
	}
}

func TestExecutorChecksCancellationBetweenTransitions(t *testing.T) {
	db := &fakeDatabase{failAt: -1}
	qs := &fakeQuorumStore{failAt: -1}
	e := New(db, qs, nil, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.Apply(ctx, transitions(), 0)
	if err == nil {
		t.Fatal("Apply should abort once ctx is already cancelled before the second transition")
	}
	if len(db.applied) != 1 {
		t.Fatalf("the first transition should still run even with a pre-cancelled context; got %d applies", len(db.applied))
	}
	if len(qs.applied) != 0 {
		t.Fatal("the second transition must not run once ctx is cancelled")
	}
}

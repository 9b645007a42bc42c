package haloop

import (
	"context"
	"testing"
	"time"

	"github.com/pgkeeper/pgkeeper/internal/dcs"
	"github.com/pgkeeper/pgkeeper/internal/executor"
	"github.com/pgkeeper/pgkeeper/internal/member"
	"github.com/pgkeeper/pgkeeper/internal/observer"
	"github.com/pgkeeper/pgkeeper/internal/quorum"
)

type fakeDatabase struct{ state quorum.SyncState }

func (f *fakeDatabase) CurrentSync(ctx context.Context) (quorum.SyncState, error) {
	return f.state, nil
}
func (f *fakeDatabase) ApplySync(ctx context.Context, numSync int, members quorum.Set) error {
	f.state = quorum.SyncState{NumSync: numSync, Sync: members}
	return nil
}

type fakeQuorumStore struct {
	state   quorum.QuorumState
	version int64
}

func (f *fakeQuorumStore) Get(ctx context.Context) (quorum.QuorumState, int64, error) {
	return f.state, f.version, nil
}
func (f *fakeQuorumStore) CAS(ctx context.Context, q quorum.QuorumState, prevVersion int64) (int64, error) {
	if prevVersion != f.version {
		return 0, errCAS
	}
	f.state = q
	f.version++
	return f.version, nil
}

type testErr string

func (e testErr) Error() string { return string(e) }

const errCAS = testErr("cas mismatch")

func newHealthyPeers(ids ...string) *member.Registry {
	r := member.NewRegistry()
	for _, id := range ids {
		r.GetOrCreate(id).Observe(true, 0, true, time.Second)
	}
	return r
}

func TestLoopTickIsNoOpAtOptimalStateWhenLeader(t *testing.T) {
	voters := quorum.NewSet("n1", "n2", "n3")
	db := &fakeDatabase{state: quorum.SyncState{NumSync: 2, Sync: voters}}
	qs := &fakeQuorumStore{state: quorum.QuorumState{Quorum: 2, Voters: voters}, version: 1}
	peers := newHealthyPeers("n1", "n2", "n3")

	obs := observer.New(db, qs, peers, 2, nil)
	exec := executor.New(db, qs, nil, nil, nil, nil)

	mem := dcs.NewMemClient()
	lease, err := mem.AcquireLease(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}

	l := New(obs, exec, func() dcs.Lease { return lease }, nil, nil, time.Hour)
	if err := l.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if qs.version != 1 {
		t.Fatalf("qs.version = %d, want 1 (no transition at optimal state)", qs.version)
	}
}

func TestLoopTickAppliesPendingTransitionsWhenLeader(t *testing.T) {
	db := &fakeDatabase{state: quorum.SyncState{NumSync: 1, Sync: quorum.NewSet("n1")}}
	qs := &fakeQuorumStore{state: quorum.QuorumState{Quorum: 1, Voters: quorum.NewSet("n1")}, version: 1}
	peers := newHealthyPeers("n1", "n2")

	obs := observer.New(db, qs, peers, 2, nil)
	exec := executor.New(db, qs, nil, nil, nil, nil)

	mem := dcs.NewMemClient()
	lease, err := mem.AcquireLease(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}

	l := New(obs, exec, func() dcs.Lease { return lease }, nil, nil, time.Hour)
	if err := l.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if qs.version != 2 {
		t.Fatalf("qs.version = %d, want 2 after applying one quorum transition", qs.version)
	}
	if db.state.NumSync != 2 {
		t.Fatalf("db.state.NumSync = %d, want 2 after admitting n2", db.state.NumSync)
	}
}

func TestLoopTickSkipsApplyWhenNotLeader(t *testing.T) {
	db := &fakeDatabase{state: quorum.SyncState{NumSync: 1, Sync: quorum.NewSet("n1")}}
	qs := &fakeQuorumStore{state: quorum.QuorumState{Quorum: 1, Voters: quorum.NewSet("n1")}, version: 1}
	peers := newHealthyPeers("n1", "n2")

	obs := observer.New(db, qs, peers, 2, nil)
	exec := executor.New(db, qs, nil, nil, nil, nil)

	l := New(obs, exec, func() dcs.Lease { return nil }, nil, nil, time.Hour)
	if err := l.Tick(context.Background()); err != nil {
		t.Fatalf("Tick should not error when not leader: %v", err)
	}
	if qs.version != 1 {
		t.Fatal("quorum store should be untouched when this supervisor is not leader")
	}
}

func TestLoopTickSkipsApplyWhenPaused(t *testing.T) {
	db := &fakeDatabase{state: quorum.SyncState{NumSync: 1, Sync: quorum.NewSet("n1")}}
	qs := &fakeQuorumStore{state: quorum.QuorumState{Quorum: 1, Voters: quorum.NewSet("n1")}, version: 1}
	peers := newHealthyPeers("n1", "n2")

	obs := observer.New(db, qs, peers, 2, nil)
	exec := executor.New(db, qs, nil, nil, nil, nil)

	mem := dcs.NewMemClient()
	lease, _ := mem.AcquireLease(context.Background(), time.Second)

	l := New(obs, exec, func() dcs.Lease { return lease }, nil, nil, time.Hour)
	l.Pause()
	if err := l.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if qs.version != 1 {
		t.Fatal("paused loop must not apply quorum transitions")
	}

	l.Resume()
	if err := l.Tick(context.Background()); err != nil {
		t.Fatalf("Tick after resume: %v", err)
	}
	if qs.version == 1 {
		t.Fatal("resumed loop should apply pending transitions")
	}
}

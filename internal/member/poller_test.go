package member

import (
	"context"
	"testing"
	"time"

	"github.com/pgkeeper/pgkeeper/internal/database"
	"github.com/pgkeeper/pgkeeper/internal/dcs"
	"github.com/pgkeeper/pgkeeper/internal/quorum"
)

type fakeReplicationSource struct {
	rows []database.ReplicationRow
	err  error
}

func (f fakeReplicationSource) ReplicationStatus(ctx context.Context) ([]database.ReplicationRow, error) {
	return f.rows, f.err
}

type fakeVoterSource struct {
	rec dcs.SyncRecord
	err error
}

func (f fakeVoterSource) GetSync(ctx context.Context) (dcs.SyncRecord, error) {
	return f.rec, f.err
}

func TestPollerMarksStreamingVoterActive(t *testing.T) {
	db := fakeReplicationSource{rows: []database.ReplicationRow{
		{ApplicationName: "n1", State: "streaming", ReplayLag: 0},
	}}
	dcsSrc := fakeVoterSource{rec: dcs.SyncRecord{Voters: quorum.NewSet("n1")}}

	r := NewRegistry()
	p := NewPoller(db, dcsSrc, r, time.Second)
	if err := p.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	if !r.GetOrCreate("n1").IsActive() {
		t.Fatal("n1 should be active: streaming and a current voter")
	}
}

func TestPollerWithholdsActiveWithoutVoterMembership(t *testing.T) {
	db := fakeReplicationSource{rows: []database.ReplicationRow{
		{ApplicationName: "n2", State: "streaming", ReplayLag: 0},
	}}
	dcsSrc := fakeVoterSource{rec: dcs.SyncRecord{Voters: quorum.NewSet("n1")}}

	r := NewRegistry()
	p := NewPoller(db, dcsSrc, r, time.Second)
	if err := p.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	if r.GetOrCreate("n2").IsActive() {
		t.Fatal("n2 should not be active: not listed among current voters")
	}
}

func TestPollerMarksMissingVoterUnreachable(t *testing.T) {
	db := fakeReplicationSource{}
	dcsSrc := fakeVoterSource{rec: dcs.SyncRecord{Voters: quorum.NewSet("n1")}}

	r := NewRegistry()
	p := NewPoller(db, dcsSrc, r, time.Second)
	if err := p.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	if r.GetOrCreate("n1").Current() != StatusUnreachable {
		t.Fatalf("n1 status = %s, want UNREACHABLE", r.GetOrCreate("n1").Current())
	}
}

func TestPollerSurfacesDatabaseError(t *testing.T) {
	db := fakeReplicationSource{err: errPollerTest}
	dcsSrc := fakeVoterSource{}
	p := NewPoller(db, dcsSrc, NewRegistry(), time.Second)
	if err := p.Poll(context.Background()); err == nil {
		t.Fatal("Poll should surface the replication-status error")
	}
}

type testErrPoller string

func (e testErrPoller) Error() string { return string(e) }

const errPollerTest = testErrPoller("replication query failed")

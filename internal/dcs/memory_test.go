package dcs

import (
	"context"
	"testing"
	"time"

	"github.com/pgkeeper/pgkeeper/internal/quorum"
)

func TestMemClientCASRequiresCurrentLease(t *testing.T) {
	c := NewMemClient()
	ctx := context.Background()

	lease, err := c.AcquireLease(ctx, time.Second)
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}

	rec := SyncRecord{Leader: "n1", Quorum: 2, Voters: quorum.NewSet("n1", "n2", "n3")}
	ver, err := c.CASSync(ctx, lease, rec, 0)
	if err != nil {
		t.Fatalf("CASSync: %v", err)
	}
	if ver != 1 {
		t.Fatalf("version = %d, want 1", ver)
	}

	got, err := c.GetSync(ctx)
	if err != nil {
		t.Fatalf("GetSync: %v", err)
	}
	if got.Version != 1 || got.Quorum != 2 {
		t.Fatalf("GetSync = %+v, want version 1 quorum 2", got)
	}
}

func TestMemClientCASMismatchOnStaleVersion(t *testing.T) {
	c := NewMemClient()
	ctx := context.Background()
	lease, _ := c.AcquireLease(ctx, time.Second)

	rec := SyncRecord{Leader: "n1", Quorum: 2, Voters: quorum.NewSet("n1", "n2")}
	if _, err := c.CASSync(ctx, lease, rec, 0); err != nil {
		t.Fatalf("first CASSync: %v", err)
	}

	// Stale prevVersion (0, but the key is now at version 1).
	if _, err := c.CASSync(ctx, lease, rec, 0); err != ErrCASMismatch {
		t.Fatalf("CASSync with stale version = %v, want ErrCASMismatch", err)
	}
}

func TestMemClientCASRejectsLostLease(t *testing.T) {
	c := NewMemClient()
	ctx := context.Background()
	lease, _ := c.AcquireLease(ctx, time.Second)

	c.ExpireLease()

	select {
	case <-lease.Lost():
	default:
		t.Fatal("Lost() channel not closed after ExpireLease")
	}

	rec := SyncRecord{Leader: "n1", Quorum: 1, Voters: quorum.NewSet("n1")}
	if _, err := c.CASSync(ctx, lease, rec, 0); err != ErrLeaseLost {
		t.Fatalf("CASSync with expired lease = %v, want ErrLeaseLost", err)
	}
}

func TestMemClientAcquireLeaseSerializesAcrossHolders(t *testing.T) {
	c := NewMemClient()
	ctx := context.Background()

	first, err := c.AcquireLease(ctx, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("first AcquireLease: %v", err)
	}

	done := make(chan struct{})
	var second Lease
	go func() {
		second, _ = c.AcquireLease(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	if err := first.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second AcquireLease never returned after Release")
	}
	if second == nil || second.Token() == first.Token() {
		t.Fatalf("second lease should have a distinct token from first")
	}
}

func TestMemClientWatchReceivesUpdates(t *testing.T) {
	c := NewMemClient()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := c.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	lease, _ := c.AcquireLease(ctx, time.Second)
	rec := SyncRecord{Leader: "n1", Quorum: 1, Voters: quorum.NewSet("n1")}
	if _, err := c.CASSync(ctx, lease, rec, 0); err != nil {
		t.Fatalf("CASSync: %v", err)
	}

	select {
	case got := <-ch:
		if got.Version != 1 {
			t.Fatalf("watch delivered version %d, want 1", got.Version)
		}
	case <-time.After(time.Second):
		t.Fatal("watch channel never delivered the update")
	}
}

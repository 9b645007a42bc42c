package controlapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pgkeeper/pgkeeper/internal/dcs"
	"github.com/pgkeeper/pgkeeper/internal/executor"
	"github.com/pgkeeper/pgkeeper/internal/haloop"
	"github.com/pgkeeper/pgkeeper/internal/member"
	"github.com/pgkeeper/pgkeeper/internal/observer"
	"github.com/pgkeeper/pgkeeper/internal/quorum"
)

type fakeLoop struct {
	ticks  int
	paused bool
}

func (f *fakeLoop) RequestTick() { f.ticks++ }
func (f *fakeLoop) Pause()       { f.paused = true }
func (f *fakeLoop) Resume()      { f.paused = false }

type fakeSnapshot struct {
	in  quorum.Inputs
	err error
}

func (f fakeSnapshot) Observe(ctx context.Context) (quorum.Inputs, int64, error) {
	return f.in, 1, f.err
}

func startTestServer(t *testing.T, loop Loop, snap StateSnapshot) (socketPath string, stop func()) {
	t.Helper()
	dir := t.TempDir()
	socketPath = filepath.Join(dir, "control.sock")

	srv := NewServer(socketPath, loop, snap, nil, func() bool { return true }, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(socketPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("control API socket never appeared")
		}
		time.Sleep(5 * time.Millisecond)
	}

	return socketPath, func() { cancel(); <-errCh }
}

func roundTrip(t *testing.T, socketPath string, req Request) Response {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	data, _ := json.Marshal(req)
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

func TestControlAPIStatus(t *testing.T) {
	snap := fakeSnapshot{in: quorum.Inputs{
		Quorum:     quorum.QuorumState{Quorum: 2, Voters: quorum.NewSet("n1", "n2", "n3")},
		Sync:       quorum.SyncState{NumSync: 2, Sync: quorum.NewSet("n1", "n2", "n3")},
		SyncWanted: 2,
	}}
	socketPath, stop := startTestServer(t, &fakeLoop{}, snap)
	defer stop()

	resp := roundTrip(t, socketPath, Request{Cmd: "status"})
	if !resp.OK || !resp.Leader || resp.Quorum != 2 || resp.NumSync != 2 {
		t.Fatalf("status response = %+v", resp)
	}
}

func TestControlAPIForceResolve(t *testing.T) {
	loop := &fakeLoop{}
	socketPath, stop := startTestServer(t, loop, fakeSnapshot{})
	defer stop()

	resp := roundTrip(t, socketPath, Request{Cmd: "force-resolve"})
	if !resp.OK {
		t.Fatalf("force-resolve response = %+v", resp)
	}
	if loop.ticks != 1 {
		t.Fatalf("loop.ticks = %d, want 1", loop.ticks)
	}
}

// slowDatabase takes a configurable delay to apply a transition, standing
// in for a DCS CAS or reload-poll round trip slow enough to matter.
type slowDatabase struct {
	delay time.Duration

	mu    sync.Mutex
	state quorum.SyncState
}

func (d *slowDatabase) CurrentSync(ctx context.Context) (quorum.SyncState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state, nil
}
func (d *slowDatabase) ApplySync(ctx context.Context, numSync int, members quorum.Set) error {
	time.Sleep(d.delay)
	d.mu.Lock()
	d.state = quorum.SyncState{NumSync: numSync, Sync: members}
	d.mu.Unlock()
	return nil
}

func (d *slowDatabase) numSync() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.NumSync
}

type memQuorumStore struct {
	mu      sync.Mutex
	state   quorum.QuorumState
	version int64
}

func (s *memQuorumStore) Get(ctx context.Context) (quorum.QuorumState, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.version, nil
}
func (s *memQuorumStore) CAS(ctx context.Context, q quorum.QuorumState, prevVersion int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prevVersion != s.version {
		return 0, dcs.ErrCASMismatch
	}
	s.state = q
	s.version++
	return s.version, nil
}

// TestControlAPIForceResolveDoesNotBlockOnResolverProgress drives a real
// haloop.Loop whose Apply step is slow, and asserts "force-resolve"
// returns long before that apply step finishes — the connection must
// never block on resolver progress (spec §7).
func TestControlAPIForceResolveDoesNotBlockOnResolverProgress(t *testing.T) {
	const applyDelay = 300 * time.Millisecond

	db := &slowDatabase{delay: applyDelay, state: quorum.SyncState{NumSync: 1, Sync: quorum.NewSet("n1")}}
	qs := &memQuorumStore{state: quorum.QuorumState{Quorum: 1, Voters: quorum.NewSet("n1")}, version: 1}
	peers := member.NewRegistry()
	peers.GetOrCreate("n1").Observe(true, 0, true, time.Second)
	peers.GetOrCreate("n2").Observe(true, 0, true, time.Second)

	obs := observer.New(db, qs, peers, 2, nil)
	exec := executor.New(db, qs, nil, nil, nil, nil)

	mem := dcs.NewMemClient()
	lease, err := mem.AcquireLease(context.Background(), time.Minute)
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}

	loop := haloop.New(obs, exec, func() dcs.Lease { return lease }, nil, nil, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	socketPath, stop := startTestServer(t, loop, fakeSnapshot{})
	defer stop()

	start := time.Now()
	resp := roundTrip(t, socketPath, Request{Cmd: "force-resolve"})
	elapsed := time.Since(start)

	if !resp.OK {
		t.Fatalf("force-resolve response = %+v", resp)
	}
	if elapsed >= applyDelay {
		t.Fatalf("force-resolve took %s, want well under the %s apply delay — it must not block on resolver progress", elapsed, applyDelay)
	}

	deadline := time.Now().Add(2 * applyDelay)
	for db.numSync() != 2 {
		if time.Now().After(deadline) {
			t.Fatal("background tick never applied the pending transition")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestControlAPIPauseResume(t *testing.T) {
	loop := &fakeLoop{}
	socketPath, stop := startTestServer(t, loop, fakeSnapshot{})
	defer stop()

	if resp := roundTrip(t, socketPath, Request{Cmd: "pause"}); !resp.OK {
		t.Fatalf("pause response = %+v", resp)
	}
	if !loop.paused {
		t.Fatal("loop should be paused")
	}

	if resp := roundTrip(t, socketPath, Request{Cmd: "resume"}); !resp.OK {
		t.Fatalf("resume response = %+v", resp)
	}
	if loop.paused {
		t.Fatal("loop should be resumed")
	}
}

func TestControlAPIUnknownCommand(t *testing.T) {
	socketPath, stop := startTestServer(t, &fakeLoop{}, fakeSnapshot{})
	defer stop()

	resp := roundTrip(t, socketPath, Request{Cmd: "bogus"})
	if resp.OK {
		t.Fatal("unknown command should not succeed")
	}
}

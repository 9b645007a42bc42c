// Package controlapi — server.go
//
// Unix domain socket control server for pgkeeper.
//
// Protocol: newline-delimited JSON over a Unix domain socket.
// Socket path: /run/pgkeeper/control.sock (configurable).
// Permissions: 0600, owned by the pgkeeper service user.
//
// Commands (JSON request → JSON response):
//
//	{"cmd":"status"}
//	  → Returns the current SyncState, QuorumState, whether this
//	    supervisor holds the DCS leader lease, and the last N ledger
//	    entries.
//	  → Response: {"ok":true,"leader":true,"quorum":2,"voters":[...],
//	               "num_sync":2,"sync":[...],"recent":[...]}
//
//	{"cmd":"force-resolve"}
//	  → Triggers an out-of-band observe-resolve-apply tick immediately,
//	    without waiting for the next scheduled tick.
//	  → Response: {"ok":true}
//
//	{"cmd":"pause"}
//	  → Suspends the HA loop's write path; the observer keeps running.
//	  → Response: {"ok":true}
//
//	{"cmd":"resume"}
//	  → Reverses pause.
//	  → Response: {"ok":true}
//
// Security:
//   - Socket is created with 0600 permissions.
//   - Each connection is handled in a separate goroutine.
//   - Max concurrent connections: 4 (operator use only, not high-throughput).
//   - Max request size: 4096 bytes (prevents memory exhaustion).
//   - Connection timeout: 10s read, 10s write.
//   - No user-initiated command blocks on resolver progress: "status"
//     takes a fresh observation without running the resolver or the
//     executor, "pause"/"resume" only flip a flag, and
//     "force-resolve" enqueues a tick rather than running one inline on
//     the connection goroutine.
package controlapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/pgkeeper/pgkeeper/internal/quorum"
	"github.com/pgkeeper/pgkeeper/internal/storage"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
	recentLedgerLimit  = 20
)

// Loop is the subset of internal/haloop.Loop the control API drives.
// RequestTick must not block the caller — "force-resolve" is served from
// a per-connection goroutine guarded only by a 4-connection semaphore, and
// a synchronous tick (DCS CAS, database reload poll) can run far longer
// than the control API's own connection timeout (spec §7: "no
// user-initiated command blocks on resolver progress").
type Loop interface {
	RequestTick()
	Pause()
	Resume()
}

// StateSnapshot is the subset of internal/observer.Observer the control
// API reads for the "status" command, without touching the hot path.
type StateSnapshot interface {
	Observe(ctx context.Context) (quorum.Inputs, int64, error)
}

// Request is the JSON structure for control API commands.
type Request struct {
	Cmd string `json:"cmd"` // status | force-resolve | pause | resume
}

// Response is the JSON structure for control API command responses.
type Response struct {
	OK      bool                  `json:"ok"`
	Error   string                `json:"error,omitempty"`
	Leader  bool                  `json:"leader,omitempty"`
	Quorum  int                   `json:"quorum,omitempty"`
	Voters  []string              `json:"voters,omitempty"`
	NumSync int                   `json:"num_sync,omitempty"`
	Sync    []string              `json:"sync,omitempty"`
	Recent  []storage.LedgerEntry `json:"recent,omitempty"`
}

// Server is the control-plane Unix domain socket server.
type Server struct {
	socketPath string
	loop       Loop
	snapshot   StateSnapshot
	ledger     *storage.DB
	leaderFunc func() bool
	log        *zap.Logger
	sem        chan struct{}
}

// NewServer creates a control-plane Server. leaderFunc reports whether
// this supervisor currently holds the DCS leader lease.
func NewServer(socketPath string, loop Loop, snapshot StateSnapshot, ledger *storage.DB, leaderFunc func() bool, log *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		loop:       loop,
		snapshot:   snapshot,
		ledger:     ledger,
		leaderFunc: leaderFunc,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the control-plane socket server. Removes any
// stale socket file before binding. Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("controlapi: remove stale socket %q: %w", s.socketPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("controlapi: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("controlapi: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("controlapi: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("control API socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("controlapi: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("controlapi: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(ctx, c)
		}(conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("controlapi: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(ctx, req)
	s.writeResponse(conn, resp)
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Cmd {
	case "status":
		return s.cmdStatus(ctx)
	case "force-resolve":
		return s.cmdForceResolve(ctx)
	case "pause":
		s.loop.Pause()
		s.log.Info("controlapi: HA loop paused")
		return Response{OK: true}
	case "resume":
		s.loop.Resume()
		s.log.Info("controlapi: HA loop resumed")
		return Response{OK: true}
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdStatus(ctx context.Context) Response {
	in, _, err := s.snapshot.Observe(ctx)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}

	var recent []storage.LedgerEntry
	if s.ledger != nil {
		if entries, err := s.ledger.ReadLedger(); err == nil {
			if len(entries) > recentLedgerLimit {
				entries = entries[len(entries)-recentLedgerLimit:]
			}
			recent = entries
		}
	}

	return Response{
		OK:      true,
		Leader:  s.leaderFunc(),
		Quorum:  in.Quorum.Quorum,
		Voters:  in.Quorum.Voters,
		NumSync: in.Sync.NumSync,
		Sync:    in.Sync.Sync,
		Recent:  recent,
	}
}

func (s *Server) cmdForceResolve(ctx context.Context) Response {
	s.loop.RequestTick()
	s.log.Info("controlapi: forced resolve tick requested")
	return Response{OK: true}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}

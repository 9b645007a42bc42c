// Package database applies the resolver's sync-side transitions to a
// live PostgreSQL primary: writing synchronous_standby_names via
// ALTER SYSTEM, reloading the config, and polling until the running
// value matches what was written (spec §4.3, §6).
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/pgkeeper/pgkeeper/internal/quorum"
)

// Sync is the database-facing half of the executor's transition
// application: reading the currently-applied sync state and applying a
// new one. Implementations must be idempotent — applying the same
// (numSync, members) twice must not error and must leave the database
// unchanged the second time (spec §4.3).
type Sync interface {
	// CurrentSync reads the synchronous_standby_names GUC as currently
	// applied (not merely set — what SHOW reports after the last reload).
	CurrentSync(ctx context.Context) (quorum.SyncState, error)

	// ApplySync writes synchronous_standby_names for (numSync, members),
	// reloads the config, and polls until SHOW confirms the new value or
	// the configured timeout elapses.
	ApplySync(ctx context.Context, numSync int, members quorum.Set) error
}

// Postgres implements Sync against a live PostgreSQL primary over
// database/sql + lib/pq.
type Postgres struct {
	db           *sql.DB
	pollInterval time.Duration
	pollTimeout  time.Duration
}

// Open connects to dsn and returns a ready Postgres. pollInterval and
// pollTimeout bound ApplySync's post-reload confirmation poll.
func Open(dsn string, connectTimeout, pollInterval, pollTimeout time.Duration) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("database: open: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}
	return &Postgres{db: db, pollInterval: pollInterval, pollTimeout: pollTimeout}, nil
}

// Close releases the underlying connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) CurrentSync(ctx context.Context) (quorum.SyncState, error) {
	var raw string
	const q = `SHOW synchronous_standby_names`
	if err := p.db.QueryRowContext(ctx, q).Scan(&raw); err != nil {
		return quorum.SyncState{}, fmt.Errorf("database: show synchronous_standby_names: %w", err)
	}
	return parseSyncStandbyNames(raw)
}

func (p *Postgres) ApplySync(ctx context.Context, numSync int, members quorum.Set) error {
	s := quorum.SyncState{NumSync: numSync, Sync: members}
	value := formatSyncStandbyNames(s)

	if _, err := p.db.ExecContext(ctx, alterSyncStandbyNamesStmt(value)); err != nil {
		return fmt.Errorf("database: alter system set synchronous_standby_names: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, `SELECT pg_reload_conf()`); err != nil {
		return fmt.Errorf("database: pg_reload_conf: %w", err)
	}

	deadline := time.Now().Add(p.pollTimeout)
	for {
		current, err := p.CurrentSync(ctx)
		if err == nil && current.NumSync == s.NumSync && current.Sync.Equal(s.Sync) {
			return nil
		}
		if time.Now().After(deadline) {
			if err != nil {
				return fmt.Errorf("database: confirm reload: %w", err)
			}
			return fmt.Errorf("database: synchronous_standby_names did not converge to %s within %s", value, p.pollTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.pollInterval):
		}
	}
}

// alterSyncStandbyNamesStmt builds the ALTER SYSTEM SET statement for
// value. var_value in ALTER SYSTEM SET's grammar accepts only a literal
// (Sconst or NumericOnly), never a bind parameter, so value is quoted
// and interpolated into the statement text rather than passed to
// ExecContext as an argument.
func alterSyncStandbyNamesStmt(value string) string {
	return fmt.Sprintf("ALTER SYSTEM SET synchronous_standby_names = %s", pq.QuoteLiteral(value))
}

// ReplicationRow is one row of pg_stat_replication, the liveness signal
// internal/member's poller feeds into each peer's state machine.
type ReplicationRow struct {
	ApplicationName string
	State           string        // "streaming", "catchup", "backup", ...
	ReplayLag       time.Duration // 0 if NULL (lag not yet measurable)
}

// ReplicationStatus queries pg_stat_replication for the primary's view of
// every currently connected standby.
func (p *Postgres) ReplicationStatus(ctx context.Context) ([]ReplicationRow, error) {
	const q = `SELECT application_name, state, COALESCE(EXTRACT(EPOCH FROM replay_lag), 0) FROM pg_stat_replication`
	rows, err := p.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("database: query pg_stat_replication: %w", err)
	}
	defer rows.Close()

	var out []ReplicationRow
	for rows.Next() {
		var r ReplicationRow
		var lagSeconds float64
		if err := rows.Scan(&r.ApplicationName, &r.State, &lagSeconds); err != nil {
			return nil, fmt.Errorf("database: scan pg_stat_replication row: %w", err)
		}
		r.ReplayLag = time.Duration(lagSeconds * float64(time.Second))
		out = append(out, r)
	}
	return out, rows.Err()
}

// formatSyncStandbyNames renders a SyncState as PostgreSQL's quorum-commit
// syntax: "ANY n (a,b,c)". An empty sync set disables synchronous
// replication entirely.
func formatSyncStandbyNames(s quorum.SyncState) string {
	if s.Sync.Len() == 0 {
		return ""
	}
	return fmt.Sprintf("ANY %d (%s)", s.NumSync, strings.Join([]string(s.Sync), ","))
}

// parseSyncStandbyNames parses PostgreSQL's "ANY n (a,b,c)" quorum-commit
// syntax back into a SyncState. An empty string parses as the zero
// SyncState (synchronous replication disabled).
func parseSyncStandbyNames(raw string) (quorum.SyncState, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return quorum.SyncState{}, nil
	}

	const prefix = "ANY "
	if !strings.HasPrefix(raw, prefix) {
		return quorum.SyncState{}, fmt.Errorf("database: unsupported synchronous_standby_names syntax %q (pgkeeper requires quorum commit)", raw)
	}
	rest := strings.TrimPrefix(raw, prefix)

	open := strings.IndexByte(rest, '(')
	close := strings.LastIndexByte(rest, ')')
	if open < 0 || close < 0 || close < open {
		return quorum.SyncState{}, fmt.Errorf("database: malformed synchronous_standby_names %q", raw)
	}

	var numSync int
	if _, err := fmt.Sscanf(strings.TrimSpace(rest[:open]), "%d", &numSync); err != nil {
		return quorum.SyncState{}, fmt.Errorf("database: parse numsync from %q: %w", raw, err)
	}

	names := strings.Split(rest[open+1:close], ",")
	for i := range names {
		names[i] = strings.Trim(strings.TrimSpace(names[i]), `"`)
	}
	return quorum.SyncState{NumSync: numSync, Sync: quorum.NewSet(names...)}, nil
}

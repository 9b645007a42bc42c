package dcs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	consulapi "github.com/hashicorp/consul/api"

	"github.com/pgkeeper/pgkeeper/internal/quorum"
)

// ConsulClient implements Client against a Consul cluster. The sync key
// lives at keyPrefix + "sync" in the KV store; its ModifyIndex doubles as
// SyncRecord.Version, so CASSync is a single KV().CAS() call. Leadership
// is arbitrated with a Consul session tied to the leader key, matching
// Consul's standard leader-election recipe.
type ConsulClient struct {
	kv        *consulapi.KV
	session   *consulapi.Session
	keyPrefix string
}

// NewConsulClient builds a ConsulClient from an already-configured Consul
// API client. keyPrefix is the KV namespace, e.g. "pgkeeper/mycluster/".
func NewConsulClient(cli *consulapi.Client, keyPrefix string) *ConsulClient {
	return &ConsulClient{kv: cli.KV(), session: cli.Session(), keyPrefix: keyPrefix}
}

func (c *ConsulClient) syncKey() string   { return c.keyPrefix + "sync" }
func (c *ConsulClient) leaderKey() string { return c.keyPrefix + "leader" }

func (c *ConsulClient) GetSync(ctx context.Context) (SyncRecord, error) {
	pair, _, err := c.kv.Get(c.syncKey(), (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return SyncRecord{}, fmt.Errorf("dcs: get sync key: %w", err)
	}
	if pair == nil {
		return SyncRecord{}, nil
	}
	var wire syncWireRecord
	if err := json.Unmarshal(pair.Value, &wire); err != nil {
		return SyncRecord{}, fmt.Errorf("dcs: decode sync key: %w", err)
	}
	return SyncRecord{
		Leader:  wire.Leader,
		Quorum:  wire.Quorum,
		Voters:  quorum.NewSet(wire.Voters...),
		Version: int64(pair.ModifyIndex),
	}, nil
}

func (c *ConsulClient) CASSync(ctx context.Context, lease Lease, rec SyncRecord, prevVersion int64) (int64, error) {
	cl, ok := lease.(*consulLease)
	if !ok {
		return 0, fmt.Errorf("dcs: CASSync called with a lease not issued by this client")
	}
	if cl.isLost() {
		return 0, ErrLeaseLost
	}

	payload, err := json.Marshal(syncWireRecord{
		Leader: rec.Leader,
		Quorum: rec.Quorum,
		Voters: []string(rec.Voters),
	})
	if err != nil {
		return 0, fmt.Errorf("dcs: encode sync key: %w", err)
	}

	pair := &consulapi.KVPair{
		Key:         c.syncKey(),
		Value:       payload,
		ModifyIndex: uint64(prevVersion),
		Session:     cl.sessionID,
	}
	ok2, _, err := c.kv.CAS(pair, (&consulapi.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return 0, fmt.Errorf("dcs: CAS sync key: %w", err)
	}
	if !ok2 {
		return 0, ErrCASMismatch
	}

	written, _, err := c.kv.Get(c.syncKey(), (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil || written == nil {
		return 0, fmt.Errorf("dcs: read back sync key after CAS: %w", err)
	}
	return int64(written.ModifyIndex), nil
}

func (c *ConsulClient) AcquireLease(ctx context.Context, ttl time.Duration) (Lease, error) {
	sessionID, _, err := c.session.CreateNoChecks(&consulapi.SessionEntry{
		Name:      "pgkeeper-leader",
		TTL:       ttl.String(),
		Behavior:  consulapi.SessionBehaviorRelease,
		LockDelay: 0,
	}, (&consulapi.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("dcs: create session: %w", err)
	}

	for {
		acquired, _, err := c.kv.Acquire(&consulapi.KVPair{
			Key:     c.leaderKey(),
			Value:   []byte{},
			Session: sessionID,
		}, (&consulapi.WriteOptions{}).WithContext(ctx))
		if err != nil {
			c.session.Destroy(sessionID, nil)
			return nil, fmt.Errorf("dcs: acquire leader key: %w", err)
		}
		if acquired {
			break
		}
		select {
		case <-ctx.Done():
			c.session.Destroy(sessionID, nil)
			return nil, ctx.Err()
		case <-time.After(ttl / 3):
		}
	}

	renewCtx, cancel := context.WithCancel(ctx)
	lease := &consulLease{
		client:    c,
		sessionID: sessionID,
		lost:      make(chan struct{}),
		cancel:    cancel,
	}
	go lease.renewLoop(renewCtx, ttl)
	return lease, nil
}

func (c *ConsulClient) Watch(ctx context.Context) (<-chan SyncRecord, error) {
	out := make(chan SyncRecord, 8)
	go func() {
		defer close(out)
		var lastIndex uint64
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			pair, meta, err := c.kv.Get(c.syncKey(), (&consulapi.QueryOptions{
				WaitIndex: lastIndex,
				WaitTime:  30 * time.Second,
			}).WithContext(ctx))
			if err != nil {
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			if meta != nil {
				lastIndex = meta.LastIndex
			}
			if pair == nil {
				continue
			}
			var wire syncWireRecord
			if err := json.Unmarshal(pair.Value, &wire); err != nil {
				continue
			}
			rec := SyncRecord{
				Leader:  wire.Leader,
				Quorum:  wire.Quorum,
				Voters:  quorum.NewSet(wire.Voters...),
				Version: int64(pair.ModifyIndex),
			}
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *ConsulClient) Close() error { return nil }

type consulLease struct {
	client    *ConsulClient
	sessionID string
	lost      chan struct{}
	lostOnce  sync.Once
	cancel    context.CancelFunc
}

func (l *consulLease) renewLoop(ctx context.Context, ttl time.Duration) {
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _, err := l.client.session.Renew(l.sessionID, (&consulapi.WriteOptions{}).WithContext(ctx))
			if err != nil {
				l.markLost()
				return
			}
		}
	}
}

func (l *consulLease) markLost() {
	l.lostOnce.Do(func() {
		close(l.lost)
		l.cancel()
	})
}

func (l *consulLease) isLost() bool {
	select {
	case <-l.lost:
		return true
	default:
		return false
	}
}

func (l *consulLease) Token() int64 {
	// Consul session IDs are UUIDs, not integers; the token is a base-31
	// polynomial hash of the session ID string, stable for the lifetime
	// of the session for audit-log correlation.
	var h int64
	for _, b := range []byte(l.sessionID) {
		h = h*31 + int64(b)
	}
	return h
}

func (l *consulLease) Lost() <-chan struct{} { return l.lost }

func (l *consulLease) Release(ctx context.Context) error {
	l.markLost()
	_, _, err := l.client.kv.Release(&consulapi.KVPair{
		Key:     l.client.leaderKey(),
		Session: l.sessionID,
	}, (&consulapi.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return fmt.Errorf("dcs: release leader key: %w", err)
	}
	if destroyErr := l.client.session.Destroy(l.sessionID, (&consulapi.WriteOptions{}).WithContext(ctx)); destroyErr != nil {
		return fmt.Errorf("dcs: destroy session: %w", destroyErr)
	}
	return nil
}

package dcs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/pgkeeper/pgkeeper/internal/quorum"
)

// EtcdClient implements Client against an etcd v3 cluster. The sync key
// lives at keyPrefix + "sync"; its etcd ModRevision doubles as
// SyncRecord.Version, so CASSync is a single-operation Txn comparing
// ModRevision against prevVersion.
type EtcdClient struct {
	cli       *clientv3.Client
	keyPrefix string
}

// NewEtcdClient dials an etcd cluster. keyPrefix is the namespace under
// which the sync key and leader lease key live, e.g. "/pgkeeper/mycluster/".
func NewEtcdClient(cfg clientv3.Config, keyPrefix string) (*EtcdClient, error) {
	cli, err := clientv3.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("dcs: dial etcd: %w", err)
	}
	return &EtcdClient{cli: cli, keyPrefix: keyPrefix}, nil
}

func (c *EtcdClient) syncKey() string   { return c.keyPrefix + "sync" }
func (c *EtcdClient) leaderKey() string { return c.keyPrefix + "leader" }

type syncWireRecord struct {
	Leader string   `json:"leader"`
	Quorum int      `json:"quorum"`
	Voters []string `json:"voters"`
}

func (c *EtcdClient) GetSync(ctx context.Context) (SyncRecord, error) {
	resp, err := c.cli.Get(ctx, c.syncKey())
	if err != nil {
		return SyncRecord{}, fmt.Errorf("dcs: get sync key: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return SyncRecord{}, nil
	}
	kv := resp.Kvs[0]
	var wire syncWireRecord
	if err := json.Unmarshal(kv.Value, &wire); err != nil {
		return SyncRecord{}, fmt.Errorf("dcs: decode sync key: %w", err)
	}
	return SyncRecord{
		Leader:  wire.Leader,
		Quorum:  wire.Quorum,
		Voters:  quorum.NewSet(wire.Voters...),
		Version: kv.ModRevision,
	}, nil
}

func (c *EtcdClient) CASSync(ctx context.Context, lease Lease, rec SyncRecord, prevVersion int64) (int64, error) {
	el, ok := lease.(*etcdLease)
	if !ok {
		return 0, fmt.Errorf("dcs: CASSync called with a lease not issued by this client")
	}
	if el.isLost() {
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

	var cmp clientv3.Cmp
	if prevVersion == 0 {
		cmp = clientv3.Compare(clientv3.ModRevision(c.syncKey()), "=", 0)
	} else {
		cmp = clientv3.Compare(clientv3.ModRevision(c.syncKey()), "=", prevVersion)
	}

	txn := c.cli.Txn(ctx).If(cmp).Then(
		clientv3.OpPut(c.syncKey(), string(payload), clientv3.WithLease(el.leaseID)),
	)
	resp, err := txn.Commit()
	if err != nil {
		return 0, fmt.Errorf("dcs: commit sync key txn: %w", err)
	}
	if !resp.Succeeded {
		return 0, ErrCASMismatch
	}
	return resp.Header.Revision, nil
}

func (c *EtcdClient) AcquireLease(ctx context.Context, ttl time.Duration) (Lease, error) {
	grant, err := c.cli.Grant(ctx, int64(ttl.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("dcs: grant lease: %w", err)
	}

	session, err := newEtcdCampaign(ctx, c.cli, c.leaderKey(), grant.ID)
	if err != nil {
		return nil, err
	}

	keepAlive, err := c.cli.KeepAlive(ctx, grant.ID)
	if err != nil {
		session.cancel()
		return nil, fmt.Errorf("dcs: keepalive lease: %w", err)
	}

	el := &etcdLease{
		client:  c,
		leaseID: grant.ID,
		lost:    make(chan struct{}),
		cancel:  session.cancel,
	}
	go el.watchKeepAlive(keepAlive)
	return el, nil
}

func (c *EtcdClient) Watch(ctx context.Context) (<-chan SyncRecord, error) {
	out := make(chan SyncRecord, 8)
	wch := c.cli.Watch(ctx, c.syncKey())
	go func() {
		defer close(out)
		for resp := range wch {
			for _, ev := range resp.Events {
				if ev.Kv == nil {
					continue
				}
				var wire syncWireRecord
				if err := json.Unmarshal(ev.Kv.Value, &wire); err != nil {
					continue
				}
				rec := SyncRecord{
					Leader:  wire.Leader,
					Quorum:  wire.Quorum,
					Voters:  quorum.NewSet(wire.Voters...),
					Version: ev.Kv.ModRevision,
				}
				select {
				case out <- rec:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (c *EtcdClient) Close() error {
	return c.cli.Close()
}

// etcdCampaign holds the context for a single leader-election attempt: a
// put of the leader key tied to the granted lease, won via a compare on
// CreateRevision == 0 (nobody else has claimed it yet).
type etcdCampaign struct {
	cancel context.CancelFunc
}

func newEtcdCampaign(ctx context.Context, cli *clientv3.Client, key string, leaseID clientv3.LeaseID) (*etcdCampaign, error) {
	electCtx, cancel := context.WithCancel(ctx)
	for {
		txn := cli.Txn(electCtx).
			If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
			Then(clientv3.OpPut(key, "", clientv3.WithLease(leaseID))).
			Else(clientv3.OpGet(key))
		resp, err := txn.Commit()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("dcs: leader election txn: %w", err)
		}
		if resp.Succeeded {
			return &etcdCampaign{cancel: cancel}, nil
		}

		// Someone else holds it; wait for the key to disappear (their
		// lease expired or they released it) before retrying.
		getResp := resp.Responses[0].GetResponseRange()
		if len(getResp.Kvs) == 0 {
			continue
		}
		watchRev := getResp.Kvs[0].ModRevision + 1
		wch := cli.Watch(electCtx, key, clientv3.WithRev(watchRev))
		for resp := range wch {
			for _, ev := range resp.Events {
				if ev.Type == clientv3.EventTypeDelete {
					goto retry
				}
			}
		}
		select {
		case <-electCtx.Done():
			return nil, electCtx.Err()
		default:
		}
	retry:
	}
}

type etcdLease struct {
	client   *EtcdClient
	leaseID  clientv3.LeaseID
	lost     chan struct{}
	lostOnce sync.Once
	cancel   context.CancelFunc
}

func (l *etcdLease) watchKeepAlive(ch <-chan *clientv3.LeaseKeepAliveResponse) {
	for range ch {
		// Drain successful renewals; nothing to do.
	}
	// Channel closed: etcd stopped renewing (context cancelled, or
	// renewal failures exhausted etcd's internal retry budget).
	l.markLost()
}

func (l *etcdLease) markLost() {
	l.lostOnce.Do(func() {
		close(l.lost)
		l.cancel()
	})
}

func (l *etcdLease) isLost() bool {
	select {
	case <-l.lost:
		return true
	default:
		return false
	}
}

func (l *etcdLease) Token() int64 { return int64(l.leaseID) }

func (l *etcdLease) Lost() <-chan struct{} { return l.lost }

func (l *etcdLease) Release(ctx context.Context) error {
	l.markLost()
	_, err := l.client.cli.Revoke(ctx, l.leaseID)
	if err != nil {
		return fmt.Errorf("dcs: revoke lease: %w", err)
	}
	return nil
}

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"fleet-rpc/load"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdClient keeps the node's entry in etcd under a TTL lease.
//
// Heartbeats renew the lease with a single KeepAliveOnce instead of the
// background KeepAlive stream, so liveness stops being reported the moment the
// reporting loop stops. If the lease has already expired the entry is granted
// a new lease and written again.
type EtcdClient struct {
	client *clientv3.Client
	prefix string
	ttl    int64 // seconds
	logger log.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key -> lease; leaseID is per entry, not per client
	loads  map[string]int64
}

func NewEtcdClient(cfg Config, logger log.Logger) (*EtcdClient, error) {
	cfg.applyDefaults()
	if len(cfg.EtcdEndpoints) == 0 {
		return nil, errors.New("registry: etcd backend needs at least one endpoint")
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.EtcdEndpoints,
		DialTimeout: cfg.CallTimeout,
	})
	if err != nil {
		return nil, storeErr("connect etcd", err)
	}
	return newEtcdClient(c, cfg, logger), nil
}

func newEtcdClient(c *clientv3.Client, cfg Config, logger log.Logger) *EtcdClient {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	ttl := int64(cfg.TTL.Seconds())
	if ttl < 1 {
		ttl = 1
	}
	return &EtcdClient{
		client: c,
		prefix: "/" + cfg.Prefix,
		ttl:    ttl,
		logger: logger,
		leases: make(map[string]clientv3.LeaseID),
		loads:  make(map[string]int64),
	}
}

func (r *EtcdClient) key(id Identity) string {
	return r.prefix + "/" + id.Name + "/" + id.Addr()
}

func (r *EtcdClient) Register(ctx context.Context, id Identity) error {
	return r.put(ctx, "register", id, r.lastLoad(id), true)
}

func (r *EtcdClient) SendStatus(ctx context.Context, id Identity, load int64) error {
	return r.put(ctx, "send status", id, load, false)
}

func (r *EtcdClient) SendHeartbeat(ctx context.Context, id Identity) error {
	key := r.key(id)
	r.mu.Lock()
	lease, ok := r.leases[key]
	r.mu.Unlock()
	if !ok {
		return r.put(ctx, "send heartbeat", id, r.lastLoad(id), true)
	}

	_, err := r.client.KeepAliveOnce(ctx, lease)
	if errors.Is(err, rpctypes.ErrLeaseNotFound) {
		level.Warn(r.logger).Log("msg", "lease expired, registering again", "key", key)
		return r.put(ctx, "send heartbeat", id, r.lastLoad(id), true)
	}
	if err != nil {
		return storeErr("send heartbeat", err)
	}
	return nil
}

// Deregister deletes the entry and revokes its lease. A lease that has
// already expired is not an error.
func (r *EtcdClient) Deregister(ctx context.Context, id Identity) error {
	key := r.key(id)
	r.mu.Lock()
	lease, ok := r.leases[key]
	delete(r.leases, key)
	delete(r.loads, key)
	r.mu.Unlock()

	if _, err := r.client.Delete(ctx, key); err != nil {
		return storeErr("deregister", err)
	}
	if ok {
		if _, err := r.client.Revoke(ctx, lease); err != nil && !errors.Is(err, rpctypes.ErrLeaseNotFound) {
			return storeErr("deregister", err)
		}
	}
	return nil
}

func (r *EtcdClient) Close() error {
	return r.client.Close()
}

// put writes the entry on the current lease, granting one first when grant is
// set or there is none. An expired lease is replaced once.
func (r *EtcdClient) put(ctx context.Context, op string, id Identity, load int64, grant bool) error {
	key := r.key(id)
	val, err := json.Marshal(newEntry(id, load))
	if err != nil {
		return storeErr(op, err)
	}

	r.mu.Lock()
	lease, ok := r.leases[key]
	r.mu.Unlock()

	for attempt := 0; attempt < 2; attempt++ {
		if grant || !ok {
			resp, err := r.client.Grant(ctx, r.ttl)
			if err != nil {
				return storeErr(op, err)
			}
			lease, ok = resp.ID, true
		}
		_, err = r.client.Put(ctx, key, string(val), clientv3.WithLease(lease))
		if errors.Is(err, rpctypes.ErrLeaseNotFound) {
			grant = true
			continue
		}
		if err != nil {
			return storeErr(op, err)
		}

		r.mu.Lock()
		r.leases[key] = lease
		r.loads[key] = load
		r.mu.Unlock()
		return nil
	}
	return storeErr(op, err)
}

// lastLoad is the load most recently written for id, or the idle baseline
// before the first status report.
func (r *EtcdClient) lastLoad(id Identity) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.loads[r.key(id)]; ok {
		return l
	}
	return load.Baseline
}

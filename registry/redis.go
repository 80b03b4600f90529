package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"fleet-rpc/load"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"
)

// RedisClient keeps the node's entry as a redis key with a TTL. Heartbeats
// push the expiry forward; status reports rewrite the value and keep the TTL.
type RedisClient struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger log.Logger

	mu    sync.Mutex
	loads map[string]int64
}

func NewRedisClient(cfg Config, logger log.Logger) (*RedisClient, error) {
	cfg.applyDefaults()
	if cfg.RedisAddr == "" {
		return nil, errors.New("registry: redis backend needs an address")
	}
	c, err := NewRedisUniversalClient(cfg.RedisAddr)
	if err != nil {
		return nil, err
	}
	return newRedisClient(c, cfg, logger), nil
}

// NewRedisUniversalClient accepts a redis:// URL or a bare host:port.
func NewRedisUniversalClient(addr string) (redis.UniversalClient, error) {
	if !strings.Contains(addr, "://") {
		addr = "redis://" + addr
	}
	opts, err := redis.ParseURL(addr)
	if err != nil {
		return nil, fmt.Errorf("registry: cant parse redis url: %w", err)
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        []string{opts.Addr},
		DB:           opts.DB,
		Username:     opts.Username,
		Password:     opts.Password,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}), nil
}

func newRedisClient(c redis.UniversalClient, cfg Config, logger log.Logger) *RedisClient {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &RedisClient{
		client: c,
		prefix: cfg.Prefix,
		ttl:    cfg.TTL,
		logger: logger,
		loads:  make(map[string]int64),
	}
}

func (r *RedisClient) key(id Identity) string {
	return r.prefix + ":" + id.Name + ":" + id.Addr()
}

func (r *RedisClient) Register(ctx context.Context, id Identity) error {
	return r.write(ctx, "register", id, r.lastLoad(id))
}

func (r *RedisClient) SendStatus(ctx context.Context, id Identity, load int64) error {
	val, err := json.Marshal(newEntry(id, load))
	if err != nil {
		return storeErr("send status", err)
	}
	key := r.key(id)
	err = r.client.SetArgs(ctx, key, val, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if errors.Is(err, redis.Nil) {
		level.Warn(r.logger).Log("msg", "entry expired, registering again", "key", key)
		return r.write(ctx, "send status", id, load)
	}
	if err != nil {
		return storeErr("send status", err)
	}
	r.remember(key, load)
	return nil
}

func (r *RedisClient) SendHeartbeat(ctx context.Context, id Identity) error {
	key := r.key(id)
	ok, err := r.client.Expire(ctx, key, r.ttl).Result()
	if err != nil {
		return storeErr("send heartbeat", err)
	}
	if !ok {
		level.Warn(r.logger).Log("msg", "entry expired, registering again", "key", key)
		return r.write(ctx, "send heartbeat", id, r.lastLoad(id))
	}
	return nil
}

func (r *RedisClient) Deregister(ctx context.Context, id Identity) error {
	key := r.key(id)
	r.mu.Lock()
	delete(r.loads, key)
	r.mu.Unlock()
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return storeErr("deregister", err)
	}
	return nil
}

func (r *RedisClient) Close() error {
	return r.client.Close()
}

func (r *RedisClient) write(ctx context.Context, op string, id Identity, load int64) error {
	val, err := json.Marshal(newEntry(id, load))
	if err != nil {
		return storeErr(op, err)
	}
	key := r.key(id)
	if err := r.client.Set(ctx, key, val, r.ttl).Err(); err != nil {
		return storeErr(op, err)
	}
	r.remember(key, load)
	return nil
}

func (r *RedisClient) remember(key string, load int64) {
	r.mu.Lock()
	r.loads[key] = load
	r.mu.Unlock()
}

// lastLoad is the load most recently written for id, or the idle baseline
// before the first status report.
func (r *RedisClient) lastLoad(id Identity) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.loads[r.key(id)]; ok {
		return l
	}
	return load.Baseline
}

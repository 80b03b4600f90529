// Package registry reports a node's presence, load and liveness to the central
// service registry.
//
// The default backend speaks the discovery service's RPC contract. The etcd
// and redis backends keep the same entry in a key-value store instead, with a
// TTL that heartbeats refresh:
//
//	etcd:  {prefix}/{name}/{host}:{port}  (value: JSON entry, attached to a lease)
//	redis: {prefix}:{name}:{host}:{port}  (value: JSON entry, key TTL)
//
// Every failure returned by a Client is a tagged *rpcerr.Error.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"fleet-rpc/codec"
	"fleet-rpc/rpcerr"

	"github.com/go-kit/log"
)

const (
	BackendRPC   = "rpc"
	BackendEtcd  = "etcd"
	BackendRedis = "redis"
)

// Identity is who the node registers as. It does not change after startup.
type Identity struct {
	Name string
	Host string
	Port int
}

func (id Identity) Validate() error {
	if id.Name == "" {
		return errors.New("registry: identity has no service name")
	}
	if id.Host == "" {
		return errors.New("registry: identity has no host")
	}
	if id.Port < 1 || id.Port > 65535 {
		return fmt.Errorf("registry: identity port %d out of range", id.Port)
	}
	return nil
}

// Addr returns host:port.
func (id Identity) Addr() string {
	return net.JoinHostPort(id.Host, strconv.Itoa(id.Port))
}

func (id Identity) String() string {
	return id.Name + "@" + id.Addr()
}

// StatusReport is the load report sent each reporting cycle.
type StatusReport struct {
	ServiceName string
	Port        int
	Load        int64
}

func NewStatusReport(id Identity, load int64) StatusReport {
	return StatusReport{ServiceName: id.Name, Port: id.Port, Load: load}
}

// Client talks to the registry on behalf of one node. Implementations are
// safe for concurrent use.
type Client interface {
	Register(ctx context.Context, id Identity) error
	Deregister(ctx context.Context, id Identity) error
	SendStatus(ctx context.Context, id Identity, load int64) error
	SendHeartbeat(ctx context.Context, id Identity) error
	Close() error
}

// Config selects and configures a backend. Zero values take defaults.
type Config struct {
	Backend string

	// rpc backend
	Addr        string
	Codec       codec.CodecType
	CallTimeout time.Duration

	// etcd and redis backends
	EtcdEndpoints []string
	RedisAddr     string
	Prefix        string
	TTL           time.Duration
}

const (
	DefaultCallTimeout = 2 * time.Second
	DefaultTTL         = 6 * time.Second
	DefaultPrefix      = "fleet-rpc"
)

func (c *Config) applyDefaults() {
	if c.Backend == "" {
		c.Backend = BackendRPC
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
}

// New builds the client for cfg.Backend.
func New(cfg Config, logger log.Logger) (Client, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = log.NewNopLogger()
	}
	switch cfg.Backend {
	case BackendRPC:
		if cfg.Addr == "" {
			return nil, errors.New("registry: rpc backend needs a discovery address")
		}
		return NewRPCClient(cfg, logger), nil
	case BackendEtcd:
		c, err := NewEtcdClient(cfg, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	case BackendRedis:
		c, err := NewRedisClient(cfg, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("registry: unknown backend %q", cfg.Backend)
	}
}

// entry is the value the key-value backends store for a node.
type entry struct {
	Name      string    `json:"name"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Load      int64     `json:"load"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newEntry(id Identity, load int64) entry {
	return entry{Name: id.Name, Host: id.Host, Port: id.Port, Load: load, UpdatedAt: time.Now().UTC()}
}

// storeErr tags a key-value store failure. Deadline errors become timeouts,
// anything else means the store could not be reached.
func storeErr(op string, err error) error {
	if rpcerr.CodeOf(err) != "" {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return rpcerr.NewTimeout(op, err)
	}
	return rpcerr.NewUnavailable(op, err)
}

package registry

import (
	"context"
	"fmt"
	"time"

	"fleet-rpc/client"
	"fleet-rpc/rpcerr"

	"github.com/go-kit/log"
)

// RPCClient reports to the discovery service over one long-lived connection.
type RPCClient struct {
	c       *client.Client
	timeout time.Duration
}

func NewRPCClient(cfg Config, logger log.Logger) *RPCClient {
	cfg.applyDefaults()
	return &RPCClient{
		c:       client.NewClient(cfg.Addr, client.Config{Codec: cfg.Codec, DialTimeout: cfg.CallTimeout}, logger),
		timeout: cfg.CallTimeout,
	}
}

func (r *RPCClient) Register(ctx context.Context, id Identity) error {
	return r.call(ctx, "register", MethodRegister, &RegisterArgs{Name: id.Name, Host: id.Host, Port: id.Port})
}

func (r *RPCClient) Deregister(ctx context.Context, id Identity) error {
	return r.call(ctx, "deregister", MethodDeregister, &DeregisterArgs{
		Name:        id.Name,
		ServiceName: id.Name,
		Host:        id.Host,
		Port:        id.Port,
	})
}

func (r *RPCClient) SendStatus(ctx context.Context, id Identity, load int64) error {
	rep := NewStatusReport(id, load)
	return r.call(ctx, "send status", MethodStatus, &StatusArgs{ServiceName: rep.ServiceName, Port: rep.Port, Load: rep.Load})
}

func (r *RPCClient) SendHeartbeat(ctx context.Context, id Identity) error {
	return r.call(ctx, "send heartbeat", MethodHeartbeat, &HeartbeatArgs{ServiceName: id.Name, Port: id.Port})
}

func (r *RPCClient) Close() error {
	return r.c.Close()
}

func (r *RPCClient) call(ctx context.Context, op, method string, args any) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var ack Ack
	if err := r.c.Call(ctx, method, args, &ack); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if ack.Error != "" {
		return fmt.Errorf("%s: %w", op, rpcerr.NewRejected(ack.Error, nil))
	}
	return nil
}

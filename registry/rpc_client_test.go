package registry_test

import (
	"context"
	"testing"
	"time"

	"fleet-rpc/registry"
	"fleet-rpc/registry/registrytest"
	"fleet-rpc/rpcerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var id = registry.Identity{Name: "records-service", Host: "0.0.0.0", Port: 50051}

func newRPCClient(t *testing.T) (*registry.RPCClient, *registrytest.Server) {
	t.Helper()
	fake, err := registrytest.NewServer()
	require.NoError(t, err)
	t.Cleanup(func() { fake.Close() })

	c := registry.NewRPCClient(registry.Config{Addr: fake.Addr(), CallTimeout: time.Second}, nil)
	t.Cleanup(func() { c.Close() })
	return c, fake
}

func TestRPCClientContract(t *testing.T) {
	c, fake := newRPCClient(t)
	ctx := context.Background()

	require.NoError(t, c.Register(ctx, id))
	require.NoError(t, c.SendStatus(ctx, id, 7))
	require.NoError(t, c.SendHeartbeat(ctx, id))
	require.NoError(t, c.Deregister(ctx, id))

	calls := fake.Calls()
	require.Len(t, calls, 4)
	assert.Equal(t, registry.MethodRegister, calls[0].Method)
	assert.Equal(t, registry.RegisterArgs{Name: "records-service", Host: "0.0.0.0", Port: 50051}, calls[0].Args)
	assert.Equal(t, registry.StatusArgs{ServiceName: "records-service", Port: 50051, Load: 7}, calls[1].Args)
	assert.Equal(t, registry.HeartbeatArgs{ServiceName: "records-service", Port: 50051}, calls[2].Args)
	assert.Equal(t, registry.DeregisterArgs{
		Name:        "records-service",
		ServiceName: "records-service",
		Host:        "0.0.0.0",
		Port:        50051,
	}, calls[3].Args)
}

func TestRPCClientFailures(t *testing.T) {
	c, fake := newRPCClient(t)
	ctx := context.Background()

	fake.SetFailFunc(func(method string, n int) error {
		switch method {
		case registry.MethodRegister:
			return rpcerr.NewRejected("duplicate service", nil)
		case registry.MethodHeartbeat:
			return rpcerr.NewUnavailable("store down", nil)
		}
		return nil
	})

	err := c.Register(ctx, id)
	require.Error(t, err)
	assert.True(t, rpcerr.IsRejected(err))
	assert.Contains(t, err.Error(), "register")
	assert.Contains(t, err.Error(), "duplicate service")

	err = c.SendHeartbeat(ctx, id)
	assert.True(t, rpcerr.IsUnavailable(err))

	assert.NoError(t, c.SendStatus(ctx, id, 1), "connection survives peer failures")
}

func TestRPCClientUnreachable(t *testing.T) {
	fake, err := registrytest.NewServer()
	require.NoError(t, err)
	addr := fake.Addr()
	require.NoError(t, fake.Close())

	c := registry.NewRPCClient(registry.Config{Addr: addr, CallTimeout: 200 * time.Millisecond}, nil)
	defer c.Close()

	err = c.SendHeartbeat(context.Background(), id)
	require.Error(t, err)
	assert.True(t, rpcerr.IsUnavailable(err) || rpcerr.IsTimeout(err), err.Error())
}

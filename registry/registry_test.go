package registry

import (
	"context"
	"errors"
	"testing"

	"fleet-rpc/load"
	"fleet-rpc/rpcerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityValidate(t *testing.T) {
	cases := []struct {
		name string
		id   Identity
		ok   bool
	}{
		{"valid", Identity{Name: "records-service", Host: "0.0.0.0", Port: 50051}, true},
		{"no name", Identity{Host: "0.0.0.0", Port: 50051}, false},
		{"no host", Identity{Name: "records-service", Port: 50051}, false},
		{"port zero", Identity{Name: "records-service", Host: "0.0.0.0"}, false},
		{"port too large", Identity{Name: "records-service", Host: "0.0.0.0", Port: 70000}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.id.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestIdentityAddr(t *testing.T) {
	id := Identity{Name: "records-service", Host: "0.0.0.0", Port: 50051}
	assert.Equal(t, "0.0.0.0:50051", id.Addr())
	assert.Equal(t, "records-service@0.0.0.0:50051", id.String())
	assert.Equal(t, StatusReport{ServiceName: "records-service", Port: 50051, Load: 3}, NewStatusReport(id, 3))
}

func TestNewBackendSelection(t *testing.T) {
	_, err := New(Config{Backend: "zookeeper"}, nil)
	assert.Error(t, err)

	_, err = New(Config{}, nil)
	assert.Error(t, err, "rpc backend without an address")

	c, err := New(Config{Addr: "127.0.0.1:1"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &RPCClient{}, c)
	c.Close()

	_, err = New(Config{Backend: BackendEtcd}, nil)
	assert.Error(t, err)
	_, err = New(Config{Backend: BackendRedis}, nil)
	assert.Error(t, err)
}

func TestStoreErr(t *testing.T) {
	assert.True(t, rpcerr.IsTimeout(storeErr("put", context.DeadlineExceeded)))
	assert.True(t, rpcerr.IsUnavailable(storeErr("put", errors.New("connection refused"))))

	err := storeErr("put", rpcerr.NewRejected("no", nil))
	assert.True(t, rpcerr.IsRejected(err))
	assert.Contains(t, err.Error(), "put")
}

func TestLastLoadStartsAtBaseline(t *testing.T) {
	id := Identity{Name: "records-service", Host: "10.0.0.1", Port: 50051}
	etcd := &EtcdClient{prefix: DefaultPrefix, loads: make(map[string]int64)}
	rds := &RedisClient{prefix: DefaultPrefix, loads: make(map[string]int64)}

	assert.Equal(t, load.Baseline, etcd.lastLoad(id), "an idle node registers at the baseline")
	assert.Equal(t, load.Baseline, rds.lastLoad(id))

	etcd.loads[etcd.key(id)] = 4
	rds.remember(rds.key(id), 0)
	assert.Equal(t, int64(4), etcd.lastLoad(id))
	assert.Equal(t, int64(0), rds.lastLoad(id), "a reported zero is kept")
}

package main

import (
	"testing"
	"time"

	"fleet-rpc/codec"
	"fleet-rpc/config"
	"fleet-rpc/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeConfigCarriesRegistryCallTimeout(t *testing.T) {
	cfg := config.Default()
	cfg.Registry.CallTimeout = config.Duration{Duration: 2 * time.Second}
	cfg.Lifecycle.ReportInterval = config.Duration{Duration: time.Second}

	nc := nodeConfig(cfg)
	assert.Equal(t, 2*time.Second, nc.Lifecycle.CallTimeout)
	assert.Equal(t, time.Second, nc.Lifecycle.ReportInterval)
	assert.Equal(t, registry.Identity{Name: "records-service", Host: "0.0.0.0", Port: 50051}, nc.Identity)
	assert.Equal(t, ":50051", nc.ListenAddr)
}

func TestRegistryConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Registry.Codec = "binary"

	rc, err := registryConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, codec.CodecTypeBinary, rc.Codec)
	assert.Equal(t, "localhost:50050", rc.Addr)
	assert.Equal(t, 2*time.Second, rc.CallTimeout)

	cfg.Registry.Codec = "xml"
	_, err = registryConfig(cfg)
	assert.Error(t, err)
}

package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleet-rpc/codec"
	"fleet-rpc/config"
	"fleet-rpc/lifecycle"
	"fleet-rpc/logging"
	"fleet-rpc/node"
	"fleet-rpc/ops"
	"fleet-rpc/records"
	"fleet-rpc/registry"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	envFile := flag.String("env", "", "path to a .env file")
	port := flag.Int("port", 0, "service port, overrides config and environment")
	flag.Parse()

	os.Exit(run(*configPath, *envFile, *port))
}

func run(configPath, envFile string, port int) int {
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
		level.Error(logger).Log("msg", "Failed to load configuration", "err", err)
		return 1
	}
	if port != 0 {
		cfg.Service.Port = port
		cfg.Service.Listen = ""
	}

	var logger log.Logger
	{
		logger, err = logging.New(os.Stderr, cfg.Log.Format, cfg.Log.Level)
		if err != nil {
			logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
			level.Error(logger).Log("msg", "Invalid log configuration", "err", err)
			return 1
		}
	}
	level.Info(logger).Log(
		"msg", "Configuration loaded",
		"service", cfg.Service.Name,
		"port", cfg.Service.Port,
		"registry_backend", cfg.Registry.Backend,
	)

	var reg registry.Client
	{
		regCfg, err := registryConfig(cfg)
		if err != nil {
			level.Error(logger).Log("msg", "Invalid registry codec", "err", err)
			return 1
		}
		reg, err = registry.New(regCfg, logging.Component(logger, "registry"))
		if err != nil {
			level.Error(logger).Log("msg", "Failed to create registry client", "err", err)
			return 1
		}
		defer reg.Close()
	}

	var n *node.Node
	{
		n, err = node.New(nodeConfig(cfg), reg, logger)
		if err != nil {
			level.Error(logger).Log("msg", "Failed to create node", "err", err)
			return 1
		}
		if err := n.Register(records.NewRecordService(records.NewStore(), logger)); err != nil {
			level.Error(logger).Log("msg", "Failed to register records service", "err", err)
			return 1
		}
	}

	var opsServer *ops.Server
	if cfg.Ops.Addr != "" {
		lis, err := net.Listen("tcp", cfg.Ops.Addr)
		if err != nil {
			level.Error(logger).Log("msg", "Failed to bind ops endpoint", "addr", cfg.Ops.Addr, "err", err)
			return 1
		}
		opsServer = ops.NewServer(n, n.Metrics(), logger)
		go func() {
			if err := opsServer.Serve(lis); err != nil {
				level.Error(logger).Log("msg", "Ops endpoint error", "err", err)
			}
		}()
	}

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := n.Run(ctx); err != nil {
		level.Error(logger).Log("msg", "Node stopped with error", "err", err)
		return 1
	}

	if opsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			level.Error(logger).Log("msg", "Error during ops endpoint shutdown", "err", err)
		}
	}

	level.Info(logger).Log("msg", "Server stopped")
	return 0
}

func registryConfig(cfg *config.Config) (registry.Config, error) {
	ct, err := codec.ParseCodecType(cfg.Registry.Codec)
	if err != nil {
		return registry.Config{}, err
	}
	return registry.Config{
		Backend:       cfg.Registry.Backend,
		Addr:          cfg.DiscoveryAddr(),
		Codec:         ct,
		CallTimeout:   cfg.Registry.CallTimeout.Duration,
		EtcdEndpoints: cfg.Registry.Etcd.Endpoints,
		RedisAddr:     cfg.Registry.Redis.Addr,
		Prefix:        cfg.Registry.Prefix,
		TTL:           cfg.Registry.TTL.Duration,
	}, nil
}

// nodeConfig maps the file and environment settings onto the node. The
// supervisor bounds each registry call with registry.call_timeout too.
func nodeConfig(cfg *config.Config) node.Config {
	return node.Config{
		Identity:        registry.Identity{Name: cfg.Service.Name, Host: cfg.Service.Host, Port: cfg.Service.Port},
		ListenAddr:      cfg.ListenAddr(),
		RequestTimeout:  cfg.Service.RequestTimeout.Duration,
		RateLimit:       cfg.Service.RateLimit,
		RateBurst:       cfg.Service.RateBurst,
		ShutdownTimeout: cfg.Service.ShutdownTimeout.Duration,
		Lifecycle: lifecycle.Config{
			ReportInterval:   cfg.Lifecycle.ReportInterval.Duration,
			RegisterAttempts: cfg.Lifecycle.RegisterAttempts,
			RegisterBackoff:  cfg.Lifecycle.RegisterBackoff.Duration,
			CallTimeout:      cfg.Registry.CallTimeout.Duration,
		},
	}
}

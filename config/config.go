// Package config loads the node's configuration.
//
// Sources, later ones winning: built-in defaults, an optional YAML file, an
// optional .env file, then the process environment.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the whole node configuration as read from YAML.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Registry  RegistryConfig  `yaml:"registry"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Ops       OpsConfig       `yaml:"ops"`
	Log       LogConfig       `yaml:"log"`
}

type ServiceConfig struct {
	Name            string   `yaml:"name"`
	Host            string   `yaml:"host"` // advertised to the registry
	Port            int      `yaml:"port"`
	Listen          string   `yaml:"listen"` // defaults to ":<port>"
	RequestTimeout  Duration `yaml:"request_timeout"`
	RateLimit       float64  `yaml:"rate_limit"`
	RateBurst       int      `yaml:"rate_burst"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

type RegistryConfig struct {
	Backend     string   `yaml:"backend"` // rpc/etcd/redis
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	Codec       string   `yaml:"codec"`
	CallTimeout Duration `yaml:"call_timeout"`
	Prefix      string   `yaml:"prefix"`
	TTL         Duration `yaml:"ttl"`
	Etcd        struct {
		Endpoints []string `yaml:"endpoints"`
	} `yaml:"etcd"`
	Redis struct {
		Addr string `yaml:"addr"`
	} `yaml:"redis"`
}

type LifecycleConfig struct {
	ReportInterval   Duration `yaml:"report_interval"`
	RegisterAttempts int      `yaml:"register_attempts"`
	RegisterBackoff  Duration `yaml:"register_backoff"`
}

type OpsConfig struct {
	Addr string `yaml:"addr"` // empty disables the ops endpoint
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration reads "1s"-style strings from YAML.
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dd, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = dd
	return nil
}

func Default() *Config {
	cfg := &Config{
		Service: ServiceConfig{
			Name:            "records-service",
			Host:            "0.0.0.0",
			Port:            50051,
			ShutdownTimeout: Duration{10 * time.Second},
		},
		Registry: RegistryConfig{
			Backend:     "rpc",
			Host:        "localhost",
			Port:        50050,
			Codec:       "json",
			CallTimeout: Duration{2 * time.Second},
			Prefix:      "fleet-rpc",
			TTL:         Duration{6 * time.Second},
		},
		Lifecycle: LifecycleConfig{
			ReportInterval:   Duration{time.Second},
			RegisterAttempts: 3,
			RegisterBackoff:  Duration{500 * time.Millisecond},
		},
		Log: LogConfig{Level: "info", Format: "logfmt"},
	}
	cfg.Registry.Etcd.Endpoints = []string{"localhost:2379"}
	cfg.Registry.Redis.Addr = "localhost:6379"
	return cfg
}

// Load builds the configuration from the YAML file at path and the .env file
// at envFile; either may be empty. Variables already set in the environment
// are not overridden by the .env file.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables looked up with lookup.
// RECORDS_SERVICE_HOSTNAME and RECORDS_SERVICE_PORT are accepted as older
// spellings of SERVICE_HOSTNAME and SERVICE_PORT.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(keys ...string) (string, bool) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && v != "" {
				return v, true
			}
		}
		return "", false
	}

	var errs []error
	str := func(dst *string, keys ...string) {
		if v, ok := get(keys...); ok {
			*dst = v
		}
	}
	num := func(dst *int, keys ...string) {
		if v, ok := get(keys...); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: invalid %s: %w", keys[0], err))
				return
			}
			*dst = n
		}
	}
	dur := func(dst *Duration, key string) {
		if v, ok := get(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: invalid %s: %w", key, err))
				return
			}
			dst.Duration = d
		}
	}

	str(&c.Service.Name, "SERVICE_NAME")
	str(&c.Service.Host, "SERVICE_HOSTNAME", "RECORDS_SERVICE_HOSTNAME")
	num(&c.Service.Port, "SERVICE_PORT", "RECORDS_SERVICE_PORT")
	str(&c.Registry.Host, "SERVICE_DISCOVERY_HOSTNAME")
	num(&c.Registry.Port, "SERVICE_DISCOVERY_PORT")
	str(&c.Registry.Backend, "REGISTRY_BACKEND")
	if v, ok := get("ETCD_ENDPOINTS"); ok {
		c.Registry.Etcd.Endpoints = splitList(v)
	}
	str(&c.Registry.Redis.Addr, "REDIS_ADDR")
	dur(&c.Registry.CallTimeout, "REGISTRY_CALL_TIMEOUT")
	dur(&c.Lifecycle.ReportInterval, "REPORT_INTERVAL")
	num(&c.Lifecycle.RegisterAttempts, "REGISTER_ATTEMPTS")
	str(&c.Ops.Addr, "OPS_ADDR")
	str(&c.Log.Level, "LOG_LEVEL")
	str(&c.Log.Format, "LOG_FORMAT")

	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) Validate() error {
	var errs []error
	if c.Service.Name == "" {
		errs = append(errs, errors.New("service.name is required"))
	}
	if c.Service.Host == "" {
		errs = append(errs, errors.New("service.host is required"))
	}
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		errs = append(errs, fmt.Errorf("service.port %d out of range", c.Service.Port))
	}
	switch c.Registry.Backend {
	case "rpc":
		if c.Registry.Host == "" || c.Registry.Port < 1 || c.Registry.Port > 65535 {
			errs = append(errs, errors.New("registry.host and registry.port are required for the rpc backend"))
		}
	case "etcd":
		if len(c.Registry.Etcd.Endpoints) == 0 {
			errs = append(errs, errors.New("registry.etcd.endpoints is required for the etcd backend"))
		}
	case "redis":
		if c.Registry.Redis.Addr == "" {
			errs = append(errs, errors.New("registry.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("registry.backend %q is not one of rpc, etcd, redis", c.Registry.Backend))
	}
	if c.Registry.CallTimeout.Duration <= 0 {
		errs = append(errs, errors.New("registry.call_timeout must be positive"))
	}
	if c.Lifecycle.ReportInterval.Duration <= 0 {
		errs = append(errs, errors.New("lifecycle.report_interval must be positive"))
	}
	if c.Lifecycle.RegisterAttempts < 1 {
		errs = append(errs, errors.New("lifecycle.register_attempts must be at least 1"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// DiscoveryAddr is the registry's host:port for the rpc backend.
func (c *Config) DiscoveryAddr() string {
	return net.JoinHostPort(c.Registry.Host, strconv.Itoa(c.Registry.Port))
}

// ListenAddr is where the node binds its RPC listener.
func (c *Config) ListenAddr() string {
	if c.Service.Listen != "" {
		return c.Service.Listen
	}
	return ":" + strconv.Itoa(c.Service.Port)
}

// Package config loads the daemon configuration: compiled defaults, then an
// optional YAML file, then BACKENDLINK_* environment variables (optionally
// seeded from a .env file).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/meshcommons/backendlink/internal/link"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BACKENDLINK_"

type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	Store     StoreConfig     `yaml:"store"`
	Retention RetentionConfig `yaml:"retention"`
	Link      link.Config     `yaml:"link"`

	// Backend is the descriptor ("host:port:device") dialled at start-up
	// when AutoConnect is set.
	Backend     string `yaml:"backend"`
	AutoConnect bool   `yaml:"auto_connect"`

	// DebugOverride accepts backends announcing incompatible ports.
	DebugOverride bool `yaml:"debug_override"`
}

type GatewayConfig struct {
	ListenAddr     string `yaml:"listen_addr"`
	PublishTraffic bool   `yaml:"publish_traffic"`
	EventBuffer    int    `yaml:"event_buffer"`
}

type StoreConfig struct {
	// Path of the SQLite journal; empty keeps the journal in memory.
	Path           string `yaml:"path"`
	MemoryCapacity int    `yaml:"memory_capacity"`
}

type RetentionConfig struct {
	Interval time.Duration `yaml:"interval"`
	MaxAge   time.Duration `yaml:"max_age"`
}

// Default returns the compiled defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			ListenAddr:  "127.0.0.1:8085",
			EventBuffer: 64,
		},
		Store: StoreConfig{MemoryCapacity: 1000},
		Retention: RetentionConfig{
			Interval: time.Hour,
			MaxAge:   7 * 24 * time.Hour,
		},
		Link:    link.DefaultConfig(),
		Backend: link.DefaultDescriptor().String(),
	}
}

// Load builds the configuration. An empty path skips the YAML file; envFile
// is loaded into the environment first when it exists.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Gateway.ListenAddr == "" {
		return errors.New("config: gateway.listen_addr is empty")
	}
	if c.Backend != "" {
		if _, err := link.ParseDescriptorStrict(c.Backend); err != nil {
			return fmt.Errorf("config: backend: %w", err)
		}
	}
	if c.Retention.Interval < 0 || c.Retention.MaxAge < 0 {
		return errors.New("config: retention durations must not be negative")
	}
	return nil
}

// LinkConfig is the session configuration with the debug override applied.
func (c *Config) LinkConfig() link.Config {
	lc := c.Link
	lc.AllowIncompatible = lc.AllowIncompatible || c.DebugOverride
	return lc
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"LISTEN_ADDR": &c.Gateway.ListenAddr,
		"STORE_PATH":  &c.Store.Path,
		"BACKEND":     &c.Backend,
	}
	for key, dst := range str {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	flags := map[string]*bool{
		"AUTO_CONNECT":    &c.AutoConnect,
		"DEBUG_OVERRIDE":  &c.DebugOverride,
		"PUBLISH_TRAFFIC": &c.Gateway.PublishTraffic,
	}
	for key, dst := range flags {
		if v, ok := lookup(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("config: %s%s: %w", EnvPrefix, key, err)
			}
			*dst = b
		}
	}

	durations := map[string]*time.Duration{
		"CONNECT_TIMEOUT":            &c.Link.ConnectTimeout,
		"INPUT_READY_TIMEOUT":        &c.Link.InputReadyTimeout,
		"DEVICE_CONNECT_TIMEOUT":     &c.Link.DeviceConnectTimeout,
		"PORTLIST_TIMEOUT":           &c.Link.PortListTimeout,
		"HEARTBEAT_INTERVAL":         &c.Link.HeartbeatInterval,
		"HEARTBEAT_RESPONSE_TIMEOUT": &c.Link.HeartbeatResponseTimeout,
		"RETENTION_INTERVAL":         &c.Retention.Interval,
		"RETENTION_MAX_AGE":          &c.Retention.MaxAge,
	}
	for key, dst := range durations {
		if v, ok := lookup(EnvPrefix + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("config: %s%s: %w", EnvPrefix, key, err)
			}
			*dst = d
		}
	}

	ints := map[string]*int{
		"MAX_DANGLING_HEARTBEATS": &c.Link.MaxDanglingHeartbeats,
		"LINE_BUFFER_SIZE":        &c.Link.LineBufferSize,
	}
	for key, dst := range ints {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("config: %s%s: %w", EnvPrefix, key, err)
			}
			*dst = n
		}
	}
	return nil
}

package link

import "time"

const (
	DefaultConnectTimeout           = 6 * time.Second
	DefaultInputReadyTimeout        = 6 * time.Second
	DefaultDeviceConnectTimeout     = 15 * time.Second
	DefaultPortListTimeout          = 15 * time.Second
	DefaultHeartbeatInterval        = 4500 * time.Millisecond
	DefaultHeartbeatResponseTimeout = 18 * time.Second
	DefaultMaxDanglingHeartbeats    = 3
	DefaultLineBufferSize           = 128 * 1024
)

// Config holds the session timing constants. Zero fields take the defaults.
type Config struct {
	ConnectTimeout           time.Duration `yaml:"connect_timeout"`
	InputReadyTimeout        time.Duration `yaml:"input_ready_timeout"`
	DeviceConnectTimeout     time.Duration `yaml:"device_connect_timeout"`
	PortListTimeout          time.Duration `yaml:"portlist_timeout"`
	HeartbeatInterval        time.Duration `yaml:"heartbeat_interval"`
	HeartbeatResponseTimeout time.Duration `yaml:"heartbeat_response_timeout"`
	MaxDanglingHeartbeats    int           `yaml:"max_dangling_heartbeats"`
	LineBufferSize           int           `yaml:"line_buffer_size"`

	// AllowIncompatible skips the port compatibility check when a deferred
	// device selection is replayed.
	AllowIncompatible bool `yaml:"allow_incompatible"`
}

// DefaultConfig returns the stock timing constants.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:           DefaultConnectTimeout,
		InputReadyTimeout:        DefaultInputReadyTimeout,
		DeviceConnectTimeout:     DefaultDeviceConnectTimeout,
		PortListTimeout:          DefaultPortListTimeout,
		HeartbeatInterval:        DefaultHeartbeatInterval,
		HeartbeatResponseTimeout: DefaultHeartbeatResponseTimeout,
		MaxDanglingHeartbeats:    DefaultMaxDanglingHeartbeats,
		LineBufferSize:           DefaultLineBufferSize,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.InputReadyTimeout <= 0 {
		c.InputReadyTimeout = d.InputReadyTimeout
	}
	if c.DeviceConnectTimeout <= 0 {
		c.DeviceConnectTimeout = d.DeviceConnectTimeout
	}
	if c.PortListTimeout <= 0 {
		c.PortListTimeout = d.PortListTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatResponseTimeout <= 0 {
		c.HeartbeatResponseTimeout = d.HeartbeatResponseTimeout
	}
	if c.MaxDanglingHeartbeats <= 0 {
		c.MaxDanglingHeartbeats = d.MaxDanglingHeartbeats
	}
	if c.LineBufferSize <= 0 {
		c.LineBufferSize = d.LineBufferSize
	}
	return c
}

// heartbeatExpired decides whether the link is dead: the last announcement is
// older than the response timeout and more than the tolerated number of
// heartbeat requests are unanswered.
func heartbeatExpired(cfg Config, lastAnnouncement time.Time, dangling int, now time.Time) bool {
	if lastAnnouncement.IsZero() {
		return false
	}
	return now.Sub(lastAnnouncement) > cfg.HeartbeatResponseTimeout && dangling > cfg.MaxDanglingHeartbeats
}

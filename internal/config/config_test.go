package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/meshcommons/backendlink/internal/link"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Link.HeartbeatInterval != link.DefaultHeartbeatInterval {
		t.Errorf("heartbeat interval = %v", cfg.Link.HeartbeatInterval)
	}
	if cfg.Backend != "localhost:7000:simulation" {
		t.Errorf("backend = %q", cfg.Backend)
	}
	if cfg.Store.Path != "" {
		t.Errorf("store path = %q, want in-memory", cfg.Store.Path)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "linkd.yaml", `
gateway:
  listen_addr: ":9090"
store:
  path: /tmp/journal.db
retention:
  interval: 10m
  max_age: 48h
link:
  portlist_timeout: 20s
  max_dangling_heartbeats: 5
backend: "10.0.0.2:7000:A"
debug_override: true
`)
	cfg, err := Load(path, "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.ListenAddr != ":9090" || cfg.Store.Path != "/tmp/journal.db" {
		t.Errorf("gateway/store = %+v %+v", cfg.Gateway, cfg.Store)
	}
	if cfg.Retention.Interval != 10*time.Minute || cfg.Retention.MaxAge != 48*time.Hour {
		t.Errorf("retention = %+v", cfg.Retention)
	}
	if cfg.Link.PortListTimeout != 20*time.Second || cfg.Link.MaxDanglingHeartbeats != 5 {
		t.Errorf("link = %+v", cfg.Link)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Link.ConnectTimeout != link.DefaultConnectTimeout {
		t.Errorf("connect timeout = %v", cfg.Link.ConnectTimeout)
	}
	if !cfg.LinkConfig().AllowIncompatible {
		t.Error("debug_override not applied to the link config")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BACKENDLINK_LISTEN_ADDR", "0.0.0.0:1234")
	t.Setenv("BACKENDLINK_HEARTBEAT_INTERVAL", "2s")
	t.Setenv("BACKENDLINK_AUTO_CONNECT", "true")
	envFile := writeFile(t, ".env", "BACKENDLINK_STORE_PATH=/var/lib/backendlink/journal.db\n")
	t.Cleanup(func() { os.Unsetenv("BACKENDLINK_STORE_PATH") })

	cfg, err := Load("", envFile)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.ListenAddr != "0.0.0.0:1234" {
		t.Errorf("listen addr = %q", cfg.Gateway.ListenAddr)
	}
	if cfg.Link.HeartbeatInterval != 2*time.Second {
		t.Errorf("heartbeat interval = %v", cfg.Link.HeartbeatInterval)
	}
	if !cfg.AutoConnect {
		t.Error("auto connect not set")
	}
	if cfg.Store.Path != "/var/lib/backendlink/journal.db" {
		t.Errorf("store path from .env = %q", cfg.Store.Path)
	}
}

func TestLoadRejectsBadInput(t *testing.T) {
	if _, err := Load(writeFile(t, "bad.yaml", "backend: nonsense\n"), ""); err == nil {
		t.Error("malformed backend descriptor accepted")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), ""); err == nil {
		t.Error("missing config file accepted")
	}
	t.Setenv("BACKENDLINK_DEBUG_OVERRIDE", "sometimes")
	if _, err := Load("", ""); err == nil {
		t.Error("non-boolean override accepted")
	}
	if _, err := Load("", filepath.Join(t.TempDir(), "absent.env")); err == nil {
		t.Error("bad env value accepted when .env is missing")
	}
}

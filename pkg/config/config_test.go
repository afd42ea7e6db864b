package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Bridge.Port != DefaultPort || cfg.Forward.Port != DefaultPort || cfg.Client.Port != DefaultPort {
		t.Fatalf("default ports = %d/%d/%d", cfg.Bridge.Port, cfg.Forward.Port, cfg.Client.Port)
	}
	if cfg.Bridge.Host != "127.0.0.1" {
		t.Fatalf("bridge host = %q", cfg.Bridge.Host)
	}
	if cfg.Bridge.CommandTimeout() != 20*time.Second {
		t.Fatalf("command timeout = %v", cfg.Bridge.CommandTimeout())
	}
	if cfg.Bridge.IdleTimeout() != 0 {
		t.Fatalf("idle timeout should default to disabled, got %v", cfg.Bridge.IdleTimeout())
	}
	if cfg.Client.MaxResponseBytes != 10*1024*1024 {
		t.Fatalf("max response bytes = %d", cfg.Client.MaxResponseBytes)
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bridge.Port != DefaultPort {
		t.Fatalf("port = %d", cfg.Bridge.Port)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.toml")
	profile := `
[bridge]
port = 50000
serial = "emulator-5554"
idleTimeoutMS = 30000

[forward]
connectTimeoutMS = 750

[logging]
level = "debug"
`
	if err := os.WriteFile(path, []byte(profile), 0o600); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bridge.Port != 50000 || cfg.Bridge.Serial != "emulator-5554" {
		t.Fatalf("bridge = %+v", cfg.Bridge)
	}
	if cfg.Bridge.IdleTimeout() != 30*time.Second {
		t.Fatalf("idle timeout = %v", cfg.Bridge.IdleTimeout())
	}
	if cfg.Forward.ConnectTimeout() != 750*time.Millisecond {
		t.Fatalf("connect timeout = %v", cfg.Forward.ConnectTimeout())
	}
	// Unset sections still get defaults.
	if cfg.Client.Port != DefaultPort {
		t.Fatalf("client port = %d", cfg.Client.Port)
	}
}

func TestLoadRejectsBadPort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.toml")
	if err := os.WriteFile(path, []byte("[bridge]\nport = 70000\n"), 0o600); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("out-of-range port accepted")
	}
}

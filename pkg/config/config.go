package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultPort is the well-known RPC port shared by the bridge listener, the
// forwarder, and the client when no profile overrides it.
const DefaultPort = 45678

// BridgeConfig defines the device-side RPC listener settings.
type BridgeConfig struct {
	Host             string `toml:"host"`
	Port             int    `toml:"port"`
	Serial           string `toml:"serial"`
	ADBBinary        string `toml:"adbBinary"`
	CommandTimeoutMS int    `toml:"commandTimeoutMS"`
	IdleTimeoutMS    int    `toml:"idleTimeoutMS"`
}

// ForwardConfig defines the loopback forwarder settings.
type ForwardConfig struct {
	Port             int `toml:"port"`
	ConnectTimeoutMS int `toml:"connectTimeoutMS"`
}

// ClientConfig defines operator-side client settings.
type ClientConfig struct {
	Host             string `toml:"host"`
	Port             int    `toml:"port"`
	ConnectTimeoutMS int    `toml:"connectTimeoutMS"`
	ReadTimeoutMS    int    `toml:"readTimeoutMS"`
	MaxResponseBytes int    `toml:"maxResponseBytes"`
	ArtifactDir      string `toml:"artifactDir"`
	ArtifactDB       string `toml:"artifactDB"`
}

// LoggingConfig defines basic logging knobs.
type LoggingConfig struct {
	Level       string `toml:"level"`
	FilePath    string `toml:"filePath"`
	FileMaxSize int    `toml:"fileMaxSizeMB"`
}

// ProfileConfig aggregates service configuration for a profile.
type ProfileConfig struct {
	Bridge  BridgeConfig  `toml:"bridge"`
	Forward ForwardConfig `toml:"forward"`
	Client  ClientConfig  `toml:"client"`
	Logging LoggingConfig `toml:"logging"`
}

// Default returns a profile with all defaults applied.
func Default() *ProfileConfig {
	cfg := &ProfileConfig{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a TOML profile from path. A missing file yields the defaults.
func Load(path string) (*ProfileConfig, error) {
	var cfg ProfileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg.applyDefaults()
			return &cfg, nil
		}
		return nil, err
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *ProfileConfig) applyDefaults() {
	if cfg.Bridge.Host == "" {
		cfg.Bridge.Host = "127.0.0.1"
	}
	if cfg.Bridge.Port == 0 {
		cfg.Bridge.Port = DefaultPort
	}
	if cfg.Bridge.CommandTimeoutMS == 0 {
		cfg.Bridge.CommandTimeoutMS = 20000
	}
	if cfg.Forward.Port == 0 {
		cfg.Forward.Port = DefaultPort
	}
	if cfg.Forward.ConnectTimeoutMS == 0 {
		cfg.Forward.ConnectTimeoutMS = 2000
	}
	if cfg.Client.Host == "" {
		cfg.Client.Host = "127.0.0.1"
	}
	if cfg.Client.Port == 0 {
		cfg.Client.Port = DefaultPort
	}
	if cfg.Client.ConnectTimeoutMS == 0 {
		cfg.Client.ConnectTimeoutMS = 5000
	}
	if cfg.Client.ReadTimeoutMS == 0 {
		cfg.Client.ReadTimeoutMS = 30000
	}
	if cfg.Client.MaxResponseBytes == 0 {
		cfg.Client.MaxResponseBytes = 10 * 1024 * 1024
	}
	if cfg.Client.ArtifactDir == "" {
		cfg.Client.ArtifactDir = "/tmp/phonebridge-artifacts"
	}
	if cfg.Client.ArtifactDB == "" {
		cfg.Client.ArtifactDB = "/tmp/phonebridge-artifacts/index.db"
	}
}

func (cfg *ProfileConfig) validate() error {
	if cfg.Bridge.Port < 0 || cfg.Bridge.Port > 65535 {
		return fmt.Errorf("bridge.port out of range: %d", cfg.Bridge.Port)
	}
	if cfg.Forward.Port < 0 || cfg.Forward.Port > 65535 {
		return fmt.Errorf("forward.port out of range: %d", cfg.Forward.Port)
	}
	if cfg.Client.Port < 0 || cfg.Client.Port > 65535 {
		return fmt.Errorf("client.port out of range: %d", cfg.Client.Port)
	}
	if cfg.Bridge.IdleTimeoutMS < 0 {
		return fmt.Errorf("bridge.idleTimeoutMS must be >= 0")
	}
	cfg.applyDefaults()
	return nil
}

// CommandTimeout returns the per-adb-invocation timeout.
func (b BridgeConfig) CommandTimeout() time.Duration {
	return time.Duration(b.CommandTimeoutMS) * time.Millisecond
}

// IdleTimeout returns the per-connection read timeout; zero disables it.
func (b BridgeConfig) IdleTimeout() time.Duration {
	return time.Duration(b.IdleTimeoutMS) * time.Millisecond
}

// ConnectTimeout returns the per-strategy remote connect timeout.
func (f ForwardConfig) ConnectTimeout() time.Duration {
	return time.Duration(f.ConnectTimeoutMS) * time.Millisecond
}

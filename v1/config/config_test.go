package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(viper.New())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TTL != 30*time.Second || cfg.HeartbeatInterval != 10*time.Second {
		t.Fatalf("unexpected ttl/heartbeat %s/%s", cfg.TTL, cfg.HeartbeatInterval)
	}
	if cfg.PollInterval != cfg.HeartbeatInterval {
		t.Fatalf("poll interval should default to heartbeat, got %s", cfg.PollInterval)
	}
	if cfg.Store != StoreFile || cfg.Relay != RelayFile || cfg.Prefix != "claim:" {
		t.Fatalf("unexpected backends %+v", cfg)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CLAIM_TTL", "9s")
	t.Setenv("CLAIM_STORE", "Redis")
	t.Setenv("CLAIM_CLAIM_ATTEMPTS", "4")
	cfg, err := Load(viper.New())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TTL != 9*time.Second || cfg.HeartbeatInterval != 3*time.Second {
		t.Fatalf("unexpected ttl/heartbeat %s/%s", cfg.TTL, cfg.HeartbeatInterval)
	}
	if cfg.Store != StoreRedis || cfg.Relay != RelayRedis || cfg.ClaimAttempts != 4 {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestLoadFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "claim.yaml")
	if err := os.WriteFile(path, []byte("ttl: 12s\nrelay: nats\nlock-dir: /tmp/locks\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	v := viper.New()
	v.SetConfigFile(path)
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	if err := BindFlags(v, fs); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := fs.Parse([]string{"--ttl=20s"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TTL != 20*time.Second {
		t.Fatalf("flag should win over file, got %s", cfg.TTL)
	}
	if cfg.Relay != RelayNATS || cfg.LockDir != "/tmp/locks" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
}

func TestResolvedRelay(t *testing.T) {
	cases := []struct {
		store, relay, want string
	}{
		{StoreFile, RelayAuto, RelayFile},
		{StoreFile, "", RelayFile},
		{StoreRedis, RelayAuto, RelayRedis},
		{StoreMemory, RelayAuto, RelayNone},
		{StoreFile, RelayNone, RelayNone},
		{StoreRedis, RelayNATS, RelayNATS},
	}
	for _, tc := range cases {
		cfg := Config{Store: tc.store, Relay: tc.relay}
		if got := cfg.ResolvedRelay(); got != tc.want {
			t.Fatalf("store %s relay %q: got %s want %s", tc.store, tc.relay, got, tc.want)
		}
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"ttl":        func(c *Config) { c.TTL = 0 },
		"heartbeat":  func(c *Config) { c.HeartbeatInterval = 20 * time.Second },
		"retention":  func(c *Config) { c.ProgressRetention = 0 },
		"store":      func(c *Config) { c.Store = "etcd" },
		"relay":      func(c *Config) { c.Relay = "kafka" },
		"lock-dir":   func(c *Config) { c.LockDir = "" },
		"file-relay": func(c *Config) { c.Store, c.Relay, c.LockDir = StoreRedis, RelayFile, "" },
		"log-level":  func(c *Config) { c.LogLevel = "loud" },
		"max-wait":   func(c *Config) { c.MaxWait = -time.Second },
		"codec":      func(c *Config) { c.Codec = "xml" },
	}
	for name, mutate := range cases {
		cfg := Defaults()
		mutate(&cfg)
		if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: expected ErrInvalid got %v", name, err)
		}
	}
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("debug")
	if err != nil || l != slog.LevelDebug {
		t.Fatalf("unexpected level %v, %v", l, err)
	}
}

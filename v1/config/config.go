// Package config holds the settings shared by the presets and the claimrun
// command. Values come from defaults, an optional config file, CLAIM_*
// environment variables and bound flags, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Store kinds.
const (
	StoreFile   = "file"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Relay kinds. RelayAuto picks the relay matching the store: the lock
// directory for StoreFile, Redis for StoreRedis and none for StoreMemory.
const (
	RelayAuto  = "auto"
	RelayNone  = "none"
	RelayFile  = "file"
	RelayRedis = "redis"
	RelayNATS  = "nats"
)

// Result codecs used by progress relays.
const (
	CodecJSON = "json"
	CodecGob  = "gob"
)

// EnvPrefix is the prefix of environment overrides, e.g. CLAIM_TTL.
const EnvPrefix = "CLAIM"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config configures a coordinator and its backends.
type Config struct {
	TTL               time.Duration
	HeartbeatInterval time.Duration
	MaxWait           time.Duration
	ProgressRetention time.Duration
	PollInterval      time.Duration

	LockDir string
	Store   string
	Relay   string
	Prefix  string
	Codec   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	NATSURL       string

	ClaimAttempts int
	ClaimDelay    time.Duration
	QueueLimit    int
	LogLevel      string
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		TTL:               30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		MaxWait:           5 * time.Minute,
		ProgressRetention: 5 * time.Second,
		LockDir:           ".claim",
		Store:             StoreFile,
		Relay:             RelayAuto,
		Prefix:            "claim:",
		Codec:             CodecJSON,
		RedisAddr:         "127.0.0.1:6379",
		NATSURL:           "nats://127.0.0.1:4222",
		ClaimAttempts:     1,
		ClaimDelay:        100 * time.Millisecond,
		QueueLimit:        256,
		LogLevel:          "info",
	}
}

// SetDefaults registers the defaults on v.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("ttl", d.TTL)
	v.SetDefault("heartbeat-interval", time.Duration(0))
	v.SetDefault("max-wait", d.MaxWait)
	v.SetDefault("progress-retention", d.ProgressRetention)
	v.SetDefault("poll-interval", time.Duration(0))
	v.SetDefault("lock-dir", d.LockDir)
	v.SetDefault("store", d.Store)
	v.SetDefault("relay", d.Relay)
	v.SetDefault("prefix", d.Prefix)
	v.SetDefault("codec", d.Codec)
	v.SetDefault("redis-addr", d.RedisAddr)
	v.SetDefault("redis-password", "")
	v.SetDefault("redis-db", 0)
	v.SetDefault("nats-url", d.NATSURL)
	v.SetDefault("claim-attempts", d.ClaimAttempts)
	v.SetDefault("claim-delay", d.ClaimDelay)
	v.SetDefault("queue-limit", d.QueueLimit)
	v.SetDefault("log-level", d.LogLevel)
}

// BindFlags declares every setting as a flag on fs and binds it to v.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	d := Defaults()
	fs.Duration("ttl", d.TTL, "lease duration")
	fs.Duration("heartbeat-interval", 0, "lease renew interval (default ttl/3)")
	fs.Duration("max-wait", d.MaxWait, "how long a waiter waits for the result (0 = unbounded)")
	fs.Duration("progress-retention", d.ProgressRetention, "how long terminal records stay available")
	fs.Duration("poll-interval", 0, "lock store poll interval for remote owners (default heartbeat interval)")
	fs.String("lock-dir", d.LockDir, "directory holding lock files (store=file)")
	fs.String("store", d.Store, "lock store: file, redis or memory")
	fs.String("relay", d.Relay, "progress relay: auto, none, file, redis or nats")
	fs.String("prefix", d.Prefix, "key prefix for redis and nats names")
	fs.String("codec", d.Codec, "result encoding on relays: json or gob")
	fs.String("redis-addr", d.RedisAddr, "redis address")
	fs.String("redis-password", "", "redis password")
	fs.Int("redis-db", 0, "redis database")
	fs.String("nats-url", d.NATSURL, "nats server url")
	fs.Int("claim-attempts", d.ClaimAttempts, "claim attempts before giving up")
	fs.Duration("claim-delay", d.ClaimDelay, "delay between claim attempts")
	fs.Int("queue-limit", d.QueueLimit, "records buffered per subscriber")
	fs.String("log-level", d.LogLevel, "log level: debug, info, warn or error")

	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		if err := v.BindPFlag(f.Name, f); err != nil {
			errs = append(errs, fmt.Errorf("config: bind %s: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}

// Load reads the configuration from v, filling derived values, and
// validates it. Environment variables use the CLAIM_ prefix with dashes
// replaced by underscores.
func Load(v *viper.Viper) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}

	cfg := Config{
		TTL:               v.GetDuration("ttl"),
		HeartbeatInterval: v.GetDuration("heartbeat-interval"),
		MaxWait:           v.GetDuration("max-wait"),
		ProgressRetention: v.GetDuration("progress-retention"),
		PollInterval:      v.GetDuration("poll-interval"),
		LockDir:           v.GetString("lock-dir"),
		Store:             strings.ToLower(strings.TrimSpace(v.GetString("store"))),
		Relay:             strings.ToLower(strings.TrimSpace(v.GetString("relay"))),
		Prefix:            v.GetString("prefix"),
		Codec:             strings.ToLower(strings.TrimSpace(v.GetString("codec"))),
		RedisAddr:         v.GetString("redis-addr"),
		RedisPassword:     v.GetString("redis-password"),
		RedisDB:           v.GetInt("redis-db"),
		NATSURL:           v.GetString("nats-url"),
		ClaimAttempts:     v.GetInt("claim-attempts"),
		ClaimDelay:        v.GetDuration("claim-delay"),
		QueueLimit:        v.GetInt("queue-limit"),
		LogLevel:          v.GetString("log-level"),
	}
	cfg.fill()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) fill() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = c.TTL / 3
	}
	if c.PollInterval == 0 {
		c.PollInterval = c.HeartbeatInterval
	}
	c.Relay = c.ResolvedRelay()
}

// ResolvedRelay returns the relay kind to build, resolving RelayAuto and an
// empty value against the store.
func (c Config) ResolvedRelay() string {
	if c.Relay != "" && c.Relay != RelayAuto {
		return c.Relay
	}
	switch c.Store {
	case StoreFile:
		return RelayFile
	case StoreRedis:
		return RelayRedis
	}
	return RelayNone
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	switch {
	case c.TTL <= 0:
		return fmt.Errorf("%w: ttl must be positive", ErrInvalid)
	case c.HeartbeatInterval <= 0:
		return fmt.Errorf("%w: heartbeat-interval must be positive", ErrInvalid)
	case c.TTL < 2*c.HeartbeatInterval:
		return fmt.Errorf("%w: ttl %s must be at least twice heartbeat-interval %s", ErrInvalid, c.TTL, c.HeartbeatInterval)
	case c.ProgressRetention <= 0:
		return fmt.Errorf("%w: progress-retention must be positive", ErrInvalid)
	case c.MaxWait < 0:
		return fmt.Errorf("%w: max-wait must not be negative", ErrInvalid)
	case c.QueueLimit < 0:
		return fmt.Errorf("%w: queue-limit must not be negative", ErrInvalid)
	}
	switch c.Store {
	case StoreFile:
		if c.LockDir == "" {
			return fmt.Errorf("%w: lock-dir is required for the file store", ErrInvalid)
		}
	case StoreRedis, StoreMemory:
	default:
		return fmt.Errorf("%w: unknown store %q", ErrInvalid, c.Store)
	}
	switch c.ResolvedRelay() {
	case RelayFile:
		if c.LockDir == "" {
			return fmt.Errorf("%w: lock-dir is required for the file relay", ErrInvalid)
		}
	case RelayNone, RelayRedis, RelayNATS:
	default:
		return fmt.Errorf("%w: unknown relay %q", ErrInvalid, c.Relay)
	}
	switch c.Codec {
	case CodecJSON, CodecGob:
	default:
		return fmt.Errorf("%w: unknown codec %q", ErrInvalid, c.Codec)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a log level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return l, fmt.Errorf("%w: log-level: %v", ErrInvalid, err)
	}
	return l, nil
}

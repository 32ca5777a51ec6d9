package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds every tunable, populated from the environment. A local .env
// file is loaded first when present so development setups need no exports.
type Config struct {
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"METRICS_ADDR"` // empty disables the metrics listener
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"json"` // json or console
	JWTSecret   string `env:"JWT_SECRET,required"`
	DBPath      string `env:"DB_PATH" envDefault:"termshare.db"`
	TmuxSocket  string `env:"TMUX_SOCKET"` // empty means the default tmux socket

	ClaimLeaseMaxSec  int `env:"CLAIM_LEASE_MAX" envDefault:"120"`
	ClaimIdleMaxSec   int `env:"CLAIM_IDLE_MAX" envDefault:"60"`
	OutputQueueSize   int `env:"SUBSCRIBER_QUEUE_OUTPUT" envDefault:"256"`
	PriorityQueueSize int `env:"SUBSCRIBER_QUEUE_PRIORITY" envDefault:"64"`

	WriteDeadlineMS     int `env:"WRITE_DEADLINE_MS" envDefault:"10000"`
	PingIntervalMS      int `env:"PING_INTERVAL_MS" envDefault:"20000"`
	HubReapGraceMS      int `env:"HUB_REAP_GRACE_MS" envDefault:"30000"`
	HeartbeatIntervalMS int `env:"HEARTBEAT_INTERVAL_MS" envDefault:"15000"`

	PresenceIdleSec  int `env:"PRESENCE_IDLE_SEC" envDefault:"600"`
	PresenceEvictSec int `env:"PRESENCE_EVICT_SEC" envDefault:"1800"`
}

// Load reads the optional .env file, then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.OutputQueueSize <= 0 || c.PriorityQueueSize <= 0 {
		return fmt.Errorf("subscriber queue sizes must be positive")
	}
	if c.ClaimLeaseMaxSec <= 0 || c.ClaimIdleMaxSec <= 0 {
		return fmt.Errorf("claim lease settings must be positive")
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("unknown LOG_FORMAT %q", c.LogFormat)
	}
	return nil
}

func (c Config) ClaimLeaseMax() time.Duration { return time.Duration(c.ClaimLeaseMaxSec) * time.Second }
func (c Config) ClaimIdleMax() time.Duration  { return time.Duration(c.ClaimIdleMaxSec) * time.Second }
func (c Config) WriteDeadline() time.Duration {
	return time.Duration(c.WriteDeadlineMS) * time.Millisecond
}
func (c Config) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalMS) * time.Millisecond
}
func (c Config) HubReapGrace() time.Duration {
	return time.Duration(c.HubReapGraceMS) * time.Millisecond
}
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}
func (c Config) PresenceIdle() time.Duration {
	return time.Duration(c.PresenceIdleSec) * time.Second
}
func (c Config) PresenceEvict() time.Duration {
	return time.Duration(c.PresenceEvictSec) * time.Second
}

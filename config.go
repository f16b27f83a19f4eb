package blink

import (
	"time"

	"github.com/joeshaw/envdecode"
)

// Config enumerates every recognized option with its default. Defaults can
// be loaded from the environment via ConfigFromEnv; zero values are filled
// in by New.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: BLINK_REDIS_ADDR
	RedisAddr string `env:"BLINK_REDIS_ADDR,default=localhost:6379"`
	// RedisPassword for the durable store. ENV: BLINK_REDIS_PASSWORD
	RedisPassword string `env:"BLINK_REDIS_PASSWORD"`
	// KeyPrefix namespaces every key this instance writes. ENV: BLINK_KEY_PREFIX
	KeyPrefix string `env:"BLINK_KEY_PREFIX,default=blink:"`

	// HeartbeatInterval is how often transports ping idle connections.
	HeartbeatInterval time.Duration `env:"BLINK_HEARTBEAT_INTERVAL,default=25s"`
	// HeartbeatTimeout is how long a ping may go unanswered before the
	// transport reports a heartbeat disconnect.
	HeartbeatTimeout time.Duration `env:"BLINK_HEARTBEAT_TIMEOUT,default=20s"`

	// GraceWindow is how long an ungracefully disconnected identity may
	// reconnect and recover its session.
	GraceWindow time.Duration `env:"BLINK_GRACE_WINDOW,default=30s"`
	// LongWindow is the durable-record TTL applied while a session sits in
	// the grace window; it must exceed GraceWindow.
	LongWindow time.Duration `env:"BLINK_LONG_WINDOW,default=15m"`
	// ConnectionInactivityTimeout is the durable-record TTL for live
	// connections, refreshed on every heartbeat.
	ConnectionInactivityTimeout time.Duration `env:"BLINK_CONNECTION_INACTIVITY_TIMEOUT,default=15m"`
	// GroupInactivityTimeout expires groups with no membership or activity
	// changes.
	GroupInactivityTimeout time.Duration `env:"BLINK_GROUP_INACTIVITY_TIMEOUT,default=1h"`

	// AckTimeout bounds the per-recipient acknowledgment wait on
	// acknowledged sends.
	AckTimeout time.Duration `env:"BLINK_ACK_TIMEOUT,default=2s"`
	// AuthTimeout bounds the external authenticator call.
	AuthTimeout time.Duration `env:"BLINK_AUTH_TIMEOUT,default=5s"`
	// RetryLimit is the retry budget per queued message.
	RetryLimit int `env:"BLINK_RETRY_LIMIT,default=3"`
	// RetryAckTimeout is how long a retry-queue delivery waits for its
	// acknowledgment.
	RetryAckTimeout time.Duration `env:"BLINK_RETRY_ACK_TIMEOUT,default=5s"`
	// FanoutLimit caps concurrent per-recipient emissions in one send.
	FanoutLimit int `env:"BLINK_FANOUT_LIMIT,default=512"`

	// AuditRetention is how long audit records persist. Default 90 days.
	AuditRetention time.Duration `env:"BLINK_AUDIT_RETENTION,default=2160h"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	cfg := Config{}
	cfg.applyDefaults()
	return cfg
}

// ConfigFromEnv populates a Config from the environment, falling back to
// the documented defaults.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.RedisAddr == "" {
		c.RedisAddr = "localhost:6379"
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "blink:"
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 20 * time.Second
	}
	if c.GraceWindow <= 0 {
		c.GraceWindow = 30 * time.Second
	}
	if c.LongWindow <= 0 {
		c.LongWindow = 15 * time.Minute
	}
	if c.ConnectionInactivityTimeout <= 0 {
		c.ConnectionInactivityTimeout = 15 * time.Minute
	}
	if c.GroupInactivityTimeout <= 0 {
		c.GroupInactivityTimeout = time.Hour
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 2 * time.Second
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 5 * time.Second
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = 3
	}
	if c.RetryAckTimeout <= 0 {
		c.RetryAckTimeout = 5 * time.Second
	}
	if c.FanoutLimit <= 0 {
		c.FanoutLimit = 512
	}
	if c.AuditRetention <= 0 {
		c.AuditRetention = 90 * 24 * time.Hour
	}
}

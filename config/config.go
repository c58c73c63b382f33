package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	JWT        JWTConfig
	AWS        AWSConfig
	Platform   PlatformConfig
	Presence   PresenceConfig
	Sessions   SessionsConfig
	Moderation ModerationConfig
	Vote       VoteConfig
	Snapshot   SnapshotConfig
	Audit      AuditConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string        `env:"PORT" envDefault:"8080"`
	ReadTimeout        time.Duration `env:"READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout       time.Duration `env:"WRITE_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	CORSAllowedOrigins string        `env:"CORS_ALLOWED_ORIGINS" envDefault:"*"`
}

// DatabaseConfig holds PostgreSQL connection settings. Only the audit
// worker requires it; the server uses it for audit history when set.
type DatabaseConfig struct {
	URL      string `env:"DATABASE_URL"`
	MaxConns int32  `env:"DB_MAX_CONNS" envDefault:"10"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// JWTConfig holds JWT validation settings for the command API.
type JWTConfig struct {
	Secret      string `env:"JWT_SECRET" envDefault:"change-me-in-production"`
	ExpireHours int    `env:"JWT_EXPIRE_HOURS" envDefault:"24"`
	Issuer      string `env:"JWT_ISSUER" envDefault:"aura-voice"`
}

// AWSConfig holds the snapshot archive bucket. Empty Bucket disables S3.
type AWSConfig struct {
	Region          string `env:"AWS_REGION" envDefault:"us-east-1"`
	AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	Bucket          string `env:"AWS_S3_SNAPSHOT_BUCKET"`
	Endpoint        string `env:"AWS_S3_ENDPOINT"`
}

// PlatformConfig points at the voice platform.
type PlatformConfig struct {
	BaseURL     string        `env:"PLATFORM_BASE_URL" envDefault:"http://localhost:9000"`
	GatewayURL  string        `env:"PLATFORM_GATEWAY_URL" envDefault:"ws://localhost:9000/gateway"`
	BotToken    string        `env:"PLATFORM_BOT_TOKEN"`
	BotUserID   string        `env:"PLATFORM_BOT_USER_ID"`
	CallTimeout time.Duration `env:"PLATFORM_CALL_TIMEOUT" envDefault:"10s"`
}

// PresenceConfig selects where presence events come from.
type PresenceConfig struct {
	// Source is "ws" (gateway websocket) or "redis" (pub/sub channel).
	Source  string `env:"PRESENCE_SOURCE" envDefault:"ws"`
	Channel string `env:"PRESENCE_CHANNEL" envDefault:"voice:presence"`
	Workers int    `env:"PRESENCE_WORKERS" envDefault:"8"`
	Depth   int    `env:"PRESENCE_QUEUE_DEPTH" envDefault:"256"`
}

// SessionsConfig identifies the managed category.
type SessionsConfig struct {
	CategoryID        string   `env:"SESSION_CATEGORY_ID"`
	SpawnTriggerID    string   `env:"SESSION_SPAWN_TRIGGER_ID"`
	Permanent         []string `env:"SESSION_PERMANENT_IDS" envSeparator:","`
	NameTemplate      string   `env:"SESSION_NAME_TEMPLATE" envDefault:"%s's room"`
	WaitingRoomSuffix string   `env:"SESSION_WAITING_ROOM_SUFFIX" envDefault:" (waiting)"`
	DefaultUserLimit  int      `env:"SESSION_DEFAULT_USER_LIMIT" envDefault:"0"`
}

// ModerationConfig tunes mute reconciliation.
type ModerationConfig struct {
	ExplicitTTL  time.Duration `env:"MUTE_EXPLICIT_TTL" envDefault:"10s"`
	EnforceDelay time.Duration `env:"MUTE_ENFORCE_DELAY" envDefault:"1s"`
}

// VoteConfig tunes vote-to-mute rounds.
type VoteConfig struct {
	PollInterval time.Duration `env:"VOTE_POLL_INTERVAL" envDefault:"2s"`
	Deadline     time.Duration `env:"VOTE_DEADLINE" envDefault:"20s"`
	Failsafe     time.Duration `env:"VOTE_FAILSAFE" envDefault:"21s"`
	Emoji        string        `env:"VOTE_EMOJI" envDefault:"✅"`
}

// SnapshotConfig selects and tunes registry persistence.
type SnapshotConfig struct {
	// Backend is "file", "redis" or "s3".
	Backend string        `env:"SNAPSHOT_BACKEND" envDefault:"file"`
	Dir     string        `env:"SNAPSHOT_DIR" envDefault:"./data"`
	Window  time.Duration `env:"SNAPSHOT_DEBOUNCE" envDefault:"2s"`
	Prefix  string        `env:"SNAPSHOT_PREFIX"`
	// Archive mirrors every write to S3 when a bucket is configured and the
	// backend is not already s3.
	Archive bool `env:"SNAPSHOT_ARCHIVE" envDefault:"false"`
}

// AuditConfig toggles the moderation audit trail.
type AuditConfig struct {
	Enabled bool `env:"AUDIT_ENABLED" envDefault:"true"`
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Snapshot.Backend {
	case "file", "redis":
	case "s3":
		if c.AWS.Bucket == "" {
			return fmt.Errorf("SNAPSHOT_BACKEND=s3 requires AWS_S3_SNAPSHOT_BUCKET")
		}
	default:
		return fmt.Errorf("unknown SNAPSHOT_BACKEND %q", c.Snapshot.Backend)
	}
	switch c.Presence.Source {
	case "ws", "redis":
	default:
		return fmt.Errorf("unknown PRESENCE_SOURCE %q", c.Presence.Source)
	}
	if c.Vote.Failsafe <= c.Vote.Deadline {
		return fmt.Errorf("VOTE_FAILSAFE (%s) must be later than VOTE_DEADLINE (%s)", c.Vote.Failsafe, c.Vote.Deadline)
	}
	return nil
}

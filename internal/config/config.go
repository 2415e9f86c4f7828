package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port            string        `mapstructure:"PORT"`
	Env             string        `mapstructure:"ENV"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32         `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer      string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience    string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey  string        `mapstructure:"AUTH_SIGNING_KEY"`
	DefaultTenant   string        `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins     []string      `mapstructure:"CORS_ORIGINS"`
	MigrationsDir   string        `mapstructure:"MIGRATIONS_DIR"`
	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	StatusNoOpAudit bool          `mapstructure:"STATUS_NOOP_AUDIT"`
	RateLimitRPS    float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `mapstructure:"RATE_LIMIT_BURST"`

	BlobDriver      string        `mapstructure:"BLOB_DRIVER"`
	BlobFSRoot      string        `mapstructure:"BLOB_FS_ROOT"`
	BlobBaseURL     string        `mapstructure:"BLOB_BASE_URL"`
	BlobSigningKey  string        `mapstructure:"BLOB_SIGNING_KEY"`
	BlobS3Bucket    string        `mapstructure:"BLOB_S3_BUCKET"`
	BlobS3Region    string        `mapstructure:"BLOB_S3_REGION"`
	BlobS3Endpoint  string        `mapstructure:"BLOB_S3_ENDPOINT"`
	BlobS3PathStyle bool          `mapstructure:"BLOB_S3_PATH_STYLE"`
	SignedURLTTL    time.Duration `mapstructure:"SIGNED_URL_TTL"`

	ActivitySinks         []string `mapstructure:"ACTIVITY_SINKS"`
	KafkaBrokers          []string `mapstructure:"KAFKA_BROKERS"`
	KafkaActivityTopic    string   `mapstructure:"KAFKA_ACTIVITY_TOPIC"`
	SQSActivityQueueURL   string   `mapstructure:"SQS_ACTIVITY_QUEUE_URL"`
	ActivityWebhookURL    string   `mapstructure:"ACTIVITY_WEBHOOK_URL"`
	ActivityWebhookSecret string   `mapstructure:"ACTIVITY_WEBHOOK_SECRET"`
	// ActivityTimeout bounds the delivery of one event to the sinks.
	ActivityTimeout time.Duration `mapstructure:"ACTIVITY_TIMEOUT"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "DEFAULT_TENANT",
	"CORS_ORIGINS", "MIGRATIONS_DIR", "REQUEST_TIMEOUT", "STATUS_NOOP_AUDIT",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"BLOB_DRIVER", "BLOB_FS_ROOT", "BLOB_BASE_URL", "BLOB_SIGNING_KEY",
	"BLOB_S3_BUCKET", "BLOB_S3_REGION", "BLOB_S3_ENDPOINT", "BLOB_S3_PATH_STYLE",
	"SIGNED_URL_TTL", "ACTIVITY_SINKS", "KAFKA_BROKERS", "KAFKA_ACTIVITY_TOPIC",
	"SQS_ACTIVITY_QUEUE_URL", "ACTIVITY_WEBHOOK_URL", "ACTIVITY_WEBHOOK_SECRET",
	"ACTIVITY_TIMEOUT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("STATUS_NOOP_AUDIT", false)
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("BLOB_DRIVER", "memory")
	v.SetDefault("BLOB_FS_ROOT", "./storage")
	v.SetDefault("BLOB_BASE_URL", "http://localhost:8000/files")
	v.SetDefault("BLOB_S3_REGION", "us-east-1")
	v.SetDefault("SIGNED_URL_TTL", "15m")
	v.SetDefault("ACTIVITY_SINKS", "log")
	v.SetDefault("KAFKA_ACTIVITY_TOPIC", "case-activity")
	v.SetDefault("ACTIVITY_TIMEOUT", "5s")

	for _, k := range envKeys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.ActivitySinks = splitList(cfg.ActivitySinks, v.GetString("ACTIVITY_SINKS"))
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers, v.GetString("KAFKA_BROKERS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active, all requests get admin access.")
	}

	return cfg, nil
}

// splitList trims comma separated env values and drops empty entries.
func splitList(decoded []string, raw string) []string {
	if raw == "" {
		raw = strings.Join(decoded, ",")
	}
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks driver specific requirements and refuses to run production
// without token verification.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
	}

	switch c.BlobDriver {
	case "memory":
		if c.IsProduction() {
			return fmt.Errorf("BLOB_DRIVER=memory is not allowed in production")
		}
	case "fs":
		if c.BlobFSRoot == "" {
			return fmt.Errorf("BLOB_FS_ROOT is required when BLOB_DRIVER is fs")
		}
		if c.BlobSigningKey == "" {
			return fmt.Errorf("BLOB_SIGNING_KEY is required when BLOB_DRIVER is fs")
		}
	case "s3":
		if c.BlobS3Bucket == "" {
			return fmt.Errorf("BLOB_S3_BUCKET is required when BLOB_DRIVER is s3")
		}
	default:
		return fmt.Errorf("BLOB_DRIVER must be \"memory\", \"fs\", or \"s3\", got %q", c.BlobDriver)
	}

	for _, s := range c.ActivitySinks {
		switch strings.ToLower(s) {
		case "log", "db", "websocket":
		case "kafka":
			if len(c.KafkaBrokers) == 0 {
				return fmt.Errorf("KAFKA_BROKERS is required when ACTIVITY_SINKS includes kafka")
			}
		case "sqs":
			if c.SQSActivityQueueURL == "" {
				return fmt.Errorf("SQS_ACTIVITY_QUEUE_URL is required when ACTIVITY_SINKS includes sqs")
			}
		case "webhook":
			if c.ActivityWebhookURL == "" {
				return fmt.Errorf("ACTIVITY_WEBHOOK_URL is required when ACTIVITY_SINKS includes webhook")
			}
		default:
			return fmt.Errorf("unknown activity sink %q", s)
		}
	}

	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must not be negative")
	}
	return nil
}

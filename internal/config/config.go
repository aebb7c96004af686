package config

import (
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Store and bus drivers selectable through STORE_DRIVER and PUBSUB_DRIVER.
const (
	DriverSurreal = "surreal"
	DriverMemory  = "memory"
	DriverNATS    = "nats"
)

// Provider exposes configuration to the rest of the application. Components
// depend on this interface rather than the concrete Config so tests can swap
// in their own values.
type Provider interface {
	GetServerAddr() string
	GetInstanceID() string
	GetStoreDriver() string
	GetDBURL() string
	GetDBNs() string
	GetDBDb() string
	GetDBUser() string
	GetDBPass() string
	GetDBQueryTimeout() time.Duration
	GetDBExecuteTimeout() time.Duration
	GetPubSubDriver() string
	GetNATSURL() string
	GetCursorPath() string
	GetSecretKey() string
	GetSessionTokenTTL() time.Duration
	GetTracingEnabled() bool
	GetTracingServiceName() string
	GetTracingZipkinURL() string
	GetAllowedOrigins() []string
}

// Config holds all configuration for the application.
type Config struct {
	ServerAddr string `envconfig:"SERVER_ADDR" default:":3000"`
	InstanceID string `envconfig:"INSTANCE_ID" default:"rufer-1"`

	StoreDriver      string        `envconfig:"STORE_DRIVER" default:"surreal"`
	DBUrl            string        `envconfig:"SURREAL_URL"`
	DBNs             string        `envconfig:"SURREAL_NS"`
	DBDb             string        `envconfig:"SURREAL_DB"`
	DBUser           string        `envconfig:"SURREAL_USER"`
	DBPass           string        `envconfig:"SURREAL_PASS"`
	DBQueryTimeout   time.Duration `envconfig:"DB_QUERY_TIMEOUT" default:"5s"`
	DBExecuteTimeout time.Duration `envconfig:"DB_EXECUTE_TIMEOUT" default:"10s"`

	PubSubDriver string `envconfig:"PUBSUB_DRIVER" default:"memory"`
	NATSURL      string `envconfig:"NATS_URL" default:"nats://127.0.0.1:4222"`

	CursorPath string `envconfig:"CURSOR_PATH" default:"data/cursor"`

	SecretKey       string        `envconfig:"RUFER_SECRET_KEY"`
	SessionTokenTTL time.Duration `envconfig:"SESSION_TOKEN_TTL" default:"15m"`

	TracingEnabled     bool   `envconfig:"PUBSUB_TRACING_ENABLED" default:"false"`
	TracingServiceName string `envconfig:"PUBSUB_TRACING_SERVICE_NAME" default:"rufer"`
	TracingZipkinURL   string `envconfig:"PUBSUB_TRACING_ZIPKIN_URL" default:"http://localhost:9411/api/v2/spans"`

	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS"`
}

// New loads configuration from the environment, reading a .env file first
// when one is present.
func New() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}
	return Load()
}

// Load populates a Config from the current process environment only.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case DriverSurreal:
		if c.DBUrl == "" || c.DBNs == "" || c.DBDb == "" {
			return fmt.Errorf("required environment variables SURREAL_URL, SURREAL_NS, or SURREAL_DB are not set")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	switch c.PubSubDriver {
	case DriverMemory, DriverNATS:
	default:
		return fmt.Errorf("unknown PUBSUB_DRIVER %q", c.PubSubDriver)
	}

	if c.SecretKey == "" {
		return fmt.Errorf("RUFER_SECRET_KEY must be set")
	}
	if c.SessionTokenTTL <= 0 {
		return fmt.Errorf("SESSION_TOKEN_TTL must be a positive duration")
	}
	return nil
}

func (c *Config) GetServerAddr() string { return c.ServerAddr }
func (c *Config) GetInstanceID() string { return c.InstanceID }
func (c *Config) GetStoreDriver() string { return c.StoreDriver }
func (c *Config) GetDBURL() string { return c.DBUrl }
func (c *Config) GetDBNs() string { return c.DBNs }
func (c *Config) GetDBDb() string { return c.DBDb }
func (c *Config) GetDBUser() string { return c.DBUser }
func (c *Config) GetDBPass() string { return c.DBPass }
func (c *Config) GetDBQueryTimeout() time.Duration { return c.DBQueryTimeout }
func (c *Config) GetDBExecuteTimeout() time.Duration { return c.DBExecuteTimeout }
func (c *Config) GetPubSubDriver() string { return c.PubSubDriver }
func (c *Config) GetNATSURL() string { return c.NATSURL }
func (c *Config) GetCursorPath() string { return c.CursorPath }
func (c *Config) GetSecretKey() string { return c.SecretKey }
func (c *Config) GetSessionTokenTTL() time.Duration { return c.SessionTokenTTL }
func (c *Config) GetTracingEnabled() bool { return c.TracingEnabled }
func (c *Config) GetTracingServiceName() string { return c.TracingServiceName }
func (c *Config) GetTracingZipkinURL() string { return c.TracingZipkinURL }
func (c *Config) GetAllowedOrigins() []string { return c.AllowedOrigins }

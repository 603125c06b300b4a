package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/example/grocer-orders/internal/domain/orderitem"
)

const (
	PushModeLocal = "local"
	PushModeKafka = "kafka"
)

// Config is the API server configuration
type Config struct {
	HTTPAddr       string
	DatabaseURL    string
	JWTSecret      string
	TokenTTL       time.Duration
	LogLevel       string
	LogDevelopment bool

	PushMode      string
	KafkaBrokers  []string
	KafkaTopic    string
	InstanceID    string
	PushTimeout   time.Duration
	SessionBuffer int

	NotificationPageSizeMax int
}

// ClientConfig configures the ordersync reconciliation client
type ClientConfig struct {
	ServerURL    string
	AccessToken  string
	CacheFile    string
	SyncInterval time.Duration
	// Statuses scopes every pull; nil means all statuses
	Statuses []orderitem.Status
	LogLevel string
}

// LoadDotEnv loads a .env file if one exists. A missing file is not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	return v
}

// Load reads the server configuration from the environment
func Load() (*Config, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}

	v := newViper()
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("TOKEN_TTL", 15*time.Minute)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_DEVELOPMENT", false)
	v.SetDefault("PUSH_MODE", PushModeLocal)
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_TOPIC", "order-notifications")
	v.SetDefault("INSTANCE_ID", "")
	v.SetDefault("PUSH_TIMEOUT", 2*time.Second)
	v.SetDefault("SESSION_BUFFER", 16)
	v.SetDefault("NOTIFICATION_PAGE_SIZE_MAX", 100)

	cfg := &Config{
		HTTPAddr:                v.GetString("HTTP_ADDR"),
		DatabaseURL:             v.GetString("DATABASE_URL"),
		JWTSecret:               v.GetString("JWT_SECRET"),
		TokenTTL:                v.GetDuration("TOKEN_TTL"),
		LogLevel:                v.GetString("LOG_LEVEL"),
		LogDevelopment:          v.GetBool("LOG_DEVELOPMENT"),
		PushMode:                strings.ToLower(v.GetString("PUSH_MODE")),
		KafkaBrokers:            splitList(v.GetString("KAFKA_BROKERS")),
		KafkaTopic:              v.GetString("KAFKA_TOPIC"),
		InstanceID:              v.GetString("INSTANCE_ID"),
		PushTimeout:             v.GetDuration("PUSH_TIMEOUT"),
		SessionBuffer:           v.GetInt("SESSION_BUFFER"),
		NotificationPageSizeMax: v.GetInt("NOTIFICATION_PAGE_SIZE_MAX"),
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the server cannot run with
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET environment variable is required")
	}
	if len(c.JWTSecret) < 32 {
		return errors.New("JWT_SECRET must be at least 32 characters long")
	}
	switch c.PushMode {
	case PushModeLocal:
	case PushModeKafka:
		if len(c.KafkaBrokers) == 0 {
			return errors.New("KAFKA_BROKERS is required when PUSH_MODE=kafka")
		}
		if c.KafkaTopic == "" {
			return errors.New("KAFKA_TOPIC is required when PUSH_MODE=kafka")
		}
	default:
		return fmt.Errorf("unknown PUSH_MODE %q", c.PushMode)
	}
	if c.PushTimeout <= 0 {
		return errors.New("PUSH_TIMEOUT must be positive")
	}
	if c.SessionBuffer < 1 {
		return errors.New("SESSION_BUFFER must be at least 1")
	}
	if c.NotificationPageSizeMax < 1 {
		return errors.New("NOTIFICATION_PAGE_SIZE_MAX must be at least 1")
	}
	if c.TokenTTL <= 0 {
		return errors.New("TOKEN_TTL must be positive")
	}
	return nil
}

// UsePostgres reports whether a database is configured
func (c *Config) UsePostgres() bool {
	return c.DatabaseURL != ""
}

// LoadClient reads the ordersync configuration from the environment
func LoadClient() (*ClientConfig, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}

	v := newViper()
	v.SetDefault("SERVER_URL", "http://localhost:8080")
	v.SetDefault("CACHE_FILE", "ordersync-cache.json")
	v.SetDefault("SYNC_INTERVAL", 30*time.Second)
	v.SetDefault("SYNC_STATUSES", "")
	v.SetDefault("LOG_LEVEL", "info")

	cfg := &ClientConfig{
		ServerURL:    strings.TrimRight(v.GetString("SERVER_URL"), "/"),
		AccessToken:  v.GetString("ACCESS_TOKEN"),
		CacheFile:    v.GetString("CACHE_FILE"),
		SyncInterval: v.GetDuration("SYNC_INTERVAL"),
		LogLevel:     v.GetString("LOG_LEVEL"),
	}
	statuses, err := orderitem.ParseStatusSet(v.GetString("SYNC_STATUSES"))
	if err != nil {
		return nil, fmt.Errorf("invalid SYNC_STATUSES: %w", err)
	}
	cfg.Statuses = statuses
	if cfg.AccessToken == "" {
		return nil, errors.New("ACCESS_TOKEN environment variable is required")
	}
	if cfg.SyncInterval <= 0 {
		return nil, errors.New("SYNC_INTERVAL must be positive")
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

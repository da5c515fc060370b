package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends selectable through STORE_BACKEND and SESSION_BACKEND.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Key sources selectable through KEY_SOURCE.
const (
	KeySourceFile      = "file"
	KeySourceGenerate  = "generate"
	KeySourceAWSSecret = "aws-secretsmanager"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Store    StoreConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Keys     KeysConfig
	OAuth    OAuthConfig
	Session  SessionConfig
	Registry RegistryConfig
	Audit    AuditConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port            string
	Issuer          string
	ShutdownTimeout time.Duration
}

// LogConfig selects the zap encoder and level.
type LogConfig struct {
	Env   string
	Level string
}

// StoreConfig selects the backend for codes and tokens.
type StoreConfig struct {
	Backend       string
	Timeout       time.Duration
	SweepInterval time.Duration
	// ConnectBudget bounds the startup retries against Postgres or Redis.
	ConnectBudget time.Duration
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
}

// DSN renders a pgx connection string.
func (d DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   "/" + d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	if d.MaxConns > 0 {
		q.Set("pool_max_conns", strconv.Itoa(d.MaxConns))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// RedisConfig holds the Redis connection used by the redis backends.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// KeysConfig describes where signing keys come from.
type KeysConfig struct {
	Source string
	// SigningKeyFile is the PEM private key used for new tokens.
	SigningKeyFile string
	// RetiredKeyFiles remain trusted for validation during rollover.
	RetiredKeyFiles []string
	// AWSSecretID names a secret whose value is a PEM private key.
	AWSSecretID string
	// AWSRetiredSecretIDs remain trusted for validation during rollover.
	AWSRetiredSecretIDs []string
	AWSRegion           string
}

// OAuthConfig holds protocol tunables that are not per client.
type OAuthConfig struct {
	// ClockSkew is the leeway applied when validating JWT expiry.
	ClockSkew time.Duration
	// LoginRequestTTL bounds how long a parked authorization request waits for login.
	LoginRequestTTL time.Duration
}

// SessionConfig controls the browser session cookie.
type SessionConfig struct {
	Backend    string
	CookieName string
	Lifetime   time.Duration
	Secure     bool
}

// RegistryConfig selects where clients and resources are loaded from.
type RegistryConfig struct {
	// Source is "seed", "file" or "postgres".
	Source string
	File   string
}

// AuditConfig configures the optional AMQP audit sink.
type AuditConfig struct {
	AMQPURL  string
	Exchange string
}

// Load reads an optional .env file and returns a Config populated from
// environment variables. A missing .env file is not an error.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv returns a Config populated from environment variables
func FromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", "5000"),
			Issuer:          strings.TrimRight(getEnv("ISSUER", "http://localhost:5000"), "/"),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Log: LogConfig{
			Env:   getEnv("LOG_ENV", "dev"),
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Store: StoreConfig{
			Backend:       getEnv("STORE_BACKEND", BackendMemory),
			Timeout:       getEnvAsDuration("STORE_TIMEOUT", 2*time.Second),
			SweepInterval: getEnvAsDuration("SWEEP_INTERVAL", time.Minute),
			ConnectBudget: getEnvAsDuration("STORE_CONNECT_BUDGET", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "idp"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "tiny_idp"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: getEnvAsInt("DB_MAX_CONNS", 10),
		},
		Redis: RedisConfig{
			Addr:      getEnv("REDIS_ADDR", "localhost:6379"),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvAsInt("REDIS_DB", 0),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "idp:"),
		},
		Keys: KeysConfig{
			Source:              getEnv("KEY_SOURCE", KeySourceGenerate),
			SigningKeyFile:      getEnv("SIGNING_KEY_FILE", "keys/signing.pem"),
			RetiredKeyFiles:     getEnvAsList("RETIRED_KEY_FILES"),
			AWSSecretID:         getEnv("SIGNING_KEY_SECRET_ID", ""),
			AWSRetiredSecretIDs: getEnvAsList("RETIRED_KEY_SECRET_IDS"),
			AWSRegion:           getEnv("AWS_REGION", ""),
		},
		OAuth: OAuthConfig{
			ClockSkew:       getEnvAsDuration("CLOCK_SKEW", 0),
			LoginRequestTTL: getEnvAsDuration("LOGIN_REQUEST_TTL", 10*time.Minute),
		},
		Session: SessionConfig{
			Backend:    getEnv("SESSION_BACKEND", BackendMemory),
			CookieName: getEnv("SESSION_COOKIE", "idp.session"),
			Lifetime:   getEnvAsDuration("SESSION_LIFETIME", 8*time.Hour),
			Secure:     getEnvAsBool("SESSION_COOKIE_SECURE", false),
		},
		Registry: RegistryConfig{
			Source: getEnv("REGISTRY_SOURCE", "seed"),
			File:   getEnv("REGISTRY_FILE", ""),
		},
		Audit: AuditConfig{
			AMQPURL:  getEnv("AUDIT_AMQP_URL", ""),
			Exchange: getEnv("AUDIT_AMQP_EXCHANGE", "idp.audit"),
		},
	}
}

// Validate rejects combinations the server cannot start with.
func (c *Config) Validate() error {
	if _, err := url.ParseRequestURI(c.Server.Issuer); err != nil {
		return fmt.Errorf("ISSUER must be an absolute URL: %w", err)
	}
	switch c.Store.Backend {
	case BackendMemory, BackendRedis, BackendPostgres:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend)
	}
	switch c.Session.Backend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("unknown SESSION_BACKEND %q", c.Session.Backend)
	}
	switch c.Keys.Source {
	case KeySourceGenerate, KeySourceFile:
	case KeySourceAWSSecret:
		if c.Keys.AWSSecretID == "" {
			return errors.New("SIGNING_KEY_SECRET_ID is required for aws-secretsmanager keys")
		}
	default:
		return fmt.Errorf("unknown KEY_SOURCE %q", c.Keys.Source)
	}
	switch c.Registry.Source {
	case "seed", "postgres":
	case "file":
		if c.Registry.File == "" {
			return errors.New("REGISTRY_FILE is required when REGISTRY_SOURCE=file")
		}
	default:
		return fmt.Errorf("unknown REGISTRY_SOURCE %q", c.Registry.Source)
	}
	if c.Store.Timeout <= 0 {
		return errors.New("STORE_TIMEOUT must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvAsList splits a comma separated value, dropping empty items.
func getEnvAsList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

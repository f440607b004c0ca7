package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"carbon-scribe/agri-credit/internal/offsets/calculation"
	"carbon-scribe/agri-credit/internal/offsets/events"
	"carbon-scribe/agri-credit/internal/offsets/measurement"
	"carbon-scribe/agri-credit/internal/offsets/settlement"
	"carbon-scribe/agri-credit/internal/offsets/verification"
	"carbon-scribe/agri-credit/pkg/ledger"
)

// Config represents the application configuration
type Config struct {
	Server       ServerConfig        `json:"server"`
	Database     DatabaseConfig      `json:"database"`
	Stellar      StellarConfig       `json:"stellar"`
	Redis        RedisConfig         `json:"redis"`
	NATS         events.NATSConfig   `json:"nats"`
	Evidence     EvidenceConfig      `json:"evidence"`
	Logging      LoggingConfig       `json:"logging"`
	Calculation  calculation.Config  `json:"calculation"`
	Measurement  measurement.Config  `json:"measurement"`
	Verification verification.Config `json:"verification"`
	Settlement   settlement.Config   `json:"settlement"`
	Anchoring    ledger.RetryPolicy  `json:"anchoring"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	Mode         string        `json:"mode"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite"
	Driver         string        `json:"driver"`
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	User           string        `json:"user"`
	Password       string        `json:"password"`
	DBName         string        `json:"db_name"`
	SSLMode        string        `json:"ssl_mode"`
	SQLitePath     string        `json:"sqlite_path"`
	MaxConnections int           `json:"max_connections"`
	MaxIdleConns   int           `json:"max_idle_conns"`
	MaxLifetime    time.Duration `json:"max_lifetime"`
	AutoMigrate    bool          `json:"auto_migrate"`
}

// StellarConfig holds the ledger connection and the signing accounts
type StellarConfig struct {
	// Enabled switches from the in-memory ledger to Horizon
	Enabled     bool          `json:"enabled"`
	HorizonURL  string        `json:"horizon_url"`
	Network     string        `json:"network"`
	AssetCode   string        `json:"asset_code"`
	HTTPTimeout time.Duration `json:"http_timeout"`
	// IssuerSecretKey signs mints; AnchorSecretKey signs anchor notes
	IssuerSecretKey string `json:"issuer_secret_key"`
	AnchorAddress   string `json:"anchor_address"`
	AnchorSecretKey string `json:"anchor_secret_key"`
}

// RedisConfig configures the distributed mint lock
type RedisConfig struct {
	Addr     string        `json:"addr"`
	Password string        `json:"password"`
	DB       int           `json:"db"`
	LockTTL  time.Duration `json:"lock_ttl"`
}

// EvidenceConfig configures the S3 evidence store
type EvidenceConfig struct {
	Bucket   string `json:"bucket"`
	Region   string `json:"region"`
	Endpoint string `json:"endpoint"`
	MaxBytes int64  `json:"max_bytes"`
}

// LoggingConfig
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // json or console
}

// Default returns a configuration that runs locally with no external services
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
			Mode:         "release",
		},
		Database: DatabaseConfig{
			Driver:         "postgres",
			Host:           "localhost",
			Port:           5432,
			User:           os.Getenv("USER"),
			DBName:         "agri_credit",
			SSLMode:        "disable",
			MaxConnections: 25,
			MaxIdleConns:   5,
			MaxLifetime:    30 * time.Minute,
			AutoMigrate:    true,
		},
		Stellar: StellarConfig{
			HorizonURL:  "https://horizon-testnet.stellar.org",
			Network:     "testnet",
			AssetCode:   "AGRI",
			HTTPTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			LockTTL: 5 * time.Minute,
		},
		NATS: events.NATSConfig{
			Name:           "agri-credit",
			SubjectPrefix:  "offsets",
			ReconnectWait:  2 * time.Second,
			MaxReconnects:  60,
			ConnectTimeout: 5 * time.Second,
		},
		Evidence: EvidenceConfig{
			Region:   "us-east-1",
			MaxBytes: 10 << 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Calculation:  calculation.DefaultConfig(),
		Measurement:  measurement.DefaultConfig(),
		Verification: verification.DefaultConfig(),
		Settlement:   settlement.DefaultConfig(),
		Anchoring:    ledger.DefaultRetryPolicy(),
	}
}

// LoadConfig loads configuration from defaults, a JSON file, .env and the environment, in that order
func LoadConfig(configPath string) (*Config, error) {
	config := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// a missing .env is normal outside development
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	overrideWithEnv(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func overrideWithEnv(config *Config) {
	setString(&config.Server.Host, "SERVER_HOST")
	setInt(&config.Server.Port, "SERVER_PORT")
	setString(&config.Server.Mode, "GIN_MODE")

	setString(&config.Database.Driver, "DATABASE_DRIVER")
	setString(&config.Database.Host, "DATABASE_HOST")
	setInt(&config.Database.Port, "DATABASE_PORT")
	setString(&config.Database.User, "DATABASE_USER")
	setString(&config.Database.Password, "DATABASE_PASSWORD")
	setString(&config.Database.DBName, "DATABASE_DBNAME")
	setString(&config.Database.SSLMode, "DATABASE_SSLMODE")
	setString(&config.Database.SQLitePath, "DATABASE_SQLITE_PATH")

	setBool(&config.Stellar.Enabled, "STELLAR_ENABLED")
	setString(&config.Stellar.HorizonURL, "STELLAR_HORIZON_URL")
	setString(&config.Stellar.Network, "STELLAR_NETWORK")
	setString(&config.Stellar.AssetCode, "STELLAR_ASSET_CODE")
	setString(&config.Stellar.IssuerSecretKey, "STELLAR_ISSUER_SECRET_KEY")
	setString(&config.Stellar.AnchorAddress, "STELLAR_ANCHOR_ADDRESS")
	setString(&config.Stellar.AnchorSecretKey, "STELLAR_ANCHOR_SECRET_KEY")

	setString(&config.Redis.Addr, "REDIS_ADDR")
	setString(&config.Redis.Password, "REDIS_PASSWORD")
	setString(&config.NATS.URL, "NATS_URL")

	setString(&config.Evidence.Bucket, "EVIDENCE_BUCKET")
	setString(&config.Evidence.Region, "AWS_REGION")
	setString(&config.Evidence.Endpoint, "EVIDENCE_S3_ENDPOINT")

	setString(&config.Logging.Level, "LOG_LEVEL")
	setString(&config.Logging.Format, "LOG_FORMAT")

	setString(&config.Settlement.Schedule, "SETTLEMENT_CRON")
	if v := os.Getenv("SETTLEMENT_DAILY_CAP"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			config.Settlement.DailyCap = n
		}
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// Validate rejects configurations that cannot start
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
	case "sqlite":
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("database.sqlite_path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Stellar.Enabled {
		if c.Stellar.IssuerSecretKey == "" || c.Stellar.AnchorSecretKey == "" {
			return fmt.Errorf("stellar issuer and anchor secret keys are required when stellar is enabled")
		}
	}
	if c.Settlement.DailyCap < 0 {
		return fmt.Errorf("settlement.daily_cap must not be negative")
	}
	return nil
}

// GetDatabaseURL returns the database connection string
func (c *DatabaseConfig) GetDatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

// GetServerAddr returns the server address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/toolsascode/sqlmigrate/internal/dialect"
)

// Config holds the engine configuration. A Config value is passed into
// constructors explicitly; there is no process-wide configuration state, so
// multiple engines against different databases can coexist in one process.
type Config struct {
	Database struct {
		Type     string `yaml:"type"` // "postgres", "mysql" or "sqlite"
		DSN      string `yaml:"dsn"`  // full DSN; overrides the discrete fields below
		Host     string `yaml:"host"`
		Port     string `yaml:"port"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		Database string `yaml:"database"`
	} `yaml:"database"`

	Migrations struct {
		Path   string `yaml:"path"`   // base directory of migration files
		Module string `yaml:"module"` // optional module filter
	} `yaml:"migrations"`

	Lock struct {
		TimeoutMs     int `yaml:"timeout_ms"`      // acquire timeout
		RowlockTTLSec int `yaml:"rowlock_ttl_sec"` // expiry for the table-row lock
	} `yaml:"lock"`

	Pool struct {
		MaxOpenConns       int `yaml:"max_open_conns"`
		MaxIdleConns       int `yaml:"max_idle_conns"`
		ConnMaxLifetimeMin int `yaml:"conn_max_lifetime_minutes"`
		ConnMaxIdleTimeMin int `yaml:"conn_max_idle_time_minutes"`
	} `yaml:"pool"`
}

// LoadFromEnv loads configuration from SQLMIGRATE_* environment variables
func LoadFromEnv() (*Config, error) {
	config := &Config{}

	config.Database.Type = getEnvOrDefault("SQLMIGRATE_DB_TYPE", "postgres")
	config.Database.DSN = os.Getenv("SQLMIGRATE_DB_DSN")
	config.Database.Host = getEnvOrDefault("SQLMIGRATE_DB_HOST", "localhost")
	config.Database.Port = getEnvOrDefault("SQLMIGRATE_DB_PORT", defaultPort(config.Database.Type))
	config.Database.Username = getEnvOrDefault("SQLMIGRATE_DB_USERNAME", "postgres")
	config.Database.Password = os.Getenv("SQLMIGRATE_DB_PASSWORD")
	config.Database.Database = getEnvOrDefault("SQLMIGRATE_DB_NAME", "app")

	config.Migrations.Path = getEnvOrDefault("SQLMIGRATE_PATH", "./migrations")
	config.Migrations.Module = os.Getenv("SQLMIGRATE_MODULE")

	config.Lock.TimeoutMs = getEnvInt("SQLMIGRATE_LOCK_TIMEOUT_MS", 30000)
	config.Lock.RowlockTTLSec = getEnvInt("SQLMIGRATE_LOCK_ROWLOCK_TTL_SEC", 900)

	config.Pool.MaxOpenConns = getEnvInt("SQLMIGRATE_DB_MAX_OPEN_CONNS", 5)
	config.Pool.MaxIdleConns = getEnvInt("SQLMIGRATE_DB_MAX_IDLE_CONNS", 2)
	config.Pool.ConnMaxLifetimeMin = getEnvInt("SQLMIGRATE_DB_CONN_MAX_LIFETIME_MINUTES", 5)
	config.Pool.ConnMaxIdleTimeMin = getEnvInt("SQLMIGRATE_DB_CONN_MAX_IDLE_TIME_MINUTES", 1)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadFromFile loads configuration from a YAML file, then applies defaults
// for any unset fields
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyDefaults() {
	if c.Database.Type == "" {
		c.Database.Type = "postgres"
	}
	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == "" {
		c.Database.Port = defaultPort(c.Database.Type)
	}
	if c.Migrations.Path == "" {
		c.Migrations.Path = "./migrations"
	}
	if c.Lock.TimeoutMs == 0 {
		c.Lock.TimeoutMs = 30000
	}
	if c.Lock.RowlockTTLSec == 0 {
		c.Lock.RowlockTTLSec = 900
	}
	if c.Pool.MaxOpenConns == 0 {
		c.Pool.MaxOpenConns = 5
	}
	if c.Pool.MaxIdleConns == 0 {
		c.Pool.MaxIdleConns = 2
	}
	if c.Pool.ConnMaxLifetimeMin == 0 {
		c.Pool.ConnMaxLifetimeMin = 5
	}
	if c.Pool.ConnMaxIdleTimeMin == 0 {
		c.Pool.ConnMaxIdleTimeMin = 1
	}
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if _, err := dialect.Parse(c.Database.Type); err != nil {
		return err
	}
	if c.Database.DSN == "" && c.Database.Database == "" {
		return fmt.Errorf("database name or DSN is required")
	}
	if c.Lock.TimeoutMs < 0 {
		return fmt.Errorf("lock timeout must not be negative")
	}
	return nil
}

// Dialect returns the parsed database dialect
func (c *Config) Dialect() dialect.Dialect {
	d, _ := dialect.Parse(c.Database.Type)
	return d
}

// DSN builds the driver connection string for the configured database
func (c *Config) DSN() string {
	if c.Database.DSN != "" {
		return c.Database.DSN
	}
	switch c.Dialect() {
	case dialect.Postgres:
		return fmt.Sprintf(
			"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
			c.Database.Host, c.Database.Port, c.Database.Username,
			c.Database.Password, c.Database.Database,
		)
	case dialect.MySQL:
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%s)/%s?parseTime=true&multiStatements=false",
			c.Database.Username, c.Database.Password,
			c.Database.Host, c.Database.Port, c.Database.Database,
		)
	case dialect.SQLite:
		return c.Database.Database
	}
	return ""
}

// LockTimeout returns the lock acquisition timeout as a duration
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.Lock.TimeoutMs) * time.Millisecond
}

// RowlockTTL returns the table-row lock expiry as a duration
func (c *Config) RowlockTTL() time.Duration {
	return time.Duration(c.Lock.RowlockTTLSec) * time.Second
}

// getEnvOrDefault gets an environment variable or returns the default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable or returns the default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func defaultPort(dbType string) string {
	switch dbType {
	case "mysql", "mariadb":
		return "3306"
	default:
		return "5432"
	}
}

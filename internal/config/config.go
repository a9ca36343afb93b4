package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	defaultAccessSecret  = "change-me"
	defaultRefreshSecret = "change-me-too"
	minBcryptCost        = 12
)

type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	Environment string `env:"ENV"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	DBAdapter     string `env:"DB_ADAPTER" envDefault:"postgres"`
	SQLiteFile    string `env:"SQLITE_FILE" envDefault:"./data/nile_go.db"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"./migrations"`

	// PostgreSQL connection settings
	PostgresDSN      string `env:"POSTGRES_DSN"`
	PostgresHost     string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort     string `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser     string `env:"POSTGRES_USER" envDefault:"nile"`
	PostgresPassword string `env:"POSTGRES_PASSWORD" envDefault:"nilepass"`
	PostgresDB       string `env:"POSTGRES_DB" envDefault:"nileauth"`
	PostgresSSLMode  string `env:"POSTGRES_SSLMODE" envDefault:"disable"`

	// Redis connection settings
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisPrefix   string `env:"REDIS_PREFIX" envDefault:"nileauth"`

	JwtSecret     string        `env:"JWT_SECRET" envDefault:"change-me"`
	RefreshSecret string        `env:"REFRESH_TOKEN_SECRET" envDefault:"change-me-too"`
	AccessTTL     time.Duration `env:"JWT_EXPIRES" envDefault:"15m"`
	RefreshTTL    time.Duration `env:"REFRESH_TOKEN_EXPIRES" envDefault:"168h"`
	BcryptCost    int           `env:"BCRYPT_COST" envDefault:"12"`
}

// IsProduction reports whether the service runs in production mode, which
// turns on Secure cookies and hides internal error detail.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// BuildPostgresDSN constructs a PostgreSQL DSN from individual components or returns the provided DSN
func (c *Config) BuildPostgresDSN() (string, error) {
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}

	if c.PostgresHost == "" {
		return "", errors.New("POSTGRES_HOST or POSTGRES_DSN must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	port := c.PostgresPort
	if port == "" {
		port = "5432"
	}
	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)
	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}
	return dsn, nil
}

// New reads an optional .env file and then the process environment.
func New() (*Config, error) {
	// the .env file is optional
	_ = godotenv.Load()

	c := &Config{}
	if err := env.Parse(c); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if c.Environment == "" {
		c.Environment = os.Getenv("NODE_ENV")
	}
	c.Environment = normalizeEnvironment(c.Environment)

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func normalizeEnvironment(e string) string {
	switch strings.ToLower(strings.TrimSpace(e)) {
	case "production", "prod":
		return "production"
	case "test":
		return "test"
	default:
		return "development"
	}
}

func (c *Config) validate() error {
	switch c.DBAdapter {
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	case "sqlite":
		if c.SQLiteFile == "" {
			return errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
		}
	case "redis":
		if c.RedisAddr == "" {
			return errors.New("REDIS_ADDR must be set when DB_ADAPTER=redis")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, redis, memory)", c.DBAdapter)
	}

	if c.JwtSecret == "" || c.RefreshSecret == "" {
		return errors.New("JWT_SECRET and REFRESH_TOKEN_SECRET must be set")
	}
	if c.JwtSecret == c.RefreshSecret {
		return errors.New("JWT_SECRET and REFRESH_TOKEN_SECRET must differ")
	}
	if c.IsProduction() && (c.JwtSecret == defaultAccessSecret || c.RefreshSecret == defaultRefreshSecret) {
		return errors.New("JWT_SECRET and REFRESH_TOKEN_SECRET must be set in production")
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 {
		return errors.New("token lifetimes must be positive")
	}
	if c.AccessTTL >= c.RefreshTTL {
		return errors.New("JWT_EXPIRES must be shorter than REFRESH_TOKEN_EXPIRES")
	}
	if c.BcryptCost < minBcryptCost {
		return fmt.Errorf("BCRYPT_COST must be at least %d", minBcryptCost)
	}

	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("invalid PORT: %s", c.Port)
	}
	return nil
}

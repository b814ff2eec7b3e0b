package config

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"

	"filerelay/pkg/db"
)

// Config holds runtime configuration for the relay service.
type Config struct {
	Addr    string `env:"RELAY_ADDR,default=:8080"`
	BaseURL string `env:"RELAY_BASE_URL"`

	DBDSN            string        `env:"DB_DSN"`
	DBHost           string        `env:"DB_HOST,default=localhost"`
	DBPort           int           `env:"DB_PORT,default=5432"`
	DBMaxConns       int32         `env:"DB_MAX_CONNS,default=32"`
	DBMinConns       int32         `env:"DB_MIN_CONNS,default=8"`
	DBAcquireTimeout time.Duration `env:"DB_ACQUIRE_TIMEOUT,default=15s"`

	IdleTimeout        time.Duration `env:"DOWNLOAD_IDLE_TIMEOUT,default=2m"`
	NATSURL            string        `env:"NATS_URL"`
	AllowedOrigins     []string      `env:"CORS_ALLOWED_ORIGINS"`
	RateLimitPerMinute int           `env:"RATE_LIMIT_PER_MINUTE,default=0"`

	LogFormat    string `env:"LOG_FORMAT,default=console"`
	LogLevel     string `env:"LOG_LEVEL,default=info"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return Config{}, err
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	if strings.TrimSpace(c.DBDSN) == "" {
		c.DBDSN = DefaultDSN(c.DBHost, c.DBPort)
	}
	if c.DBPort <= 0 || c.DBPort > 65535 {
		return fmt.Errorf("invalid DB_PORT: %d", c.DBPort)
	}
	if c.DBMaxConns <= 0 {
		return fmt.Errorf("DB_MAX_CONNS must be positive, got %d", c.DBMaxConns)
	}
	if c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS must be between 0 and DB_MAX_CONNS, got %d", c.DBMinConns)
	}
	if c.IdleTimeout <= 0 {
		return errors.New("DOWNLOAD_IDLE_TIMEOUT must be positive")
	}
	if c.RateLimitPerMinute < 0 {
		return errors.New("RATE_LIMIT_PER_MINUTE must not be negative")
	}

	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = baseURLFromAddr(c.Addr)
	}
	parsed, err := url.Parse(c.BaseURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("invalid RELAY_BASE_URL: %q", c.BaseURL)
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")

	origins := c.AllowedOrigins[:0]
	for _, o := range c.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.AllowedOrigins = origins
	return nil
}

// Pool returns the database pool settings.
func (c Config) Pool() db.PoolConfig {
	return db.PoolConfig{
		MaxConns:       c.DBMaxConns,
		MinConns:       c.DBMinConns,
		AcquireTimeout: c.DBAcquireTimeout,
	}
}

// DefaultDSN is the connection string used when DB_DSN is not set.
func DefaultDSN(host string, port int) string {
	if strings.TrimSpace(host) == "" {
		host = "localhost"
	}
	return fmt.Sprintf("postgres://postgres@%s/postgres", net.JoinHostPort(host, fmt.Sprint(port)))
}

func baseURLFromAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

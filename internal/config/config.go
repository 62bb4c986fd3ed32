package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// HTTPSection configures the REST surface.
type HTTPSection struct {
	Addr string `yaml:"addr"`
	// MaxUploadBytes bounds the accepted image size.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
	// ShutdownTimeout uses Go duration format ("15s").
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// GRPCSection configures the gRPC surface. An empty Addr disables it.
type GRPCSection struct {
	Addr string `yaml:"addr"`
}

// ScorerSection configures where images are scored.
type ScorerSection struct {
	// PoolSize is the number of native NFIQ2 contexts kept open.
	PoolSize int `yaml:"pool_size"`
	// PPI is the scan resolution assumed for every image.
	PPI int `yaml:"ppi"`
	// AcquireTimeout bounds the wait for a free context.
	AcquireTimeout string `yaml:"acquire_timeout"`
	// RemoteAddr delegates scoring to another instance over gRPC instead of
	// linking the native engine locally.
	RemoteAddr string `yaml:"remote_addr"`
}

// DatabaseSection configures Postgres.
type DatabaseSection struct {
	DSN             string `yaml:"dsn"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime"`
}

// RedisSection configures the result cache.
type RedisSection struct {
	Addr      string `yaml:"addr"`
	ResultTTL string `yaml:"result_ttl"`
}

// AuthSection configures bearer token validation.
type AuthSection struct {
	JWTSecret   string `yaml:"jwt_secret"`
	JWTAudience string `yaml:"jwt_audience"`
	JWTIssuer   string `yaml:"jwt_issuer"`
}

// LogSection configures the process logger.
type LogSection struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Config is the service configuration file.
type Config struct {
	Version int `yaml:"version,omitempty"`

	HTTP     HTTPSection     `yaml:"http"`
	GRPC     GRPCSection     `yaml:"grpc"`
	Scorer   ScorerSection   `yaml:"scorer"`
	Database DatabaseSection `yaml:"database"`
	Redis    RedisSection    `yaml:"redis"`
	Auth     AuthSection     `yaml:"auth"`
	Log      LogSection      `yaml:"log"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Version: 1,
		HTTP: HTTPSection{
			Addr:            ":8080",
			MaxUploadBytes:  10 << 20,
			ShutdownTimeout: "15s",
		},
		GRPC: GRPCSection{Addr: ":50051"},
		Scorer: ScorerSection{
			PoolSize:       4,
			PPI:            500,
			AcquireTimeout: "10s",
		},
		Database: DatabaseSection{
			DSN:             "host=postgres user=postgres password=postgres dbname=nfiq2 port=5432 sslmode=disable",
			MaxIdleConns:    5,
			MaxOpenConns:    10,
			ConnMaxLifetime: "1h",
		},
		Redis: RedisSection{
			Addr:      "redis:6379",
			ResultTTL: "24h",
		},
		Auth: AuthSection{JWTSecret: "dev-secret"},
		Log:  LogSection{Level: "info"},
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 - path comes from the operator
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("HTTP_ADDR", &c.HTTP.Addr)
	str("GRPC_ADDR", &c.GRPC.Addr)
	str("SCORER_REMOTE_ADDR", &c.Scorer.RemoteAddr)
	str("DATABASE_DSN", &c.Database.DSN)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("JWT_SECRET", &c.Auth.JWTSecret)
	str("JWT_AUDIENCE", &c.Auth.JWTAudience)
	str("JWT_ISSUER", &c.Auth.JWTIssuer)
	str("LOG_LEVEL", &c.Log.Level)

	if v, ok := lookup("SCORER_POOL_SIZE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SCORER_POOL_SIZE: %w", err)
		}
		c.Scorer.PoolSize = n
	}
	return nil
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.HTTP.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("http.max_upload_bytes must be positive"))
	}
	if c.Scorer.RemoteAddr == "" && c.Scorer.PoolSize <= 0 {
		errs = append(errs, errors.New("scorer.pool_size must be positive"))
	}
	if c.Scorer.PPI <= 0 || c.Scorer.PPI > 65535 {
		errs = append(errs, fmt.Errorf("scorer.ppi %d out of range", c.Scorer.PPI))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	for field, value := range map[string]string{
		"http.shutdown_timeout":      c.HTTP.ShutdownTimeout,
		"scorer.acquire_timeout":     c.Scorer.AcquireTimeout,
		"database.conn_max_lifetime": c.Database.ConnMaxLifetime,
		"redis.result_ttl":           c.Redis.ResultTTL,
	} {
		if _, err := parseDuration(value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
	}
	return errors.Join(errs...)
}

func (s HTTPSection) ShutdownTimeoutDuration() time.Duration {
	return mustDuration(s.ShutdownTimeout, 15*time.Second)
}

func (s ScorerSection) AcquireTimeoutDuration() time.Duration {
	return mustDuration(s.AcquireTimeout, 10*time.Second)
}

func (s DatabaseSection) ConnMaxLifetimeDuration() time.Duration {
	return mustDuration(s.ConnMaxLifetime, time.Hour)
}

func (s RedisSection) ResultTTLDuration() time.Duration {
	return mustDuration(s.ResultTTL, 24*time.Hour)
}

func parseDuration(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", v)
	}
	return d, nil
}

// mustDuration returns def for empty or invalid values; Validate reports
// the invalid ones.
func mustDuration(v string, def time.Duration) time.Duration {
	d, err := parseDuration(v)
	if err != nil || d == 0 {
		return def
	}
	return d
}

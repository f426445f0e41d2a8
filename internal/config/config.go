package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PathEnv names the environment variable pointing at an optional YAML file.
const PathEnv = "FACESWAP_CONFIG"

// Blob store backends.
const (
	BackendPostgres = "postgres"
	BackendMinIO    = "minio"
	BackendMemory   = "memory"
)

// Config is the full service configuration. Values are resolved in order:
// defaults, YAML file, environment.
type Config struct {
	LogLevel        string         `yaml:"log_level"`
	HTTP            HTTPConfig     `yaml:"http"`
	GRPCHealthAddr  string         `yaml:"grpc_health_addr"`
	Database        DatabaseConfig `yaml:"database"`
	Redis           RedisConfig    `yaml:"redis"`
	Blob            BlobConfig     `yaml:"blob"`
	Provider        ProviderConfig `yaml:"provider"`
	Auth            AuthConfig     `yaml:"auth"`
	TargetImagesDir string         `yaml:"target_images_dir"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxUploadSize   int64         `yaml:"max_upload_size"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	PingTimeout     time.Duration `yaml:"ping_timeout"`
}

// RedisConfig configures the result cache. An empty Addr disables caching.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type BlobConfig struct {
	Backend string      `yaml:"backend"`
	MinIO   MinIOConfig `yaml:"minio"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
}

// ProviderConfig describes how to reach the external face-swap provider.
type ProviderConfig struct {
	BaseURL       string        `yaml:"base_url"`
	Strategy      string        `yaml:"strategy"`
	Encoding      string        `yaml:"encoding"`
	Endpoint      string        `yaml:"endpoint"`
	SourceField   string        `yaml:"source_field"`
	TargetField   string        `yaml:"target_field"`
	MaxAttempts   int           `yaml:"max_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	RetryBackoff  float64       `yaml:"retry_backoff"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`
	Deadline      time.Duration `yaml:"deadline"`
}

// AuthConfig enables bearer-token checks when JWTSecret is set.
type AuthConfig struct {
	JWTSecret   string `yaml:"jwt_secret"`
	JWTAudience string `yaml:"jwt_audience"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		LogLevel: "info",
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 330 * time.Second,
			MaxUploadSize:   10 << 20,
		},
		Database: DatabaseConfig{
			DSN:             "host=postgres user=postgres password=postgres dbname=faceswap port=5432 sslmode=disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
			PingTimeout:     5 * time.Second,
		},
		Redis: RedisConfig{
			CacheTTL: 10 * time.Minute,
		},
		Blob: BlobConfig{
			Backend: BackendPostgres,
			MinIO: MinIOConfig{
				Endpoint: "localhost:9000",
				Region:   "us-east-1",
				Bucket:   "faceswap",
			},
		},
		Provider: ProviderConfig{
			BaseURL:       "https://logicgoinfotechspaces-faceswap.hf.space",
			Strategy:      "multipart",
			Encoding:      "base64",
			MaxAttempts:   3,
			RetryDelay:    10 * time.Second,
			RetryBackoff:  1,
			MaxRetryDelay: time.Minute,
			Deadline:      300 * time.Second,
		},
		TargetImagesDir: "Target_Images",
	}
}

// Load resolves the configuration from defaults, the optional file named by
// FACESWAP_CONFIG and the environment, then validates it.
func Load() (Config, error) {
	cfg := Default()
	if path := envString(PathEnv, ""); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var err error

	c.LogLevel = envString("LOG_LEVEL", c.LogLevel)
	c.HTTP.Addr = envString("HTTP_ADDR", c.HTTP.Addr)
	if c.HTTP.ShutdownTimeout, err = envDuration("SHUTDOWN_TIMEOUT", c.HTTP.ShutdownTimeout); err != nil {
		return err
	}
	maxUpload, err := envInt("MAX_UPLOAD_SIZE", int(c.HTTP.MaxUploadSize))
	if err != nil {
		return err
	}
	c.HTTP.MaxUploadSize = int64(maxUpload)
	c.GRPCHealthAddr = envString("GRPC_HEALTH_ADDR", c.GRPCHealthAddr)

	c.Database.DSN = envString("DATABASE_DSN", c.Database.DSN)
	if c.Database.MaxOpenConns, err = envInt("DATABASE_MAX_OPEN_CONNS", c.Database.MaxOpenConns); err != nil {
		return err
	}
	if c.Database.MaxIdleConns, err = envInt("DATABASE_MAX_IDLE_CONNS", c.Database.MaxIdleConns); err != nil {
		return err
	}

	c.Redis.Addr = envString("REDIS_ADDR", c.Redis.Addr)
	if c.Redis.CacheTTL, err = envDuration("RESULT_CACHE_TTL", c.Redis.CacheTTL); err != nil {
		return err
	}

	c.Blob.Backend = strings.ToLower(envString("BLOB_BACKEND", c.Blob.Backend))
	c.Blob.MinIO.Endpoint = envString("MINIO_ENDPOINT", c.Blob.MinIO.Endpoint)
	c.Blob.MinIO.AccessKey = envString("MINIO_ACCESS_KEY", c.Blob.MinIO.AccessKey)
	c.Blob.MinIO.SecretKey = envString("MINIO_SECRET_KEY", c.Blob.MinIO.SecretKey)
	c.Blob.MinIO.Region = envString("MINIO_REGION", c.Blob.MinIO.Region)
	c.Blob.MinIO.Bucket = envString("MINIO_BUCKET", c.Blob.MinIO.Bucket)
	if c.Blob.MinIO.UseSSL, err = envBool("MINIO_USE_SSL", c.Blob.MinIO.UseSSL); err != nil {
		return err
	}

	c.Provider.BaseURL = envString("PROVIDER_BASE_URL", c.Provider.BaseURL)
	c.Provider.Strategy = strings.ToLower(envString("PROVIDER_STRATEGY", c.Provider.Strategy))
	c.Provider.Encoding = strings.ToLower(envString("PROVIDER_ENCODING", c.Provider.Encoding))
	c.Provider.Endpoint = envString("PROVIDER_ENDPOINT", c.Provider.Endpoint)
	if c.Provider.MaxAttempts, err = envInt("PROVIDER_MAX_ATTEMPTS", c.Provider.MaxAttempts); err != nil {
		return err
	}
	if c.Provider.RetryDelay, err = envDuration("PROVIDER_RETRY_DELAY", c.Provider.RetryDelay); err != nil {
		return err
	}
	if c.Provider.RetryBackoff, err = envFloat("PROVIDER_RETRY_BACKOFF", c.Provider.RetryBackoff); err != nil {
		return err
	}
	if c.Provider.MaxRetryDelay, err = envDuration("PROVIDER_MAX_RETRY_DELAY", c.Provider.MaxRetryDelay); err != nil {
		return err
	}
	if c.Provider.Deadline, err = envDuration("PROVIDER_DEADLINE", c.Provider.Deadline); err != nil {
		return err
	}

	c.Auth.JWTSecret = envString("JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.JWTAudience = envString("JWT_AUDIENCE", c.Auth.JWTAudience)
	c.TargetImagesDir = envString("TARGET_IMAGES_DIR", c.TargetImagesDir)
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		return errors.New("HTTP_ADDR is required")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return errors.New("SHUTDOWN_TIMEOUT must be positive")
	}
	if c.HTTP.MaxUploadSize <= 0 {
		return errors.New("MAX_UPLOAD_SIZE must be positive")
	}

	switch c.Blob.Backend {
	case BackendPostgres:
		if strings.TrimSpace(c.Database.DSN) == "" {
			return errors.New("DATABASE_DSN is required")
		}
	case BackendMinIO:
		if err := c.Blob.MinIO.Validate(); err != nil {
			return err
		}
		if strings.TrimSpace(c.Database.DSN) == "" {
			return errors.New("DATABASE_DSN is required")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("BLOB_BACKEND must be one of postgres, minio, memory: %q", c.Blob.Backend)
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return errors.New("DATABASE_MAX_IDLE_CONNS must be <= DATABASE_MAX_OPEN_CONNS")
	}

	p := c.Provider
	if strings.TrimSpace(p.BaseURL) == "" {
		return errors.New("PROVIDER_BASE_URL is required")
	}
	switch p.Strategy {
	case "multipart", "json":
	default:
		return fmt.Errorf("PROVIDER_STRATEGY must be multipart or json: %q", p.Strategy)
	}
	switch p.Encoding {
	case "base64", "hex":
	default:
		return fmt.Errorf("PROVIDER_ENCODING must be base64 or hex: %q", p.Encoding)
	}
	if p.MaxAttempts < 1 {
		return errors.New("PROVIDER_MAX_ATTEMPTS must be >= 1")
	}
	if p.RetryDelay < 0 {
		return errors.New("PROVIDER_RETRY_DELAY must be >= 0")
	}
	if p.RetryBackoff < 1 {
		return errors.New("PROVIDER_RETRY_BACKOFF must be >= 1")
	}
	if p.Deadline <= 0 {
		return errors.New("PROVIDER_DEADLINE must be positive")
	}
	// Accepted swaps finish under their own deadline; shutdown has to outlast it.
	if c.HTTP.ShutdownTimeout <= p.Deadline {
		return fmt.Errorf("SHUTDOWN_TIMEOUT (%s) must exceed PROVIDER_DEADLINE (%s)", c.HTTP.ShutdownTimeout, p.Deadline)
	}
	return nil
}

// Validate checks the object store settings.
func (m MinIOConfig) Validate() error {
	if strings.TrimSpace(m.Endpoint) == "" {
		return errors.New("MINIO_ENDPOINT is required")
	}
	if strings.Contains(m.Endpoint, "://") {
		return fmt.Errorf("MINIO_ENDPOINT must not include scheme: %q", m.Endpoint)
	}
	if strings.TrimSpace(m.AccessKey) == "" || strings.TrimSpace(m.SecretKey) == "" {
		return errors.New("MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required")
	}
	if strings.TrimSpace(m.Bucket) == "" {
		return errors.New("MINIO_BUCKET is required")
	}
	return nil
}

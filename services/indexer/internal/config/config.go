package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"synthgpt/internal/observability"
	"synthgpt/pkg/domain"
)

const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port          string `yaml:"port"`
	LogLevel      string `yaml:"logLevel"`
	LogsDir       string `yaml:"logsDir"`
	DatabaseURL   string `yaml:"databaseURL"`
	InternalToken string `yaml:"internalToken"`

	RedisAddr              string `yaml:"redisAddr"`
	RedisPassword          string `yaml:"redisPassword"`
	QueueName              string `yaml:"queueName"`
	QueueGroup             string `yaml:"queueGroup"`
	QueueConcurrency       int    `yaml:"queueConcurrency"`
	QueueMaxRetries        int    `yaml:"queueMaxRetries"`
	QueueRetryDelaySeconds int    `yaml:"queueRetryDelaySeconds"`
	BackfillConcurrency    int    `yaml:"backfillConcurrency"`

	EmbeddingProvider string `yaml:"embeddingProvider"`
	EmbeddingBaseURL  string `yaml:"embeddingBaseURL"`
	EmbeddingModel    string `yaml:"embeddingModel"`
	EmbeddingAPIKey   string `yaml:"embeddingAPIKey"`
	EmbeddingDim      int    `yaml:"embeddingDim"`
	EmbedTimeoutMs    int    `yaml:"embedTimeoutMs"`

	ObjectStorageDriver   string `yaml:"objectStorageDriver"`
	ObjectStorageEndpoint string `yaml:"objectStorageEndpoint"`
	ObjectStorageAccess   string `yaml:"objectStorageAccessKey"`
	ObjectStorageSecret   string `yaml:"objectStorageSecretKey"`
	ObjectStorageUseSSL   bool   `yaml:"objectStorageUseSSL"`
	ObjectStorageDir      string `yaml:"objectStorageDir"`
	PreviewBucket         string `yaml:"previewBucket"`

	Tracing observability.TracingConfig `yaml:"tracing"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	if envPath := filepath.Join(filepath.Dir(path), ".env"); fileExists(envPath) {
		if err := godotenv.Load(envPath); err != nil {
			return cfg, fmt.Errorf("load %s: %w", envPath, err)
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if v := os.Getenv("SYNTHGPT_INTERNAL_TOKEN"); v != "" {
		cfg.InternalToken = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("EMBEDDING_BASE_URL"); v != "" {
		cfg.EmbeddingBaseURL = v
	}
	if cfg.EmbeddingAPIKey == "" {
		cfg.EmbeddingAPIKey = os.Getenv("GEMINI_API_KEY")
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.ObjectStorageEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.ObjectStorageAccess = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.ObjectStorageSecret = v
	}
	if v := os.Getenv("INDEXER_QUEUE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueConcurrency = n
		}
	}
	if cfg.EmbeddingDim == 0 {
		cfg.EmbeddingDim = domain.EmbeddingDim
	}
	if cfg.QueueConcurrency == 0 {
		cfg.QueueConcurrency = 2
	}
	if cfg.PreviewBucket == "" {
		cfg.PreviewBucket = "previews"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "indexer"
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.InternalToken == "" {
		return errors.New("config: internalToken is required (set in config.yaml or SYNTHGPT_INTERNAL_TOKEN)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.EmbeddingDim != domain.EmbeddingDim {
		return fmt.Errorf("config: embeddingDim must be %d", domain.EmbeddingDim)
	}
	if cfg.QueueConcurrency < 1 || cfg.QueueConcurrency > 64 {
		return errors.New("config: queueConcurrency must be between 1 and 64")
	}
	if cfg.QueueMaxRetries < 0 || cfg.QueueRetryDelaySeconds < 0 || cfg.BackfillConcurrency < 0 {
		return errors.New("config: queue retry and backfill settings must not be negative")
	}
	switch cfg.ObjectStorageDriver {
	case "", "none", "file", "local", "minio", "s3":
	default:
		return fmt.Errorf("config: unknown objectStorageDriver %q", cfg.ObjectStorageDriver)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

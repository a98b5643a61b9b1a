package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"synthgpt/internal/observability"
	"synthgpt/pkg/domain"
)

// ConfigPath is the default config file, relative to the working directory.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`
	LogsDir  string `yaml:"logsDir"`

	DatabaseURL  string `yaml:"databaseURL"`
	HNSWEfSearch int    `yaml:"hnswEfSearch"`

	EmbeddingProvider string `yaml:"embeddingProvider"`
	EmbeddingBaseURL  string `yaml:"embeddingBaseURL"`
	EmbeddingModel    string `yaml:"embeddingModel"`
	EmbeddingAPIKey   string `yaml:"embeddingAPIKey"`
	EmbeddingDim      int    `yaml:"embeddingDim"`

	EmbedTimeoutMs int `yaml:"embedTimeoutMs"`
	StoreTimeoutMs int `yaml:"storeTimeoutMs"`
	DefaultLimit   int `yaml:"defaultLimit"`
	MaxLimit       int `yaml:"maxLimit"`
	MaxPromptRunes int `yaml:"maxPromptRunes"`

	RedisAddr            string `yaml:"redisAddr"`
	RedisPassword        string `yaml:"redisPassword"`
	EmbedCacheEnabled    bool   `yaml:"embedCacheEnabled"`
	EmbedCacheTTLSeconds int    `yaml:"embedCacheTTLSeconds"`
	RateLimitPerMinute   int    `yaml:"rateLimitPerMinute"`

	TrustedProxies []string `yaml:"trustedProxies"`
	CORSOrigins    []string `yaml:"corsOrigins"`

	ObjectStorageDriver   string `yaml:"objectStorageDriver"`
	ObjectStorageEndpoint string `yaml:"objectStorageEndpoint"`
	ObjectStorageAccess   string `yaml:"objectStorageAccessKey"`
	ObjectStorageSecret   string `yaml:"objectStorageSecretKey"`
	ObjectStorageUseSSL   bool   `yaml:"objectStorageUseSSL"`
	ObjectStorageDir      string `yaml:"objectStorageDir"`
	ObjectStoragePublic   string `yaml:"objectStoragePublicURL"`
	PreviewBucket         string `yaml:"previewBucket"`
	PreviewURLTTLSeconds  int    `yaml:"previewURLTTLSeconds"`

	Tracing observability.TracingConfig `yaml:"tracing"`
}

// Load reads config from path (defaults to config.yaml). A .env file next to
// the config is loaded first; variables already set in the process win.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return cfg, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOGS_DIR"); v != "" {
		cfg.LogsDir = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("EMBEDDING_PROVIDER"); v != "" {
		cfg.EmbeddingProvider = v
	}
	if v := os.Getenv("EMBEDDING_BASE_URL"); v != "" {
		cfg.EmbeddingBaseURL = v
	}
	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		cfg.EmbeddingModel = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.EmbeddingAPIKey = v
	}
	if v := os.Getenv("EMBEDDING_API_KEY"); v != "" {
		cfg.EmbeddingAPIKey = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
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
	if v := os.Getenv("HNSW_EF_SEARCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HNSWEfSearch = n
		}
	}
	if v := os.Getenv("RETRIEVAL_EMBED_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.EmbedTimeoutMs = n
		}
	}
	if v := os.Getenv("RETRIEVAL_STORE_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.StoreTimeoutMs = n
		}
	}
	if v := os.Getenv("RETRIEVAL_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimitPerMinute = n
		}
	}
	if v := os.Getenv("RETRIEVAL_EMBED_CACHE_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.EmbedCacheEnabled = enabled
		}
	}
	if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = splitList(v)
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.EmbeddingDim == 0 {
		cfg.EmbeddingDim = domain.EmbeddingDim
	}
	if cfg.EmbedTimeoutMs == 0 {
		cfg.EmbedTimeoutMs = 5000
	}
	if cfg.StoreTimeoutMs == 0 {
		cfg.StoreTimeoutMs = 5000
	}
	if cfg.DefaultLimit == 0 {
		cfg.DefaultLimit = 10
	}
	if cfg.MaxLimit == 0 {
		cfg.MaxLimit = 100
	}
	if cfg.MaxPromptRunes == 0 {
		cfg.MaxPromptRunes = 1000
	}
	if cfg.PreviewBucket == "" {
		cfg.PreviewBucket = "previews"
	}
	if cfg.PreviewURLTTLSeconds == 0 {
		cfg.PreviewURLTTLSeconds = 900
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "retrieval"
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or PORT)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.EmbeddingDim != domain.EmbeddingDim {
		return fmt.Errorf("config: embeddingDim must be %d to match the presets.embedding column", domain.EmbeddingDim)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.EmbeddingProvider)) {
	case "", "clap":
	case "ollama":
		if cfg.EmbeddingModel == "" {
			return errors.New("config: embeddingModel is required for the ollama provider")
		}
	case "gemini":
		if cfg.EmbeddingModel == "" {
			return errors.New("config: embeddingModel is required for the gemini provider")
		}
		if cfg.EmbeddingAPIKey == "" {
			return errors.New("config: embeddingAPIKey is required for gemini (or GEMINI_API_KEY)")
		}
	default:
		return fmt.Errorf("config: unknown embeddingProvider %q", cfg.EmbeddingProvider)
	}
	if cfg.EmbedTimeoutMs < 0 || cfg.StoreTimeoutMs < 0 {
		return errors.New("config: embedTimeoutMs and storeTimeoutMs must be positive")
	}
	if cfg.MaxLimit < 1 || cfg.MaxLimit > 1000 {
		return errors.New("config: maxLimit must be between 1 and 1000")
	}
	if cfg.DefaultLimit < 1 || cfg.DefaultLimit > cfg.MaxLimit {
		return errors.New("config: defaultLimit must be between 1 and maxLimit")
	}
	if cfg.MaxPromptRunes < 1 {
		return errors.New("config: maxPromptRunes must be positive")
	}
	if cfg.HNSWEfSearch < 0 || cfg.HNSWEfSearch > 1000 {
		return errors.New("config: hnswEfSearch must be between 0 and 1000")
	}
	if cfg.RateLimitPerMinute < 0 {
		return errors.New("config: rateLimitPerMinute must not be negative")
	}
	if (cfg.RateLimitPerMinute > 0 || cfg.EmbedCacheEnabled) && cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required when rate limiting or the embed cache is enabled")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.ObjectStorageDriver)) {
	case "", "none":
	case "minio", "s3":
		if cfg.ObjectStorageEndpoint == "" {
			return errors.New("config: objectStorageEndpoint is required for the minio driver")
		}
	case "file", "local":
		if cfg.ObjectStorageDir == "" {
			return errors.New("config: objectStorageDir is required for the file driver")
		}
	default:
		return fmt.Errorf("config: unknown objectStorageDriver %q", cfg.ObjectStorageDriver)
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

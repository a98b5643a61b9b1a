package storage

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Config selects and configures an ObjectStore backend for one bucket.
type Config struct {
	Driver    string // "minio" (default) or "file"
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	// file driver only
	BaseDir   string
	PublicURL string
}

// Open builds the configured backend.
func Open(cfg Config) (ObjectStore, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "minio", "s3":
		if strings.TrimSpace(cfg.Endpoint) == "" {
			return nil, fmt.Errorf("object storage endpoint required")
		}
		return NewMinioStore(cfg.Endpoint, cfg.AccessKey, cfg.SecretKey, cfg.Bucket, cfg.UseSSL)
	case "file", "local":
		if strings.TrimSpace(cfg.BaseDir) == "" {
			return nil, fmt.Errorf("object storage baseDir required for file driver")
		}
		return NewFileStore(filepath.Join(cfg.BaseDir, cfg.Bucket), cfg.PublicURL)
	default:
		return nil, fmt.Errorf("unknown object storage driver %q", cfg.Driver)
	}
}

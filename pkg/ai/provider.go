package ai

import (
	"fmt"
	"strings"
)

// ProviderConfig selects and configures an embedding provider.
type ProviderConfig struct {
	Provider     string
	BaseURL      string
	Model        string
	APIKey       string
	EmbeddingDim int
}

// NewProvider builds the raw provider embedder named by cfg.Provider.
// Callers wrap it in a PromptEmbedder to enforce dimension and unit length.
func NewProvider(cfg ProviderConfig) (Embedder, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "clap"
	}
	if cfg.EmbeddingDim <= 0 {
		return nil, fmt.Errorf("embedding dim required")
	}
	switch provider {
	case "clap":
		return NewClapClient(cfg.BaseURL, cfg.Model), nil
	case "ollama":
		if strings.TrimSpace(cfg.Model) == "" {
			return nil, fmt.Errorf("embedding model required for ollama")
		}
		return NewOllamaEmbedder(NewOllamaClient(cfg.BaseURL), cfg.Model, cfg.EmbeddingDim), nil
	case "gemini":
		if strings.TrimSpace(cfg.Model) == "" {
			return nil, fmt.Errorf("embedding model required for gemini")
		}
		client, err := NewGeminiClient(cfg.APIKey)
		if err != nil {
			return nil, err
		}
		return NewGeminiEmbedder(client, cfg.Model, cfg.EmbeddingDim), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", provider)
	}
}

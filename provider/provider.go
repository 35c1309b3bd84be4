package provider

import (
	"errors"
	"fmt"

	"github.com/agrichat/knowledge/config"
	"github.com/agrichat/knowledge/internal/embedding"
	"github.com/agrichat/knowledge/provider/embedsvc"
	openai_provider "github.com/agrichat/knowledge/provider/openai"
)

// Client names a supported embedding backend
type Client string

const (
	EmbedService Client = "embedsvc"
	OpenAI       Client = "openai"
)

// NewEmbedder creates the embedding provider selected in configuration
func NewEmbedder(cfg config.EmbeddingConfig) (embedding.Provider, error) {
	switch Client(cfg.Provider) {
	case EmbedService:
		if cfg.BaseURL == "" {
			return nil, errors.New("embedding.base_url not set")
		}
		return embedsvc.NewClient(cfg.BaseURL, cfg.Timeout), nil
	case OpenAI:
		if cfg.APIKey == "" {
			return nil, errors.New("embedding.api_key not set")
		}
		baseURL := cfg.BaseURL
		if baseURL == "http://localhost:8000" {
			baseURL = ""
		}
		return openai_provider.NewOpenAIClient(cfg.APIKey, baseURL, cfg.Model, cfg.Dimensions, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q", cfg.Provider)
	}
}

// NewBatcherOptions maps embedding configuration onto batching options.
func NewBatcherOptions(cfg config.EmbeddingConfig) embedding.Options {
	return embedding.Options{
		BatchSize:      cfg.BatchSize,
		Dimensions:     cfg.Dimensions,
		MaxInputChars:  cfg.MaxInputChars,
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		RatePerSecond:  cfg.RatePerSecond,
		Burst:          cfg.Burst,
	}
}

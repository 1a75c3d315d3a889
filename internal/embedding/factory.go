package embedding

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Provider names accepted by New.
const (
	ProviderMock   = "mock"
	ProviderOpenAI = "openai"
	ProviderONNX   = "onnx"
)

// Options configures New.
type Options struct {
	Provider   string
	Model      string
	ModelPath  string
	BaseURL    string
	APIKey     string
	Dimensions int
	MaxTokens  int
	CacheSize  int
	Timeout    time.Duration
}

// New builds the configured embedder wrapped in an LRU embedding cache.
func New(opts Options, logger *zap.Logger) (Embedder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		inner Embedder
		err   error
	)
	switch opts.Provider {
	case ProviderMock, "":
		inner = NewMockEmbedder(opts.Dimensions)
	case ProviderOpenAI:
		inner, err = NewHTTPEmbedder(HTTPEmbedderConfig{
			BaseURL:    opts.BaseURL,
			APIKey:     opts.APIKey,
			Model:      opts.Model,
			Dimensions: opts.Dimensions,
			Timeout:    opts.Timeout,
		}, logger)
	case ProviderONNX:
		inner, err = NewONNXEmbedder(opts.ModelPath, opts.Dimensions, opts.MaxTokens)
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s (supported: mock, openai, onnx)", opts.Provider)
	}
	if err != nil {
		return nil, err
	}
	logger.Info("embedding provider ready",
		zap.String("provider", opts.Provider),
		zap.Int("dimensions", inner.Dimensions()))
	if opts.CacheSize <= 0 {
		return inner, nil
	}
	return NewCachedEmbedder(inner, opts.CacheSize)
}

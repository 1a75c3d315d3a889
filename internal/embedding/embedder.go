// Package embedding provides text embedding providers and caching.
package embedding

import (
	"context"
	"errors"
)

var (
	// ErrNoProviderEnabled is returned when a remote provider has no credentials.
	ErrNoProviderEnabled = errors.New("no embedding provider enabled")
	// ErrEmptyInput is returned when asked to embed an empty batch.
	ErrEmptyInput = errors.New("empty embedding input")
)

// Embedder produces vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Close() error
}

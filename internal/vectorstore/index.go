// Package vectorstore provides the semantic index over pattern signals.
//
// Two backends implement Index: chromem-go embedded in the process (the
// default, optionally persisted to disk) and a remote Qdrant collection.
// Embeddings are always computed by the caller; the index never calls an
// embedding provider itself, so lookups stay free of hidden network calls.
package vectorstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/flowlearn/internal/config"
	"go.uber.org/zap"
)

var (
	// ErrEmptyEmbedding is returned when a document or query has no vector.
	ErrEmptyEmbedding = errors.New("empty embedding")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid vectorstore configuration")
)

// Embedder generates vector embeddings from text.
type Embedder interface {
	// EmbedDocuments embeds texts that will be stored.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery embeds a single lookup query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Document is one entry in the index.
type Document struct {
	ID        string
	Content   string
	Embedding []float32
	Metadata  map[string]string
}

// Hit is a search result.
type Hit struct {
	ID       string
	Score    float32 // cosine similarity, higher is closer
	Metadata map[string]string
}

// Index stores precomputed embeddings and answers nearest-neighbour queries.
type Index interface {
	// Upsert adds or replaces documents by ID.
	Upsert(ctx context.Context, docs []Document) error

	// Search returns up to k hits ordered by descending similarity.
	Search(ctx context.Context, embedding []float32, k int) ([]Hit, error)

	// Delete removes documents by ID. Unknown IDs are ignored.
	Delete(ctx context.Context, ids ...string) error

	// Close releases backend resources.
	Close() error
}

// New builds the index selected by cfg.Provider.
func New(ctx context.Context, cfg config.VectorStoreConfig, logger *zap.Logger) (Index, error) {
	switch cfg.Provider {
	case "chromem", "":
		return NewChromem(ChromemConfig{
			Path:       cfg.Path,
			Compress:   cfg.Compress,
			Collection: cfg.Collection,
		}, logger)
	case "qdrant":
		return NewQdrant(ctx, QdrantConfig{
			Host:       cfg.QdrantHost,
			Port:       cfg.QdrantPort,
			UseTLS:     cfg.QdrantTLS,
			Collection: cfg.Collection,
			VectorSize: cfg.VectorSize,
		}, logger)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

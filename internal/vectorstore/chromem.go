package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("flowlearn.vectorstore.chromem")

// ChromemConfig configures the embedded index.
type ChromemConfig struct {
	// Path is the persistence directory; empty keeps the index in memory.
	Path       string
	Compress   bool
	Collection string
}

// Chromem is an Index backed by chromem-go.
type Chromem struct {
	db         *chromem.DB
	collection *chromem.Collection
	logger     *zap.Logger
}

// errNoEmbedder guards chromem's fallback to a hosted embedding API; every
// document and query arrives with its vector already computed.
var errNoEmbedder = errors.New("chromem: embeddings must be precomputed")

func precomputedOnly(context.Context, string) ([]float32, error) {
	return nil, errNoEmbedder
}

// NewChromem opens (or creates) the index.
func NewChromem(cfg ChromemConfig, logger *zap.Logger) (*Chromem, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("%w: collection name is required", ErrInvalidConfig)
	}

	var (
		db  *chromem.DB
		err error
	)
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		path, perr := expandPath(cfg.Path)
		if perr != nil {
			return nil, perr
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, fmt.Errorf("creating chromem directory: %w", err)
		}
		db, err = chromem.NewPersistentDB(path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("opening chromem database at %s: %w", path, err)
		}
	}

	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, precomputedOnly)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", cfg.Collection, err)
	}

	logger.Info("chromem index ready",
		zap.String("collection", cfg.Collection),
		zap.Bool("persistent", cfg.Path != ""),
		zap.Int("documents", collection.Count()),
	)
	return &Chromem{db: db, collection: collection, logger: logger}, nil
}

// Upsert implements Index.
func (c *Chromem) Upsert(ctx context.Context, docs []Document) error {
	ctx, span := chromemTracer.Start(ctx, "Chromem.Upsert")
	defer span.End()
	span.SetAttributes(attribute.Int("documents", len(docs)))

	if len(docs) == 0 {
		return nil
	}
	chromemDocs := make([]chromem.Document, len(docs))
	for i, d := range docs {
		if len(d.Embedding) == 0 {
			return fmt.Errorf("document %s: %w", d.ID, ErrEmptyEmbedding)
		}
		chromemDocs[i] = chromem.Document{
			ID:        d.ID,
			Content:   d.Content,
			Metadata:  d.Metadata,
			Embedding: d.Embedding,
		}
	}
	if err := c.collection.AddDocuments(ctx, chromemDocs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding documents: %w", err)
	}
	return nil
}

// Search implements Index.
func (c *Chromem) Search(ctx context.Context, embedding []float32, k int) ([]Hit, error) {
	ctx, span := chromemTracer.Start(ctx, "Chromem.Search")
	defer span.End()

	if len(embedding) == 0 {
		return nil, ErrEmptyEmbedding
	}
	// chromem requires nResults <= document count
	count := c.collection.Count()
	if count == 0 || k <= 0 {
		return []Hit{}, nil
	}
	if k > count {
		k = count
	}

	results, err := c.collection.QueryEmbedding(ctx, embedding, k, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection: %w", err)
	}

	hits := make([]Hit, len(results))
	for i, r := range results {
		hits[i] = Hit{ID: r.ID, Score: r.Similarity, Metadata: r.Metadata}
	}
	span.SetAttributes(attribute.Int("results_count", len(hits)))
	return hits, nil
}

// Delete implements Index.
func (c *Chromem) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.collection.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("deleting documents: %w", err)
	}
	return nil
}

// Count returns the number of indexed documents.
func (c *Chromem) Count() int {
	return c.collection.Count()
}

// Close implements Index. chromem persists on every write, so there is
// nothing to flush.
func (c *Chromem) Close() error {
	return nil
}

func expandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, path[2:]), nil
}

package vectorstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var qdrantTracer = otel.Tracer("flowlearn.vectorstore.qdrant")

// payloadID carries the caller's document ID; Qdrant point IDs must be
// UUIDs or integers.
const payloadID = "doc_id"

// QdrantConfig configures the remote index.
type QdrantConfig struct {
	Host       string
	Port       int
	UseTLS     bool
	Collection string
	VectorSize int
}

// Validate checks the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: qdrant host is required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid qdrant port %d", ErrInvalidConfig, c.Port)
	}
	if c.Collection == "" {
		return fmt.Errorf("%w: collection name is required", ErrInvalidConfig)
	}
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	return nil
}

// Qdrant is an Index backed by a Qdrant collection over gRPC.
type Qdrant struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger
}

// NewQdrant connects and ensures the collection exists.
func NewQdrant(ctx context.Context, cfg QdrantConfig, logger *zap.Logger) (*Qdrant, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant: %w", err)
	}

	q := &Qdrant{client: client, config: cfg, logger: logger}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := q.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return q, nil
}

func (q *Qdrant) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.config.Collection)
	if err != nil {
		return fmt.Errorf("checking collection %s: %w", q.config.Collection, err)
	}
	if exists {
		return nil
	}
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.config.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.config.VectorSize),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", q.config.Collection, err)
	}
	q.logger.Info("created qdrant collection", zap.String("collection", q.config.Collection))
	return nil
}

// pointID maps a document ID onto a stable UUID point ID.
func pointID(docID string) *qdrant.PointId {
	if _, err := uuid.Parse(docID); err == nil {
		return qdrant.NewIDUUID(docID)
	}
	return qdrant.NewIDUUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(docID)).String())
}

// Upsert implements Index.
func (q *Qdrant) Upsert(ctx context.Context, docs []Document) error {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.Upsert")
	defer span.End()
	span.SetAttributes(attribute.Int("documents", len(docs)))

	if len(docs) == 0 {
		return nil
	}
	points := make([]*qdrant.PointStruct, len(docs))
	for i, d := range docs {
		if len(d.Embedding) == 0 {
			return fmt.Errorf("document %s: %w", d.ID, ErrEmptyEmbedding)
		}
		payload := map[string]*qdrant.Value{
			payloadID: {Kind: &qdrant.Value_StringValue{StringValue: d.ID}},
			"content": {Kind: &qdrant.Value_StringValue{StringValue: d.Content}},
		}
		for k, v := range d.Metadata {
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: v}}
		}
		points[i] = &qdrant.PointStruct{
			Id:      pointID(d.ID),
			Vectors: qdrant.NewVectors(d.Embedding...),
			Payload: payload,
		}
	}

	if _, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.config.Collection,
		Points:         points,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting points: %w", err)
	}
	return nil
}

// Search implements Index.
func (q *Qdrant) Search(ctx context.Context, embedding []float32, k int) ([]Hit, error) {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.Search")
	defer span.End()

	if len(embedding) == 0 {
		return nil, ErrEmptyEmbedding
	}
	if k <= 0 {
		return []Hit{}, nil
	}

	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.config.Collection,
		Query:          qdrant.NewQuery(embedding...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", q.config.Collection, err)
	}

	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		h := Hit{Score: p.Score, Metadata: map[string]string{}}
		for key, v := range p.Payload {
			s, ok := v.Kind.(*qdrant.Value_StringValue)
			if !ok {
				continue
			}
			if key == payloadID {
				h.ID = s.StringValue
				continue
			}
			h.Metadata[key] = s.StringValue
		}
		if h.ID == "" {
			continue
		}
		hits = append(hits, h)
	}
	span.SetAttributes(attribute.Int("results_count", len(hits)))
	return hits, nil
}

// Delete implements Index.
func (q *Qdrant) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = pointID(id)
	}
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.config.Collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("deleting points: %w", err)
	}
	return nil
}

// Close implements Index.
func (q *Qdrant) Close() error {
	return q.client.Close()
}

package training

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fyrsmithlabs/flowlearn/internal/component"
	"github.com/fyrsmithlabs/flowlearn/internal/storage"
)

const instrumentationName = "github.com/fyrsmithlabs/flowlearn/internal/training"

// Store persists training examples.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
	tracer trace.Tracer
}

// NewStore creates a training example store over db.
func NewStore(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger, tracer: otel.Tracer(instrumentationName)}, nil
}

// WithTx returns a copy of the store bound to tx.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	cp := *s
	cp.db = tx
	return &cp
}

// Record inserts an example with unknown correctness and returns its ID.
func (s *Store) Record(ctx context.Context, in RecordInput) (string, error) {
	ctx, span := s.tracer.Start(ctx, "training.Record")
	defer span.End()

	in.Query = strings.TrimSpace(in.Query)
	switch {
	case in.Query == "":
		return "", fmt.Errorf("%w: query is required", ErrInvalidExample)
	case in.Confidence < 0 || in.Confidence > 1 || math.IsNaN(in.Confidence):
		return "", fmt.Errorf("%w: confidence must be within [0, 1]", ErrInvalidExample)
	}

	e := Example{
		Query:           in.Query,
		SourceMarkdown:  in.SourceMarkdown,
		Intent:          strings.TrimSpace(in.Intent),
		Components:      component.Refs(in.Components),
		Correctness:     CorrectnessUnknown,
		ConfidenceScore: in.Confidence,
		ModelVersion:    in.ModelVersion,
		PromptVersion:   in.PromptVersion,
		TrainingWeight:  DefaultWeight,
	}
	if in.JobID != "" {
		job := in.JobID
		e.JobID = &job
	}

	if err := s.db.WithContext(ctx).Create(&e).Error; err != nil {
		if storage.IsDuplicateKey(err) {
			return "", fmt.Errorf("%w: %s", ErrDuplicateJob, in.JobID)
		}
		span.SetStatus(codes.Error, "insert failed")
		return "", fmt.Errorf("recording example: %w", err)
	}
	span.SetAttributes(attribute.String("example_id", e.ID))
	return e.ID, nil
}

// Get returns an example by ID.
func (s *Store) Get(ctx context.Context, id string) (*Example, error) {
	return s.first(ctx, "id = ?", id)
}

// GetByJobID returns the example recorded for a generation job.
func (s *Store) GetByJobID(ctx context.Context, jobID string) (*Example, error) {
	return s.first(ctx, "job_id = ?", jobID)
}

func (s *Store) first(ctx context.Context, where string, arg string) (*Example, error) {
	var e Example
	err := s.db.WithContext(ctx).Where(where, arg).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrExampleNotFound, arg)
	}
	if err != nil {
		return nil, fmt.Errorf("loading example: %w", err)
	}
	return &e, nil
}

// Resolve settles correctness. It succeeds once per example; later calls
// fail with ErrAlreadyResolved and change nothing.
func (s *Store) Resolve(ctx context.Context, id string, r Resolution) error {
	ctx, span := s.tracer.Start(ctx, "training.Resolve", trace.WithAttributes(
		attribute.String("example_id", id),
		attribute.Bool("correct", r.Correct),
	))
	defer span.End()

	correctness := CorrectnessIncorrect
	if r.Correct {
		correctness = CorrectnessCorrect
	}
	now := time.Now().UTC()

	// Conditional on the unknown state so concurrent resolvers cannot both
	// succeed.
	res := s.db.WithContext(ctx).Model(&Example{}).
		Where("id = ? AND correctness = ?", id, CorrectnessUnknown).
		Updates(map[string]interface{}{
			"correctness": correctness,
			"missing":     component.Refs(r.Missing),
			"extra":       component.Refs(r.Extra),
			"corrections": storage.JSONMap(r.Corrections),
			"resolved_at": now,
		})
	if res.Error != nil {
		span.SetStatus(codes.Error, "update failed")
		return fmt.Errorf("resolving example: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
}

// Approve marks a correct example for few-shot use with the given weight.
// Approving again updates the weight.
func (s *Store) Approve(ctx context.Context, id string, weight float64) error {
	ctx, span := s.tracer.Start(ctx, "training.Approve", trace.WithAttributes(
		attribute.String("example_id", id),
		attribute.Float64("weight", weight),
	))
	defer span.End()

	if weight < 0 || math.IsNaN(weight) || math.IsInf(weight, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidWeight, weight)
	}

	res := s.db.WithContext(ctx).Model(&Example{}).
		Where("id = ? AND correctness = ?", id, CorrectnessCorrect).
		Updates(map[string]interface{}{
			"approved":        true,
			"training_weight": weight,
			"approved_at":     time.Now().UTC(),
		})
	if res.Error != nil {
		span.SetStatus(codes.Error, "update failed")
		return fmt.Errorf("approving example: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		s.logger.Debug("example approved", zap.String("example_id", id), zap.Float64("weight", weight))
		return nil
	}

	e, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: correctness is %s", ErrNotEligible, e.Correctness)
}

// SelectFewShot returns up to K approved, correct examples ordered by
// confidence*weight, most recent first on ties.
func (s *Store) SelectFewShot(ctx context.Context, req FewShotRequest) ([]Example, error) {
	ctx, span := s.tracer.Start(ctx, "training.SelectFewShot", trace.WithAttributes(
		attribute.String("query", component.Truncate(req.QueryText, 256)),
		attribute.Int("k", req.K),
		attribute.Bool("diverse", req.Diverse),
	))
	defer span.End()

	if req.K <= 0 {
		return nil, nil
	}

	q := s.db.WithContext(ctx).Model(&Example{}).
		Where("approved = ? AND correctness = ?", true, CorrectnessCorrect)
	if req.Intent != "" {
		q = q.Where("intent = ?", req.Intent)
	}
	q = q.Order("confidence_score * training_weight DESC").
		Order("created_at DESC").
		Order("id ASC")

	if !req.Diverse {
		var out []Example
		if err := q.Limit(req.K).Find(&out).Error; err != nil {
			return nil, fmt.Errorf("selecting examples: %w", err)
		}
		span.SetAttributes(attribute.Int("selected", len(out)))
		return out, nil
	}

	rows, err := q.Rows()
	if err != nil {
		return nil, fmt.Errorf("selecting examples: %w", err)
	}
	defer rows.Close()

	out := make([]Example, 0, req.K)
	seen := make(map[string]bool)
	for rows.Next() && len(out) < req.K {
		var e Example
		if err := s.db.ScanRows(rows, &e); err != nil {
			return nil, fmt.Errorf("scanning example: %w", err)
		}
		if e.Intent != "" {
			if seen[e.Intent] {
				continue
			}
			seen[e.Intent] = true
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating examples: %w", err)
	}
	span.SetAttributes(attribute.Int("selected", len(out)))
	return out, nil
}

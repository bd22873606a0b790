package feedback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fyrsmithlabs/flowlearn/internal/component"
	"github.com/fyrsmithlabs/flowlearn/internal/storage"
)

const instrumentationName = "github.com/fyrsmithlabs/flowlearn/internal/feedback"

// Scrubber removes secrets from free text before it is stored.
type Scrubber interface {
	Scrub(text string) (string, bool)
}

// Store persists feedback records and the anomaly log.
type Store struct {
	db       *gorm.DB
	logger   *zap.Logger
	scrubber Scrubber
	now      func() time.Time
	tracer   trace.Tracer
	metrics  *Metrics
}

// NewStore creates a feedback store. scrubber may be nil.
func NewStore(db *gorm.DB, scrubber Scrubber, logger *zap.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:       db,
		logger:   logger,
		scrubber: scrubber,
		now:      func() time.Time { return time.Now().UTC() },
		tracer:   otel.Tracer(instrumentationName),
		metrics:  NewMetrics(),
	}, nil
}

// WithTx returns a copy of the store bound to tx.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	cp := *s
	cp.db = tx
	return &cp
}

// Submit validates and stores a pending feedback record.
func (s *Store) Submit(ctx context.Context, in SubmitInput) (*Feedback, error) {
	ctx, span := s.tracer.Start(ctx, "feedback.Submit")
	defer span.End()

	applyDetail(&in)
	if err := validate(&in); err != nil {
		return nil, err
	}

	query := in.Query
	if s.scrubber != nil {
		if scrubbed, changed := s.scrubber.Scrub(query); changed {
			query = scrubbed
			s.metrics.ScrubbedTotal.Inc()
			s.logger.Info("secrets removed from feedback query", zap.String("job_id", in.JobID))
		}
	}

	f := Feedback{
		JobID:            in.JobID,
		Query:            query,
		Intent:           strings.TrimSpace(in.Intent),
		Identified:       component.Refs(in.Identified),
		Type:             in.Type,
		Missing:          component.Refs(in.Missing),
		Extra:            component.Refs(in.Extra),
		ExpectedSequence: storage.StringList(in.ExpectedOrder),
		Detail:           storage.JSONMap(in.Detail),
		Rating:           in.Rating,
		ImportSuccess:    in.ImportSuccess,
		Priority:         in.Priority,
		ModelVersion:     in.ModelVersion,
		PromptVersion:    in.PromptVersion,
		FlowName:         in.FlowName,
		Status:           StatusPending,
	}
	if len(in.Provenance) > 0 {
		f.Provenance = make(storage.JSONMap, len(in.Provenance))
		for typ, ids := range in.Provenance {
			f.Provenance[typ] = ids
		}
	}

	if err := s.db.WithContext(ctx).Create(&f).Error; err != nil {
		return nil, fmt.Errorf("storing feedback: %w", err)
	}
	s.metrics.SubmittedTotal.WithLabelValues(string(f.Type)).Inc()
	span.SetAttributes(attribute.String("feedback_id", f.ID), attribute.String("job_id", f.JobID))
	return &f, nil
}

func validate(in *SubmitInput) error {
	in.JobID = strings.TrimSpace(in.JobID)
	in.Query = strings.TrimSpace(in.Query)
	if in.Priority == "" {
		in.Priority = PriorityMedium
	}
	switch {
	case in.JobID == "":
		return fmt.Errorf("%w: job_id is required", ErrInvalidFeedback)
	case in.Query == "":
		return fmt.Errorf("%w: query is required", ErrInvalidFeedback)
	case !in.Type.IsValid():
		return fmt.Errorf("%w: unknown feedback_type %q", ErrInvalidFeedback, in.Type)
	case !in.Priority.IsValid():
		return fmt.Errorf("%w: unknown learning_priority %q", ErrInvalidFeedback, in.Priority)
	case in.Rating != nil && (*in.Rating < 1 || *in.Rating > 5):
		return fmt.Errorf("%w: rating must be within 1..5", ErrInvalidFeedback)
	case in.Type == TypeMissingComponents && len(in.Missing) == 0:
		return fmt.Errorf("%w: missing_components feedback lists no components", ErrInvalidFeedback)
	case in.Type == TypeExtraComponents && len(in.Extra) == 0:
		return fmt.Errorf("%w: extra_components feedback lists no components", ErrInvalidFeedback)
	}
	return nil
}

// Get returns a feedback record by ID.
func (s *Store) Get(ctx context.Context, id string) (*Feedback, error) {
	var f Feedback
	err := s.db.WithContext(ctx).First(&f, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrFeedbackNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading feedback: %w", err)
	}
	return &f, nil
}

// Claim moves a pending record to processing and returns the claim token
// with the record. It is a single conditional update, so of any number of
// concurrent callers exactly one succeeds. A processed record yields
// ErrAlreadyProcessed along with the record, for replay.
func (s *Store) Claim(ctx context.Context, id string) (string, *Feedback, error) {
	token := uuid.New().String()
	now := s.now()
	res := s.db.WithContext(ctx).Model(&Feedback{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]interface{}{
			"status":      StatusProcessing,
			"claim_token": token,
			"claimed_at":  now,
		})
	if res.Error != nil {
		return "", nil, fmt.Errorf("claiming feedback: %w", res.Error)
	}

	f, err := s.Get(ctx, id)
	if err != nil {
		return "", nil, err
	}
	if res.RowsAffected == 1 {
		return token, f, nil
	}
	if f.Status == StatusProcessed {
		return "", f, ErrAlreadyProcessed
	}
	return "", f, fmt.Errorf("%w: %s", ErrClaimed, id)
}

// Complete marks a claimed record processed and stores its result. It fails
// with ErrClaimLost unless the record is still held under token, so when run
// in the same transaction as the learning updates a lost claim rolls them
// back.
func (s *Store) Complete(ctx context.Context, id, token, result string) error {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&Feedback{}).
		Where("id = ? AND status = ? AND claim_token = ?", id, StatusProcessing, token).
		Updates(map[string]interface{}{
			"status":       StatusProcessed,
			"processed":    true,
			"processed_at": now,
			"result":       result,
		})
	if res.Error != nil {
		return fmt.Errorf("completing feedback: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrClaimLost, id)
	}
	return nil
}

// CompleteLocked marks an unprocessed record processed without a claim
// token. It serves the lock claim mode, where the caller holds the
// per-record lock instead of a claim.
func (s *Store) CompleteLocked(ctx context.Context, id, result string) error {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&Feedback{}).
		Where("id = ? AND status <> ?", id, StatusProcessed).
		Updates(map[string]interface{}{
			"status":       StatusProcessed,
			"processed":    true,
			"processed_at": now,
			"result":       result,
			"claim_token":  "",
		})
	if res.Error != nil {
		return fmt.Errorf("completing feedback: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyProcessed, id)
	}
	return nil
}

// Release returns a claimed record to pending so it can be retried.
func (s *Store) Release(ctx context.Context, id, token string) error {
	res := s.db.WithContext(ctx).Model(&Feedback{}).
		Where("id = ? AND status = ? AND claim_token = ?", id, StatusProcessing, token).
		Updates(map[string]interface{}{
			"status":      StatusPending,
			"claim_token": "",
			"claimed_at":  nil,
		})
	if res.Error != nil {
		return fmt.Errorf("releasing feedback: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrClaimLost, id)
	}
	return nil
}

// ListPending returns IDs of pending records created before olderThan,
// oldest first.
func (s *Store) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]string, error) {
	var ids []string
	q := s.db.WithContext(ctx).Model(&Feedback{}).
		Where("status = ? AND created_at < ?", StatusPending, olderThan).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("listing pending feedback: %w", err)
	}
	return ids, nil
}

// ReleaseStale returns records stuck in processing since before claimedBefore
// to pending. It returns the records whose stale claim had not been reported
// yet and marks them reported, so each is reported once.
func (s *Store) ReleaseStale(ctx context.Context, claimedBefore time.Time, limit int) ([]Feedback, error) {
	var stale []Feedback
	q := s.db.WithContext(ctx).
		Where("status = ? AND claimed_at < ?", StatusProcessing, claimedBefore).
		Order("claimed_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&stale).Error; err != nil {
		return nil, fmt.Errorf("listing stale claims: %w", err)
	}

	var unreported []Feedback
	for _, f := range stale {
		if err := s.Release(ctx, f.ID, f.ClaimToken); err != nil {
			if errors.Is(err, ErrClaimLost) {
				continue
			}
			return unreported, err
		}
		res := s.db.WithContext(ctx).Model(&Feedback{}).
			Where("id = ? AND stale_flagged = ?", f.ID, false).
			Update("stale_flagged", true)
		if res.Error != nil {
			return unreported, fmt.Errorf("flagging stale claim: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			unreported = append(unreported, f)
		}
	}
	return unreported, nil
}

// RecordAnomaly appends to the anomaly log.
func (s *Store) RecordAnomaly(ctx context.Context, a Anomaly) error {
	if a.Kind == "" || a.Message == "" {
		return errors.New("anomaly kind and message are required")
	}
	if err := s.db.WithContext(ctx).Create(&a).Error; err != nil {
		return fmt.Errorf("recording anomaly: %w", err)
	}
	s.metrics.AnomaliesTotal.WithLabelValues(a.Kind).Inc()
	s.logger.Warn("ingestion anomaly",
		zap.String("feedback_id", a.FeedbackID),
		zap.String("kind", a.Kind),
		zap.String("component", a.Component),
		zap.String("message", a.Message),
	)
	return nil
}

// ListAnomalies returns anomalies matching f, newest first.
func (s *Store) ListAnomalies(ctx context.Context, f AnomalyFilter) ([]Anomaly, error) {
	q := s.db.WithContext(ctx).Model(&Anomaly{})
	if f.Resolved != nil {
		q = q.Where("resolved = ?", *f.Resolved)
	}
	if f.FeedbackID != "" {
		q = q.Where("feedback_id = ?", f.FeedbackID)
	}
	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []Anomaly
	if err := q.Order("created_at DESC").Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("listing anomalies: %w", err)
	}
	return out, nil
}

// ResolveAnomaly marks an anomaly reviewed. Resolving twice keeps the first
// note.
func (s *Store) ResolveAnomaly(ctx context.Context, id, note string) error {
	res := s.db.WithContext(ctx).Model(&Anomaly{}).
		Where("id = ? AND resolved = ?", id, false).
		Updates(map[string]interface{}{
			"resolved":        true,
			"resolved_at":     s.now(),
			"resolution_note": note,
		})
	if res.Error != nil {
		return fmt.Errorf("resolving anomaly: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&Anomaly{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return fmt.Errorf("resolving anomaly: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrAnomalyNotFound, id)
	}
	return nil
}

package prompts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fyrsmithlabs/flowlearn/internal/storage"
)

const instrumentationName = "github.com/fyrsmithlabs/flowlearn/internal/prompts"

// Registry persists prompt versions.
type Registry struct {
	db     *gorm.DB
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewRegistry creates a registry over db.
func NewRegistry(db *gorm.DB, logger *zap.Logger) (*Registry, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		db:     db,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithTx returns a copy of the registry bound to tx.
func (r *Registry) WithTx(tx *gorm.DB) *Registry {
	cp := *r
	cp.db = tx
	return &cp
}

// Create stores a new version in draft.
func (r *Registry) Create(ctx context.Context, in CreateInput) (*Version, error) {
	in.Version = strings.TrimSpace(in.Version)
	switch {
	case in.Version == "":
		return nil, fmt.Errorf("%w: version is required", ErrInvalidVersion)
	case len(in.Version) > 64:
		return nil, fmt.Errorf("%w: version label longer than 64", ErrInvalidVersion)
	case strings.TrimSpace(in.Template) == "":
		return nil, fmt.Errorf("%w: template is required", ErrInvalidVersion)
	}

	v := Version{
		Version:  in.Version,
		Template: in.Template,
		Examples: Examples(in.Examples),
		Sampling: storage.JSONMap(in.Sampling),
		Status:   StatusDraft,
	}
	if err := r.db.WithContext(ctx).Create(&v).Error; err != nil {
		if storage.IsDuplicateKey(err) {
			return nil, fmt.Errorf("%w: %s", ErrVersionExists, in.Version)
		}
		return nil, fmt.Errorf("creating prompt version: %w", err)
	}
	return &v, nil
}

// Get returns a version by label.
func (r *Registry) Get(ctx context.Context, version string) (*Version, error) {
	var v Version
	err := r.db.WithContext(ctx).First(&v, "version = ?", version).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrVersionNotFound, version)
	}
	if err != nil {
		return nil, fmt.Errorf("loading prompt version: %w", err)
	}
	return &v, nil
}

// Active returns the active version.
func (r *Registry) Active(ctx context.Context) (*Version, error) {
	var v Version
	err := r.db.WithContext(ctx).First(&v, "active = ?", true).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoActiveVersion
	}
	if err != nil {
		return nil, fmt.Errorf("loading active prompt version: %w", err)
	}
	return &v, nil
}

// List returns every version, newest first.
func (r *Registry) List(ctx context.Context) ([]Version, error) {
	var out []Version
	if err := r.db.WithContext(ctx).Order("created_at DESC").Order("version").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("listing prompt versions: %w", err)
	}
	return out, nil
}

// Activate makes version the single active version. The previous active
// version, if any, is deprecated in the same transaction. Activating the
// active version is a no-op; a deprecated version may be activated again.
func (r *Registry) Activate(ctx context.Context, version string) (*Version, error) {
	ctx, span := r.tracer.Start(ctx, "prompts.Activate", trace.WithAttributes(
		attribute.String("version", version),
	))
	defer span.End()

	var out Version
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&out, "version = ?", version).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrVersionNotFound, version)
			}
			return err
		}
		if out.Active {
			return nil
		}

		now := r.now()
		// Deactivate first: the partial unique index rejects a second
		// active row even within the transaction.
		res := tx.Model(&Version{}).
			Where("active = ? AND version <> ?", true, version).
			Updates(map[string]interface{}{
				"active":         false,
				"status":         StatusDeprecated,
				"deactivated_at": now,
			})
		if res.Error != nil {
			return fmt.Errorf("deprecating active version: %w", res.Error)
		}

		res = tx.Model(&Version{}).
			Where("version = ?", version).
			Updates(map[string]interface{}{
				"active":       true,
				"status":       StatusActive,
				"activated_at": now,
			})
		if res.Error != nil {
			return fmt.Errorf("activating version: %w", res.Error)
		}
		return tx.First(&out, "version = ?", version).Error
	})
	if err != nil {
		span.SetStatus(codes.Error, "activate failed")
		return nil, err
	}

	r.logger.Info("prompt version activated", zap.String("version", version))
	return &out, nil
}

// RecordUsage counts one use of version. Counters, accuracy and the rolling
// average rating are updated in a single statement. Usage may be attributed
// to any known version, active or not.
func (r *Registry) RecordUsage(ctx context.Context, version string, succeeded bool, rating *int) error {
	if rating != nil && (*rating < 1 || *rating > 5) {
		return ErrInvalidRating
	}

	success := 0
	if succeeded {
		success = 1
	}
	updates := map[string]interface{}{
		"usage_count":   gorm.Expr("usage_count + 1"),
		"success_count": gorm.Expr("success_count + ?", success),
		"accuracy_rate": gorm.Expr("(success_count + ?) * 1.0 / (usage_count + 1)", success),
	}
	if rating != nil {
		updates["rating_count"] = gorm.Expr("rating_count + 1")
		updates["average_rating"] = gorm.Expr("(average_rating * rating_count + ?) / (rating_count + 1)", float64(*rating))
	}

	res := r.db.WithContext(ctx).Model(&Version{}).Where("version = ?", version).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("recording prompt usage: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrVersionNotFound, version)
	}
	return nil
}

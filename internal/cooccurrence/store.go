// Package cooccurrence learns which component types appear together in
// correct flows and in what relative order.
package cooccurrence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fyrsmithlabs/flowlearn/internal/component"
	"github.com/fyrsmithlabs/flowlearn/internal/storage"
)

const instrumentationName = "github.com/fyrsmithlabs/flowlearn/internal/cooccurrence"

// DefaultEvidence is k in times_together / (times_together + k).
const DefaultEvidence = 2.0

var (
	// ErrPairNotFound is returned by Get for a pair never observed.
	ErrPairNotFound = errors.New("co-occurrence pair not found")

	// ErrInvalidPair is returned for empty or identical component types, or
	// an unknown sequence.
	ErrInvalidPair = errors.New("invalid co-occurrence pair")
)

// Pair holds the statistics of two component types seen together. The key
// is canonical: ComponentA < ComponentB.
type Pair struct {
	ComponentA string `gorm:"type:varchar(128);primaryKey" json:"component_a"`
	ComponentB string `gorm:"type:varchar(128);primaryKey;index" json:"component_b"`

	TimesTogether int64 `gorm:"not null" json:"times_together"`
	ABeforeBCount int64 `gorm:"column:a_before_b_count;not null;default:0" json:"a_before_b_count"`
	BBeforeACount int64 `gorm:"column:b_before_a_count;not null;default:0" json:"b_before_a_count"`

	TypicalSequence component.Sequence `gorm:"type:varchar(16);not null" json:"typical_sequence"`

	ExampleUseCase   string             `gorm:"type:text" json:"example_use_case,omitempty"`
	ExampleFlowNames storage.StringList `gorm:"type:text" json:"example_flow_names,omitempty"`

	ConfidenceScore float64 `gorm:"not null" json:"confidence_score"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName is referenced by the upsert expressions.
func (Pair) TableName() string { return tableName }

const tableName = "cooccurrence_pairs"

// Models lists the tables owned by this package, for migration.
func Models() []interface{} {
	return []interface{}{&Pair{}}
}

// Observation carries optional context for a recorded pair.
type Observation struct {
	UseCase  string
	FlowName string
}

// Related is a companion of a queried component type.
type Related struct {
	Component     string  `json:"component"`
	Confidence    float64 `json:"confidence"`
	TimesTogether int64   `json:"times_together"`
	// Sequence is relative to the queried component: A_before_B means the
	// queried component typically comes first.
	Sequence component.Sequence `json:"sequence"`
}

// Store persists co-occurrence pairs.
type Store struct {
	db       *gorm.DB
	logger   *zap.Logger
	evidence float64
	tracer   trace.Tracer
}

// NewStore creates a co-occurrence store. evidence <= 0 selects
// DefaultEvidence.
func NewStore(db *gorm.DB, evidence float64, logger *zap.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if evidence <= 0 {
		evidence = DefaultEvidence
	}
	return &Store{db: db, logger: logger, evidence: evidence, tracer: otel.Tracer(instrumentationName)}, nil
}

// WithTx returns a copy of the store bound to tx.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	cp := *s
	cp.db = tx
	return &cp
}

// canonical orders a and b and re-expresses seq for the ordered pair.
func canonical(a, b string, seq component.Sequence) (string, string, component.Sequence) {
	if a > b {
		return b, a, seq.Flip()
	}
	return a, b, seq
}

// Record counts one observation of a and b in the same correct flow, where
// seq is the order of a relative to b. Both argument orders update the same
// row. The counters, typical sequence and confidence are updated in one
// upsert statement, so concurrent observations are never lost.
//
// The typical sequence is the majority of directional observations, or
// no_pattern when the directions are tied.
func (s *Store) Record(ctx context.Context, a, b string, seq component.Sequence, obs Observation) error {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	switch {
	case a == "" || b == "":
		return fmt.Errorf("%w: component types are required", ErrInvalidPair)
	case a == b:
		return fmt.Errorf("%w: %s paired with itself", ErrInvalidPair, a)
	case !seq.IsValid():
		return fmt.Errorf("%w: unknown sequence %q", ErrInvalidPair, seq)
	}
	a, b, seq = canonical(a, b, seq)

	ctx, span := s.tracer.Start(ctx, "cooccurrence.Record", trace.WithAttributes(
		attribute.String("component_a", a),
		attribute.String("component_b", b),
		attribute.String("sequence", string(seq)),
	))
	defer span.End()

	p := Pair{
		ComponentA:      a,
		ComponentB:      b,
		TimesTogether:   1,
		TypicalSequence: seq,
		ExampleUseCase:  obs.UseCase,
		ConfidenceScore: 1 / (1 + s.evidence),
	}
	switch seq {
	case component.SequenceABeforeB:
		p.ABeforeBCount = 1
	case component.SequenceBBeforeA:
		p.BBeforeACount = 1
	}
	if obs.FlowName != "" {
		p.ExampleFlowNames = storage.StringList{obs.FlowName}
	}

	const (
		ab = tableName + ".a_before_b_count + excluded.a_before_b_count"
		ba = tableName + ".b_before_a_count + excluded.b_before_a_count"
	)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "component_a"}, {Name: "component_b"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"times_together":   gorm.Expr(tableName + ".times_together + 1"),
			"a_before_b_count": gorm.Expr(ab),
			"b_before_a_count": gorm.Expr(ba),
			"typical_sequence": gorm.Expr(
				"CASE WHEN ("+ab+") > ("+ba+") THEN ? WHEN ("+ba+") > ("+ab+") THEN ? ELSE ? END",
				component.SequenceABeforeB, component.SequenceBBeforeA, component.SequenceNoPattern,
			),
			"confidence_score": gorm.Expr(
				"("+tableName+".times_together + 1) * 1.0 / ("+tableName+".times_together + 1 + ?)", s.evidence,
			),
			"example_use_case": gorm.Expr(
				"CASE WHEN " + tableName + ".example_use_case = '' THEN excluded.example_use_case ELSE " + tableName + ".example_use_case END",
			),
			"example_flow_names": gorm.Expr(
				"CASE WHEN " + tableName + ".example_flow_names = '[]' THEN excluded.example_flow_names ELSE " + tableName + ".example_flow_names END",
			),
			"updated_at": gorm.Expr("excluded.updated_at"),
		}),
	}).Create(&p).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upsert failed")
		return fmt.Errorf("recording co-occurrence %s/%s: %w", a, b, err)
	}
	return nil
}

// Get returns the pair for a and b in either order.
func (s *Store) Get(ctx context.Context, a, b string) (*Pair, error) {
	a, b, _ = canonical(a, b, component.SequenceNoPattern)
	var p Pair
	err := s.db.WithContext(ctx).Where("component_a = ? AND component_b = ?", a, b).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrPairNotFound, a, b)
	}
	if err != nil {
		return nil, fmt.Errorf("loading co-occurrence pair: %w", err)
	}
	return &p, nil
}

// GetRelated returns the components seen with componentType whose pair
// confidence is at least minConfidence, most confident first.
func (s *Store) GetRelated(ctx context.Context, componentType string, minConfidence float64) ([]Related, error) {
	ctx, span := s.tracer.Start(ctx, "cooccurrence.GetRelated", trace.WithAttributes(
		attribute.String("component", componentType),
		attribute.Float64("min_confidence", minConfidence),
	))
	defer span.End()

	var pairs []Pair
	err := s.db.WithContext(ctx).
		Where("(component_a = ? OR component_b = ?) AND confidence_score >= ?", componentType, componentType, minConfidence).
		Find(&pairs).Error
	if err != nil {
		return nil, fmt.Errorf("loading related components: %w", err)
	}

	out := make([]Related, 0, len(pairs))
	for _, p := range pairs {
		r := Related{
			Confidence:    p.ConfidenceScore,
			TimesTogether: p.TimesTogether,
			Component:     p.ComponentB,
			Sequence:      p.TypicalSequence,
		}
		if p.ComponentB == componentType {
			r.Component = p.ComponentA
			r.Sequence = p.TypicalSequence.Flip()
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Component < out[j].Component
	})
	span.SetAttributes(attribute.Int("related", len(out)))
	return out, nil
}

// List returns every pair, most observed first.
func (s *Store) List(ctx context.Context, limit int) ([]Pair, error) {
	q := s.db.WithContext(ctx).Order("times_together DESC").Order("component_a").Order("component_b")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []Pair
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("listing co-occurrence pairs: %w", err)
	}
	return out, nil
}

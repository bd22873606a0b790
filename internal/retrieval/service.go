// Package retrieval answers the generation pipeline's two questions: which
// components does this query call for, and which past examples should the
// prompt show.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/flowlearn/internal/component"
	"github.com/fyrsmithlabs/flowlearn/internal/cooccurrence"
	"github.com/fyrsmithlabs/flowlearn/internal/patterns"
	"github.com/fyrsmithlabs/flowlearn/internal/training"
	"github.com/fyrsmithlabs/flowlearn/internal/vectorstore"
)

const instrumentationName = "github.com/fyrsmithlabs/flowlearn/internal/retrieval"

// ErrEmptyQuery is returned for a blank query.
var ErrEmptyQuery = errors.New("query text is required")

// Config tunes suggestion assembly.
type Config struct {
	DefaultTopK            int
	EmbedTimeout           time.Duration
	CompanionMinConfidence float64
	MaxCompanions          int
}

// Service composes the pattern, co-occurrence and training stores.
type Service struct {
	patterns *patterns.Store
	cooc     *cooccurrence.Store
	training *training.Store
	embedder vectorstore.Embedder
	cfg      Config
	logger   *zap.Logger
	tracer   trace.Tracer
}

// New creates a retrieval service. embedder may be nil, in which case
// suggestions use lexical and regex matching only.
func New(ps *patterns.Store, cs *cooccurrence.Store, ts *training.Store, embedder vectorstore.Embedder, cfg Config, logger *zap.Logger) (*Service, error) {
	if ps == nil || cs == nil || ts == nil {
		return nil, errors.New("pattern, co-occurrence and training stores are required")
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 5
	}
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = 2 * time.Second
	}
	if cfg.MaxCompanions < 0 {
		cfg.MaxCompanions = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		patterns: ps,
		cooc:     cs,
		training: ts,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
	}, nil
}

// Query is a suggestion request.
type Query struct {
	Text         string `json:"text"`
	PlatformHint string `json:"source_platform_hint,omitempty"`
	TopK         int    `json:"top_k,omitempty"`
}

// Evidence is one pattern behind a suggestion.
type Evidence struct {
	PatternID  string  `json:"pattern_id"`
	Signal     string  `json:"signal"`
	Strategy   string  `json:"strategy"`
	Strength   float64 `json:"strength"`
	Confidence float64 `json:"confidence"`
}

// Suggestion is one ranked component.
type Suggestion struct {
	ComponentType        string             `json:"component_type"`
	Category             component.Category `json:"category,omitempty"`
	Confidence           float64            `json:"confidence"`
	ProvenancePatternIDs []string           `json:"provenance_pattern_ids"`
	Evidence             []Evidence         `json:"evidence,omitempty"`

	// Companion suggestions come from co-occurrence with CompanionOf rather
	// than from the query text. Sequence reads with CompanionOf as A and the
	// companion as B.
	Companion   bool               `json:"companion,omitempty"`
	CompanionOf string             `json:"companion_of,omitempty"`
	Sequence    component.Sequence `json:"sequence,omitempty"`
}

// Suggestions is the answer to SuggestComponents.
type Suggestions struct {
	Items []Suggestion `json:"suggestions"`
	// Degraded is set when semantic matching was configured but skipped.
	Degraded bool `json:"degraded,omitempty"`
}

// SuggestComponents ranks the component types matching q and appends
// companions of the top candidates. Companion confidence is the pair
// confidence scaled by the candidate's confidence.
func (s *Service) SuggestComponents(ctx context.Context, q Query) (*Suggestions, error) {
	ctx, span := s.tracer.Start(ctx, "retrieval.SuggestComponents")
	defer span.End()

	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return nil, ErrEmptyQuery
	}
	topK := q.TopK
	if topK <= 0 {
		topK = s.cfg.DefaultTopK
	}

	out := &Suggestions{}
	embedding, degraded := s.embed(ctx, q.Text)
	out.Degraded = degraded

	cands, err := s.patterns.FindCandidates(ctx, patterns.Query{
		Text:         q.Text,
		PlatformHint: q.PlatformHint,
		Embedding:    embedding,
	}, 0)
	if err != nil {
		return nil, fmt.Errorf("finding candidates: %w", err)
	}

	out.Items = aggregate(cands)
	if len(out.Items) > topK {
		out.Items = out.Items[:topK]
	}

	companions, err := s.companions(ctx, out.Items)
	if err != nil {
		return nil, err
	}
	out.Items = append(out.Items, companions...)

	span.SetAttributes(
		attribute.Int("suggestions", len(out.Items)),
		attribute.Int("companions", len(companions)),
		attribute.Bool("degraded", degraded),
	)
	return out, nil
}

// embed computes the query embedding within the configured timeout. A
// failure is not an error: semantic matching is skipped.
func (s *Service) embed(ctx context.Context, text string) ([]float32, bool) {
	if s.embedder == nil {
		return nil, false
	}
	ectx, cancel := context.WithTimeout(ctx, s.cfg.EmbedTimeout)
	defer cancel()
	vec, err := s.embedder.EmbedQuery(ectx, text)
	if err != nil || len(vec) == 0 {
		s.logger.Warn("query embedding unavailable, using lexical matching", zap.Error(err))
		return nil, true
	}
	return vec, false
}

// aggregate folds candidates into one suggestion per component type. A
// type's confidence is its best candidate's score; candidates arrive ranked,
// so provenance lists patterns strongest first.
func aggregate(cands []patterns.Candidate) []Suggestion {
	byType := make(map[string]*Suggestion)
	var order []string
	for _, c := range cands {
		typ := c.Pattern.ComponentType
		sg, ok := byType[typ]
		if !ok {
			sg = &Suggestion{ComponentType: typ, Category: c.Pattern.Category, Confidence: c.Score}
			byType[typ] = sg
			order = append(order, typ)
		}
		sg.ProvenancePatternIDs = append(sg.ProvenancePatternIDs, c.Pattern.ID)
		sg.Evidence = append(sg.Evidence, Evidence{
			PatternID:  c.Pattern.ID,
			Signal:     c.Pattern.Signal,
			Strategy:   c.Strategy,
			Strength:   c.Strength,
			Confidence: c.Pattern.ConfidenceScore,
		})
	}

	out := make([]Suggestion, 0, len(order))
	for _, typ := range order {
		out = append(out, *byType[typ])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}

func (s *Service) companions(ctx context.Context, top []Suggestion) ([]Suggestion, error) {
	if s.cfg.MaxCompanions == 0 || len(top) == 0 {
		return nil, nil
	}
	seen := make(map[string]bool, len(top))
	for _, sg := range top {
		seen[sg.ComponentType] = true
	}

	var out []Suggestion
	for _, parent := range top {
		related, err := s.cooc.GetRelated(ctx, parent.ComponentType, s.cfg.CompanionMinConfidence)
		if err != nil {
			return nil, fmt.Errorf("loading companions of %s: %w", parent.ComponentType, err)
		}
		for _, rel := range related {
			if seen[rel.Component] {
				continue
			}
			seen[rel.Component] = true
			out = append(out, Suggestion{
				ComponentType:        rel.Component,
				Category:             s.categoryOf(ctx, rel.Component),
				Confidence:           rel.Confidence * parent.Confidence,
				ProvenancePatternIDs: parent.ProvenancePatternIDs,
				Companion:            true,
				CompanionOf:          parent.ComponentType,
				Sequence:             rel.Sequence,
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	if len(out) > s.cfg.MaxCompanions {
		out = out[:s.cfg.MaxCompanions]
	}
	return out, nil
}

// categoryOf looks up the category of any pattern of typ. It is empty for
// types known only from co-occurrence.
func (s *Service) categoryOf(ctx context.Context, typ string) component.Category {
	pats, err := s.patterns.List(ctx, patterns.Filter{ComponentType: typ, Limit: 1})
	if err != nil || len(pats) == 0 {
		return ""
	}
	return pats[0].Category
}

// FewShotExample is one example in prompt-ready shape.
type FewShotExample struct {
	Query      string          `json:"query"`
	Components []component.Ref `json:"components"`
	Weight     float64         `json:"weight"`
}

// FewShotBlock is the ordered example list for prompt templating.
type FewShotBlock struct {
	Examples []FewShotExample `json:"examples"`
}

// BuildFewShotBlock selects examples for query and shapes them for the
// prompt.
func (s *Service) BuildFewShotBlock(ctx context.Context, req training.FewShotRequest) (*FewShotBlock, error) {
	examples, err := s.training.SelectFewShot(ctx, req)
	if err != nil {
		return nil, err
	}
	block := &FewShotBlock{Examples: make([]FewShotExample, 0, len(examples))}
	for _, e := range examples {
		block.Examples = append(block.Examples, FewShotExample{
			Query:      e.Query,
			Components: e.Components,
			Weight:     e.TrainingWeight,
		})
	}
	return block, nil
}

// String renders the block as plain prompt text.
func (b *FewShotBlock) String() string {
	var sb strings.Builder
	for i, e := range b.Examples {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "Query: %s\nComponents: %s\n", e.Query, strings.Join(component.Types(e.Components), ", "))
	}
	return sb.String()
}

package patterns

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fyrsmithlabs/flowlearn/internal/component"
	"github.com/fyrsmithlabs/flowlearn/internal/lock"
	"github.com/fyrsmithlabs/flowlearn/internal/storage"
	"github.com/fyrsmithlabs/flowlearn/internal/vectorstore"
)

const instrumentationName = "github.com/fyrsmithlabs/flowlearn/internal/patterns"

// indexBatchSize bounds how many signals are embedded per provider call.
const indexBatchSize = 64

// Store persists patterns and matches queries against them.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger

	prior         float64
	platformBoost float64
	strategies    []Strategy

	index    vectorstore.Index
	embedder vectorstore.Embedder

	locker lock.Locker

	// inTx is set on stores bound to a caller's transaction. Index writes
	// are skipped there; callers index after commit.
	inTx bool

	tracer  trace.Tracer
	metrics *Metrics
}

// Option configures a Store.
type Option func(*Store)

// WithConfidencePrior sets the confidence of patterns with no observations.
func WithConfidencePrior(prior float64) Option {
	return func(s *Store) { s.prior = prior }
}

// WithSemanticIndex enables the semantic strategy. embedder is used to index
// pattern signals; query embeddings are supplied by the caller in Query.
func WithSemanticIndex(idx vectorstore.Index, embedder vectorstore.Embedder, threshold float64) Option {
	return func(s *Store) {
		s.index = idx
		s.embedder = embedder
		s.strategies = append(s.strategies, &Semantic{Index: idx, Threshold: threshold})
	}
}

// WithPlatformBoost sets the multiplier applied when a query's platform hint
// matches a pattern's requirements["platform"].
func WithPlatformBoost(boost float64) Option {
	return func(s *Store) { s.platformBoost = boost }
}

// WithLocker serializes upserts of the same signal across replicas.
func WithLocker(l lock.Locker) Option {
	return func(s *Store) { s.locker = l }
}

// WithStrategies replaces the match strategies.
func WithStrategies(strategies ...Strategy) Option {
	return func(s *Store) { s.strategies = strategies }
}

// NewStore creates a pattern store over db. Lexical and regex matching are
// always enabled unless replaced with WithStrategies.
func NewStore(db *gorm.DB, logger *zap.Logger, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		db:            db,
		logger:        logger,
		prior:         DefaultConfidencePrior,
		platformBoost: 1.0,
		strategies:    []Strategy{Lexical{}, NewRegex()},
		tracer:        otel.Tracer(instrumentationName),
		metrics:       NewMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.prior < 0 || s.prior > 1 {
		return nil, fmt.Errorf("confidence prior must be within [0, 1], got %v", s.prior)
	}
	return s, nil
}

// WithTx returns a copy of the store bound to tx.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	cp := *s
	cp.db = tx
	cp.inTx = true
	// The transaction already holds the connection; taking a lock here
	// could wait on a holder that is itself waiting for the connection.
	cp.locker = nil
	return &cp
}

// Upsert creates a pattern unless an equivalent one exists, and returns its
// ID. A pattern is equivalent when its signal or any alias normalizes to the
// input signal or one of its aliases under the same component type. An
// equivalent pattern keeps its statistics; only the example query is
// appended. Binding a signal already owned by another component type fails
// with ErrDuplicateSignalConflict.
func (s *Store) Upsert(ctx context.Context, in Input) (string, error) {
	ctx, span := s.tracer.Start(ctx, "patterns.Upsert")
	defer span.End()

	if err := in.normalize(); err != nil {
		span.SetStatus(codes.Error, "invalid input")
		return "", err
	}
	key := signalKey(in.Signal, in.MatchKind)
	aliasKeys := aliasKeys(in.Aliases, key)
	span.SetAttributes(
		attribute.String("component_type", in.ComponentType),
		attribute.String("signal_key", key),
	)

	if s.locker != nil {
		unlock, err := s.locker.Lock(ctx, "pattern-signal:"+key)
		if err != nil {
			return "", fmt.Errorf("locking signal: %w", err)
		}
		defer unlock()
	}

	var (
		id      string
		created bool
		err     error
	)
	// A concurrent writer can insert the same key between our lookup and
	// insert; the second pass then finds its row.
	for attempt := 0; attempt < 2; attempt++ {
		id, created, err = s.upsertOnce(ctx, in, key, aliasKeys)
		if !storage.IsDuplicateKey(err) {
			break
		}
		s.logger.Debug("signal inserted concurrently, retrying",
			zap.String("signal_key", key), zap.Int("attempt", attempt))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upsert failed")
		return "", err
	}

	if created {
		s.metrics.CreatedTotal.WithLabelValues(string(in.Source)).Inc()
		s.logger.Info("pattern created",
			zap.String("pattern_id", id),
			zap.String("component_type", in.ComponentType),
			zap.String("signal", in.Signal),
			zap.Bool("active", in.Active),
			zap.String("source", string(in.Source)),
		)
		if in.Active {
			s.indexAfterWrite(ctx, id)
		}
	}
	return id, nil
}

func (s *Store) upsertOnce(ctx context.Context, in Input, key string, aliases []string) (string, bool, error) {
	var (
		id      string
		created bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var match PatternKey
		err := tx.Where("signal_key IN ? AND component_type = ?", append([]string{key}, aliases...), in.ComponentType).
			Order("alias ASC").
			First(&match).Error
		switch {
		case err == nil:
			id = match.PatternID
			return appendExampleQuery(tx, id, in.ExampleQuery)
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("looking up signal: %w", err)
		}

		var owner PatternKey
		err = tx.Where("signal_key = ? AND component_type <> ? AND alias = ?", key, in.ComponentType, false).
			First(&owner).Error
		switch {
		case err == nil:
			return fmt.Errorf("%w: %q is bound to %s", ErrDuplicateSignalConflict, in.Signal, owner.ComponentType)
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("checking signal owner: %w", err)
		}

		p := Pattern{
			Signal:          in.Signal,
			SignalKey:       key,
			MatchKind:       in.MatchKind,
			ComponentType:   in.ComponentType,
			Category:        in.Category,
			Aliases:         storage.StringList(in.Aliases),
			Requirements:    storage.JSONMap(in.Requirements),
			TimesMatched:    in.TimesMatched,
			TimesCorrect:    in.TimesCorrect,
			ConfidenceScore: confidence(in.TimesMatched, in.TimesCorrect, s.prior),
			Active:          in.Active,
			Candidate:       in.Candidate,
			Source:          in.Source,
		}
		if in.ExampleQuery != "" {
			p.ExampleQueries = storage.StringList{in.ExampleQuery}
		}
		if err := tx.Create(&p).Error; err != nil {
			return fmt.Errorf("creating pattern: %w", err)
		}

		keys := make([]PatternKey, 0, len(aliases)+1)
		keys = append(keys, PatternKey{SignalKey: key, ComponentType: in.ComponentType, PatternID: p.ID})
		for _, a := range aliases {
			keys = append(keys, PatternKey{SignalKey: a, ComponentType: in.ComponentType, PatternID: p.ID, Alias: true})
		}
		if err := tx.Create(&keys).Error; err != nil {
			return fmt.Errorf("binding signal keys: %w", err)
		}
		id, created = p.ID, true
		return nil
	})
	return id, created, err
}

func appendExampleQuery(tx *gorm.DB, id, query string) error {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	var p Pattern
	if err := tx.Select("id", "example_queries").First(&p, "id = ?", id).Error; err != nil {
		return fmt.Errorf("loading example queries: %w", err)
	}
	if p.ExampleQueries.Contains(query) || len(p.ExampleQueries) >= maxExampleQueries {
		return nil
	}
	queries := append(p.ExampleQueries, query)
	return tx.Model(&Pattern{}).Where("id = ?", id).Update("example_queries", queries).Error
}

// aliasKeys normalizes aliases, dropping blanks, duplicates and the signal.
func aliasKeys(aliases []string, signal string) []string {
	seen := map[string]bool{signal: true}
	out := make([]string, 0, len(aliases))
	for _, a := range aliases {
		k := component.Normalize(a)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

// RecordOutcome records one observation for a pattern in a single UPDATE:
// times_matched and times_correct are incremented and confidence_score is
// recomputed from the incremented counters. Concurrent calls never lose
// updates.
func (s *Store) RecordOutcome(ctx context.Context, id string, correct bool) error {
	ctx, span := s.tracer.Start(ctx, "patterns.RecordOutcome", trace.WithAttributes(
		attribute.String("pattern_id", id),
		attribute.Bool("correct", correct),
	))
	defer span.End()

	inc := 0
	result := "incorrect"
	if correct {
		inc = 1
		result = "correct"
	}
	res := s.db.WithContext(ctx).Model(&Pattern{}).Where("id = ?", id).Updates(map[string]interface{}{
		"times_matched":    gorm.Expr("times_matched + 1"),
		"times_correct":    gorm.Expr("times_correct + ?", inc),
		"confidence_score": gorm.Expr("(times_correct + ?) * 1.0 / (times_matched + 1)", inc),
	})
	if res.Error != nil {
		span.RecordError(res.Error)
		span.SetStatus(codes.Error, "update failed")
		return fmt.Errorf("recording outcome: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrPatternNotFound, id)
	}
	s.metrics.OutcomesTotal.WithLabelValues(result).Inc()
	return nil
}

// Get returns a pattern by ID.
func (s *Store) Get(ctx context.Context, id string) (*Pattern, error) {
	var p Pattern
	err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPatternNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading pattern: %w", err)
	}
	return &p, nil
}

// Filter narrows List. Nil pointers match everything.
type Filter struct {
	Active        *bool
	Candidate     *bool
	ComponentType string
	Limit         int
}

// List returns patterns matching f, oldest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Pattern, error) {
	q := s.db.WithContext(ctx).Model(&Pattern{})
	if f.Active != nil {
		q = q.Where("active = ?", *f.Active)
	}
	if f.Candidate != nil {
		q = q.Where("candidate = ?", *f.Candidate)
	}
	if f.ComponentType != "" {
		q = q.Where("component_type = ?", f.ComponentType)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []Pattern
	if err := q.Order("created_at ASC").Order("id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("listing patterns: %w", err)
	}
	return out, nil
}

// SetActive activates or retires a pattern. Activating a candidate promotes
// it to a regular pattern. Patterns are never deleted.
func (s *Store) SetActive(ctx context.Context, id string, active bool) (*Pattern, error) {
	ctx, span := s.tracer.Start(ctx, "patterns.SetActive", trace.WithAttributes(
		attribute.String("pattern_id", id),
		attribute.Bool("active", active),
	))
	defer span.End()

	updates := map[string]interface{}{"active": active}
	if active {
		updates["candidate"] = false
	}
	res := s.db.WithContext(ctx).Model(&Pattern{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("updating pattern: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: %s", ErrPatternNotFound, id)
	}

	if active {
		s.indexAfterWrite(ctx, id)
	} else if s.index != nil && !s.inTx {
		if err := s.index.Delete(ctx, id); err != nil {
			s.logger.Warn("removing pattern from semantic index", zap.String("pattern_id", id), zap.Error(err))
		}
	}
	s.logger.Info("pattern active flag changed", zap.String("pattern_id", id), zap.Bool("active", active))
	return s.Get(ctx, id)
}

// FindCandidates returns active patterns matching q, ordered by
// strength*confidence, then by evidence (times_matched), then by age.
// topK <= 0 returns every match.
//
// Strategies that cannot run are skipped; in particular a query without an
// embedding falls back to lexical and regex matching.
func (s *Store) FindCandidates(ctx context.Context, q Query, topK int) ([]Candidate, error) {
	ctx, span := s.tracer.Start(ctx, "patterns.FindCandidates", trace.WithAttributes(
		attribute.Int("top_k", topK),
		attribute.Bool("has_embedding", len(q.Embedding) > 0),
	))
	defer span.End()

	active := true
	pats, err := s.List(ctx, Filter{Active: &active, ComponentType: q.ComponentType})
	if err != nil {
		span.SetStatus(codes.Error, "listing failed")
		return nil, err
	}

	best := make(map[string]float64, len(pats))
	via := make(map[string]string, len(pats))
	for _, st := range s.strategies {
		scores, err := st.Score(ctx, q, pats)
		if err != nil {
			reason := "error"
			if errors.Is(err, ErrEmbeddingUnavailable) {
				reason = "embedding_unavailable"
				s.logger.Debug("semantic matching skipped", zap.String("strategy", st.Name()))
			} else {
				s.logger.Warn("match strategy failed, continuing without it",
					zap.String("strategy", st.Name()), zap.Error(err))
			}
			s.metrics.DegradationsTotal.WithLabelValues(st.Name(), reason).Inc()
			span.AddEvent("strategy degraded", trace.WithAttributes(
				attribute.String("strategy", st.Name()),
				attribute.String("reason", reason),
			))
			continue
		}
		for id, v := range scores {
			if v > best[id] {
				best[id] = v
				via[id] = st.Name()
			}
		}
	}

	hint := strings.ToLower(strings.TrimSpace(q.PlatformHint))
	out := make([]Candidate, 0, len(best))
	for i := range pats {
		p := pats[i]
		strength, ok := best[p.ID]
		if !ok || strength <= 0 {
			continue
		}
		if hint != "" && strings.EqualFold(platformOf(p), hint) {
			strength *= s.platformBoost
			if strength > 1 {
				strength = 1
			}
		}
		out = append(out, Candidate{
			Pattern:  p,
			Strength: strength,
			Score:    strength * p.ConfidenceScore,
			Strategy: via[p.ID],
		})
	}

	sortCandidates(out)
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	s.metrics.CandidatesFound.Observe(float64(len(out)))
	span.SetAttributes(attribute.Int("candidates", len(out)))
	return out, nil
}

// Contributing returns the active patterns of componentType that explain
// text without semantic matching, strongest first. Ingestion uses it to
// attribute outcomes when feedback carries no provenance.
func (s *Store) Contributing(ctx context.Context, text, componentType string) ([]Pattern, error) {
	active := true
	pats, err := s.List(ctx, Filter{Active: &active, ComponentType: componentType})
	if err != nil || len(pats) == 0 {
		return nil, err
	}

	q := Query{Text: text, ComponentType: componentType}
	best := make(map[string]float64, len(pats))
	for _, st := range s.strategies {
		if _, ok := st.(*Semantic); ok {
			continue
		}
		scores, err := st.Score(ctx, q, pats)
		if err != nil {
			return nil, fmt.Errorf("%s matching: %w", st.Name(), err)
		}
		for id, v := range scores {
			if v > best[id] {
				best[id] = v
			}
		}
	}

	out := make([]Candidate, 0, len(best))
	for i := range pats {
		if v := best[pats[i].ID]; v > 0 {
			out = append(out, Candidate{Pattern: pats[i], Strength: v, Score: v * pats[i].ConfidenceScore})
		}
	}
	sortCandidates(out)
	matched := make([]Pattern, len(out))
	for i := range out {
		matched[i] = out[i].Pattern
	}
	return matched, nil
}

// Candidate is a pattern matched by FindCandidates.
type Candidate struct {
	Pattern  Pattern
	Strength float64
	// Score is Strength * Pattern.ConfidenceScore, the ranking key.
	Score float64
	// Strategy names the strategy that produced Strength.
	Strategy string
}

func sortCandidates(c []Candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		a, b := c[i], c[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Pattern.TimesMatched != b.Pattern.TimesMatched {
			return a.Pattern.TimesMatched > b.Pattern.TimesMatched
		}
		if !a.Pattern.CreatedAt.Equal(b.Pattern.CreatedAt) {
			return a.Pattern.CreatedAt.Before(b.Pattern.CreatedAt)
		}
		return a.Pattern.ID < b.Pattern.ID
	})
}

func platformOf(p Pattern) string {
	v, ok := p.Requirements["platform"]
	if !ok {
		return ""
	}
	str, _ := v.(string)
	return str
}

// Index embeds and indexes the given active patterns. It is a no-op without
// a semantic index.
func (s *Store) Index(ctx context.Context, ids ...string) error {
	if s.index == nil || s.embedder == nil || len(ids) == 0 {
		return nil
	}
	var pats []Pattern
	if err := s.db.WithContext(ctx).Where("id IN ? AND active = ?", ids, true).Find(&pats).Error; err != nil {
		return fmt.Errorf("loading patterns to index: %w", err)
	}
	return s.indexPatterns(ctx, pats)
}

// ReindexAll rebuilds the semantic index entries of every active pattern and
// returns how many were indexed.
func (s *Store) ReindexAll(ctx context.Context) (int, error) {
	if s.index == nil || s.embedder == nil {
		return 0, nil
	}
	active := true
	pats, err := s.List(ctx, Filter{Active: &active})
	if err != nil {
		return 0, err
	}
	if err := s.indexPatterns(ctx, pats); err != nil {
		return 0, err
	}
	n := 0
	for i := range pats {
		if pats[i].MatchKind == MatchPhrase {
			n++
		}
	}
	return n, nil
}

func (s *Store) indexAfterWrite(ctx context.Context, id string) {
	if s.inTx {
		return
	}
	if err := s.Index(ctx, id); err != nil {
		s.logger.Warn("indexing pattern", zap.String("pattern_id", id), zap.Error(err))
	}
}

// indexPatterns embeds phrase signals with their aliases. Regex signals are
// not meaningful as embedding input and are skipped.
func (s *Store) indexPatterns(ctx context.Context, pats []Pattern) error {
	docs := make([]vectorstore.Document, 0, len(pats))
	for i := range pats {
		p := pats[i]
		if p.MatchKind != MatchPhrase {
			continue
		}
		content := p.Signal
		if len(p.Aliases) > 0 {
			content += "; " + strings.Join(p.Aliases, "; ")
		}
		docs = append(docs, vectorstore.Document{
			ID:      p.ID,
			Content: content,
			Metadata: map[string]string{
				"component_type": p.ComponentType,
				"category":       string(p.Category),
			},
		})
	}

	for start := 0; start < len(docs); start += indexBatchSize {
		end := start + indexBatchSize
		if end > len(docs) {
			end = len(docs)
		}
		batch := docs[start:end]
		texts := make([]string, len(batch))
		for i := range batch {
			texts[i] = batch[i].Content
		}
		vecs, err := s.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			return fmt.Errorf("embedding pattern signals: %w", err)
		}
		if len(vecs) != len(batch) {
			return fmt.Errorf("embedder returned %d vectors for %d signals", len(vecs), len(batch))
		}
		for i := range batch {
			batch[i].Embedding = vecs[i]
		}
		if err := s.index.Upsert(ctx, batch); err != nil {
			return fmt.Errorf("indexing pattern signals: %w", err)
		}
	}
	return nil
}

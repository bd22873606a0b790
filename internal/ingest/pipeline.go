// Package ingest turns feedback records into learning updates: example
// resolution, pattern outcomes, candidate patterns, co-occurrence pairs and
// prompt usage. Each record is applied at most once; a sub-update that fails
// is rolled back on its own and logged as an anomaly, and the rest of the
// record is still applied.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fyrsmithlabs/flowlearn/internal/component"
	"github.com/fyrsmithlabs/flowlearn/internal/cooccurrence"
	"github.com/fyrsmithlabs/flowlearn/internal/feedback"
	"github.com/fyrsmithlabs/flowlearn/internal/lock"
	"github.com/fyrsmithlabs/flowlearn/internal/patterns"
	"github.com/fyrsmithlabs/flowlearn/internal/prompts"
	"github.com/fyrsmithlabs/flowlearn/internal/training"
)

const instrumentationName = "github.com/fyrsmithlabs/flowlearn/internal/ingest"

// ClaimMode selects how a record is guarded against concurrent ingestion.
type ClaimMode string

const (
	// ClaimConditional claims with a conditional update on the record.
	ClaimConditional ClaimMode = "conditional"
	// ClaimLock serializes ingestion of a record with a per-record lock.
	ClaimLock ClaimMode = "lock"
)

// Stores are the modules the pipeline updates. All must share one database.
type Stores struct {
	Feedback     *feedback.Store
	Patterns     *patterns.Store
	Training     *training.Store
	CoOccurrence *cooccurrence.Store
	Prompts      *prompts.Registry
}

// Options configures a Pipeline.
type Options struct {
	ClaimMode ClaimMode
	// Locker is required in ClaimLock mode.
	Locker lock.Locker

	// AutoApproveMinRating approves correct examples rated at least this
	// high. Zero disables auto-approval.
	AutoApproveMinRating int

	// ConfidencePrior is the confidence recorded for examples created from
	// feedback that reports none.
	ConfidencePrior float64
}

// Pipeline ingests feedback records.
type Pipeline struct {
	db     *gorm.DB
	stores Stores
	opts   Options

	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *Metrics
}

// New creates a pipeline over db.
func New(db *gorm.DB, stores Stores, opts Options, logger *zap.Logger) (*Pipeline, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	if stores.Feedback == nil || stores.Patterns == nil || stores.Training == nil ||
		stores.CoOccurrence == nil || stores.Prompts == nil {
		return nil, errors.New("all stores are required")
	}
	if opts.ClaimMode == "" {
		opts.ClaimMode = ClaimConditional
	}
	switch opts.ClaimMode {
	case ClaimConditional:
	case ClaimLock:
		if opts.Locker == nil {
			return nil, errors.New("lock claim mode requires a locker")
		}
	default:
		return nil, fmt.Errorf("unknown claim mode %q", opts.ClaimMode)
	}
	if opts.ConfidencePrior == 0 {
		opts.ConfidencePrior = patterns.DefaultConfidencePrior
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		db:      db,
		stores:  stores,
		opts:    opts,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		metrics: NewMetrics(),
	}, nil
}

// Ingest applies the feedback record id. Ingesting a processed record
// changes nothing and returns the stored result with Replayed set. A record
// held by another worker fails with feedback.ErrClaimed.
func (p *Pipeline) Ingest(ctx context.Context, id string) (*Result, error) {
	ctx, span := p.tracer.Start(ctx, "ingest.Ingest", trace.WithAttributes(
		attribute.String("feedback_id", id),
		attribute.String("claim_mode", string(p.opts.ClaimMode)),
	))
	defer span.End()

	start := time.Now()
	var (
		res *Result
		err error
	)
	if p.opts.ClaimMode == ClaimLock {
		res, err = p.ingestLocked(ctx, id)
	} else {
		res, err = p.ingestClaimed(ctx, id)
	}

	switch {
	case err == nil && res.Replayed:
		p.metrics.IngestTotal.WithLabelValues("replayed").Inc()
	case err == nil:
		p.metrics.IngestTotal.WithLabelValues("processed").Inc()
		p.metrics.IngestDuration.Observe(time.Since(start).Seconds())
	case errors.Is(err, feedback.ErrClaimed):
		p.metrics.IngestTotal.WithLabelValues("claimed").Inc()
	default:
		p.metrics.IngestTotal.WithLabelValues("failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "ingest failed")
	}
	return res, err
}

func (p *Pipeline) ingestClaimed(ctx context.Context, id string) (*Result, error) {
	token, f, err := p.stores.Feedback.Claim(ctx, id)
	if errors.Is(err, feedback.ErrAlreadyProcessed) {
		return decodeResult(f.Result)
	}
	if err != nil {
		return nil, err
	}

	res, err := p.apply(ctx, f, func(tx *gorm.DB, encoded string) error {
		return p.stores.Feedback.WithTx(tx).Complete(ctx, id, token, encoded)
	})
	if err != nil {
		if relErr := p.stores.Feedback.Release(context.WithoutCancel(ctx), id, token); relErr != nil {
			p.logger.Warn("releasing feedback claim", zap.String("feedback_id", id), zap.Error(relErr))
		}
		return nil, err
	}
	return res, nil
}

func (p *Pipeline) ingestLocked(ctx context.Context, id string) (*Result, error) {
	unlock, err := p.opts.Locker.Lock(ctx, "feedback:"+id)
	if err != nil {
		return nil, fmt.Errorf("locking feedback: %w", err)
	}
	defer unlock()

	f, err := p.stores.Feedback.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if f.Processed {
		return decodeResult(f.Result)
	}
	return p.apply(ctx, f, func(tx *gorm.DB, encoded string) error {
		return p.stores.Feedback.WithTx(tx).CompleteLocked(ctx, id, encoded)
	})
}

// apply runs every learning update for f and complete in one transaction.
// If complete fails the whole record rolls back.
func (p *Pipeline) apply(ctx context.Context, f *feedback.Feedback, complete func(tx *gorm.DB, encoded string) error) (*Result, error) {
	res := &Result{FeedbackID: f.ID, Correct: f.Type == feedback.TypeCorrect}

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		u := &unit{p: p, ctx: ctx, tx: tx, f: f, res: res}
		if err := u.resolveExample(); err != nil {
			return err
		}
		// A job's example counts once. Later feedback for it is kept and
		// marked processed but teaches nothing.
		if !res.AlreadyResolved {
			for _, step := range []func() error{u.recordOutcomes, u.recordPairs, u.recordPromptUsage} {
				if err := step(); err != nil {
					return err
				}
			}
		}
		encoded, err := res.encode()
		if err != nil {
			return err
		}
		return complete(tx, encoded)
	})
	if err != nil {
		return nil, fmt.Errorf("ingesting feedback %s: %w", f.ID, err)
	}

	p.metrics.CandidatesTotal.Add(float64(len(res.CandidatePatterns)))
	p.logger.Info("feedback ingested",
		zap.String("feedback_id", f.ID),
		zap.String("job_id", f.JobID),
		zap.String("feedback_type", string(f.Type)),
		zap.Int("confirmed", len(res.ConfirmedPatterns)),
		zap.Int("penalized", len(res.PenalizedPatterns)),
		zap.Int("candidates", len(res.CandidatePatterns)),
		zap.Int("pairs", res.PairsRecorded),
		zap.Int("anomalies", res.Anomalies),
		zap.Bool("already_resolved", res.AlreadyResolved),
	)
	return res, nil
}

// unit is the state of one record's transaction.
type unit struct {
	p   *Pipeline
	ctx context.Context
	tx  *gorm.DB
	f   *feedback.Feedback
	res *Result
}

// step runs fn in a savepoint. A failure rolls back only fn's writes and is
// recorded as an anomaly; step then reports ok=false. The returned error is
// set only when the anomaly itself cannot be recorded.
func (u *unit) step(kind, comp, patternID string, fn func(sp *gorm.DB) error) (bool, error) {
	err := u.tx.Transaction(fn)
	if err == nil {
		return true, nil
	}
	return false, u.anomaly(kind, comp, patternID, err)
}

func (u *unit) anomaly(kind, comp, patternID string, cause error) error {
	switch {
	case errors.Is(cause, patterns.ErrPatternNotFound):
		kind = feedback.AnomalyPatternNotFound
	case errors.Is(cause, patterns.ErrDuplicateSignalConflict):
		kind = feedback.AnomalyCandidateConflict
	case errors.Is(cause, prompts.ErrVersionNotFound):
		kind = feedback.AnomalyPromptVersion
	}
	u.res.Anomalies++
	return u.p.stores.Feedback.WithTx(u.tx).RecordAnomaly(u.ctx, feedback.Anomaly{
		FeedbackID: u.f.ID,
		Kind:       kind,
		Component:  comp,
		PatternID:  patternID,
		Message:    cause.Error(),
	})
}

// resolveExample settles the job's training example, creating it when the
// generation pipeline never recorded one, and auto-approves it when the
// feedback is good enough.
func (u *unit) resolveExample() error {
	var (
		exampleID string
		approved  bool
	)
	ok, err := u.step(feedback.AnomalyExampleUpdate, "", "", func(sp *gorm.DB) error {
		ts := u.p.stores.Training.WithTx(sp)
		e, err := ts.GetByJobID(u.ctx, u.f.JobID)
		switch {
		case errors.Is(err, training.ErrExampleNotFound):
			id, err := ts.Record(u.ctx, training.RecordInput{
				JobID:         u.f.JobID,
				Query:         u.f.Query,
				Intent:        u.f.Intent,
				Components:    u.f.Identified,
				ModelVersion:  u.f.ModelVersion,
				PromptVersion: u.f.PromptVersion,
				Confidence:    u.reportedConfidence(),
			})
			if err != nil {
				return err
			}
			exampleID = id
		case err != nil:
			return err
		default:
			exampleID = e.ID
		}

		err = ts.Resolve(u.ctx, exampleID, training.Resolution{
			Correct:     u.res.Correct,
			Missing:     u.f.Missing,
			Extra:       u.f.Extra,
			Corrections: u.f.Detail,
		})
		if errors.Is(err, training.ErrAlreadyResolved) {
			u.res.AlreadyResolved = true
		}
		if err != nil {
			return err
		}
		if u.res.Correct && u.approvable() {
			if err := ts.Approve(u.ctx, exampleID, u.f.Priority.Weight()); err != nil {
				return err
			}
			approved = true
		}
		return nil
	})
	if ok {
		u.res.ExampleID = exampleID
		u.res.Approved = approved
	}
	return err
}

func (u *unit) approvable() bool {
	minRating := u.p.opts.AutoApproveMinRating
	if minRating <= 0 || u.f.Rating == nil || *u.f.Rating < minRating {
		return false
	}
	return u.f.ImportSuccess == nil || *u.f.ImportSuccess
}

func (u *unit) reportedConfidence() float64 {
	if v, ok := u.f.Detail["confidence"]; ok {
		if c, err := cast.ToFloat64E(v); err == nil && c >= 0 && c <= 1 {
			return c
		}
	}
	return u.p.opts.ConfidencePrior
}

// recordOutcomes credits or penalizes the patterns behind each identified
// component, and handles missing components as false negatives.
func (u *unit) recordOutcomes() error {
	missing := setOf(u.f.Missing.Types())
	extra := setOf(u.f.Extra.Types())

	for _, typ := range u.f.Identified.Types() {
		if missing[typ] {
			continue
		}
		ids, err := u.contributing(typ)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := u.outcome(typ, id, !extra[typ]); err != nil {
				return err
			}
		}
	}

	for _, typ := range u.f.Missing.Types() {
		if err := u.falseNegative(typ); err != nil {
			return err
		}
	}
	return nil
}

// contributing returns the patterns that suggested typ: the provenance
// reported with the feedback, or else the active patterns of typ that match
// the query. Reported patterns of another component type are skipped with an
// anomaly. A failed lookup is recorded as an anomaly and yields no patterns.
func (u *unit) contributing(typ string) ([]string, error) {
	type mismatch struct{ id, other string }
	var (
		ids     []string
		foreign []mismatch
	)
	ok, err := u.step(feedback.AnomalyOutcomeFailed, typ, "", func(sp *gorm.DB) error {
		ps := u.p.stores.Patterns.WithTx(sp)
		if reported := u.f.ProvenanceFor(typ); len(reported) > 0 {
			for _, id := range reported {
				p, err := ps.Get(u.ctx, id)
				switch {
				case errors.Is(err, patterns.ErrPatternNotFound):
					// outcome reports it as missing
					ids = append(ids, id)
				case err != nil:
					return err
				case p.ComponentType != typ:
					foreign = append(foreign, mismatch{id: id, other: p.ComponentType})
				default:
					ids = append(ids, id)
				}
			}
			return nil
		}
		matched, err := ps.Contributing(u.ctx, u.f.Query, typ)
		if err != nil {
			return err
		}
		for i := range matched {
			ids = append(ids, matched[i].ID)
		}
		return nil
	})
	if !ok || err != nil {
		return nil, err
	}
	for _, m := range foreign {
		if err := u.anomaly(feedback.AnomalyProvenanceMismatch, typ, m.id,
			fmt.Errorf("pattern %s identifies %s, not %s", m.id, m.other, typ)); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (u *unit) outcome(typ, patternID string, correct bool) error {
	ok, err := u.step(feedback.AnomalyOutcomeFailed, typ, patternID, func(sp *gorm.DB) error {
		return u.p.stores.Patterns.WithTx(sp).RecordOutcome(u.ctx, patternID, correct)
	})
	if ok {
		if correct {
			u.res.ConfirmedPatterns = append(u.res.ConfirmedPatterns, patternID)
		} else {
			u.res.PenalizedPatterns = append(u.res.PenalizedPatterns, patternID)
		}
	}
	return err
}

// falseNegative penalizes active patterns of typ that match the query but
// did not lead to typ being identified. When none exist, an inactive
// candidate pattern is synthesized from the query for curation.
func (u *unit) falseNegative(typ string) error {
	var matched []patterns.Pattern
	ok, err := u.step(feedback.AnomalyOutcomeFailed, typ, "", func(sp *gorm.DB) error {
		var err error
		matched, err = u.p.stores.Patterns.WithTx(sp).Contributing(u.ctx, u.f.Query, typ)
		return err
	})
	if !ok || err != nil {
		return err
	}
	if len(matched) > 0 {
		for i := range matched {
			if err := u.outcome(typ, matched[i].ID, false); err != nil {
				return err
			}
		}
		return nil
	}

	var all []patterns.Pattern
	ok, err = u.step(feedback.AnomalyCandidateFailed, typ, "", func(sp *gorm.DB) error {
		active := true
		var err error
		all, err = u.p.stores.Patterns.WithTx(sp).List(u.ctx, patterns.Filter{Active: &active})
		return err
	})
	if !ok || err != nil {
		return err
	}
	var (
		known    []string
		category component.Category
	)
	for i := range all {
		p := all[i]
		if p.ComponentType == typ {
			category = p.Category
			continue
		}
		if p.MatchKind == patterns.MatchPhrase {
			known = append(known, p.Signal)
			known = append(known, p.Aliases...)
		}
	}

	trigger := inferTrigger(u.f.Query, known)
	if trigger == "" {
		return u.anomaly(feedback.AnomalyNoTrigger, typ, "",
			fmt.Errorf("no trigger phrase could be inferred from %q", u.f.Query))
	}
	if category == "" {
		category = u.categoryOf(typ)
	}

	var id string
	ok, err = u.step(feedback.AnomalyCandidateFailed, typ, "", func(sp *gorm.DB) error {
		var err error
		id, err = u.p.stores.Patterns.WithTx(sp).Upsert(u.ctx, patterns.Input{
			Signal:        trigger,
			ComponentType: typ,
			Category:      category,
			Candidate:     true,
			Source:        patterns.SourceFeedback,
			ExampleQuery:  u.f.Query,
		})
		return err
	})
	if ok {
		u.res.CandidatePatterns = append(u.res.CandidatePatterns, id)
		u.p.logger.Info("candidate pattern proposed",
			zap.String("feedback_id", u.f.ID),
			zap.String("component_type", typ),
			zap.String("signal", trigger),
			zap.String("pattern_id", id),
		)
	}
	return err
}

// categoryOf copies the category of any pattern of typ, active or not,
// falling back to a guess from the type name.
func (u *unit) categoryOf(typ string) component.Category {
	var existing []patterns.Pattern
	err := u.tx.Transaction(func(sp *gorm.DB) error {
		var err error
		existing, err = u.p.stores.Patterns.WithTx(sp).List(u.ctx, patterns.Filter{ComponentType: typ, Limit: 1})
		return err
	})
	if err == nil && len(existing) > 0 {
		return existing[0].Category
	}
	return guessCategory(typ)
}

// recordPairs observes every pair of the corrected component set.
func (u *unit) recordPairs() error {
	final := finalSet(u.f)
	order := []string(u.f.ExpectedSequence)
	if len(order) == 0 {
		order = u.f.Identified.Types()
	}
	pos := make(map[string]int, len(order))
	for i, t := range order {
		if _, seen := pos[t]; !seen {
			pos[t] = i
		}
	}
	position := func(t string) int {
		if i, ok := pos[t]; ok {
			return i
		}
		return -1
	}

	obs := cooccurrence.Observation{UseCase: u.useCase(), FlowName: u.f.FlowName}
	for i := 0; i < len(final); i++ {
		for j := i + 1; j < len(final); j++ {
			a, b := final[i], final[j]
			seq := component.Observe(position(a), position(b))
			ok, err := u.step(feedback.AnomalyCoOccurrence, a+"+"+b, "", func(sp *gorm.DB) error {
				return u.p.stores.CoOccurrence.WithTx(sp).Record(u.ctx, a, b, seq, obs)
			})
			if err != nil {
				return err
			}
			if ok {
				u.res.PairsRecorded++
			}
		}
	}
	return nil
}

const useCaseLimit = 200

func (u *unit) useCase() string {
	if u.f.Intent != "" {
		return u.f.Intent
	}
	return strings.TrimSpace(component.Truncate(u.f.Query, useCaseLimit))
}

// finalSet is (identified - extra) + missing, in identified order followed
// by missing order.
func finalSet(f *feedback.Feedback) []string {
	extra := setOf(f.Extra.Types())
	seen := make(map[string]bool)
	var out []string
	for _, t := range f.Identified.Types() {
		if !extra[t] && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, t := range f.Missing.Types() {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// recordPromptUsage attributes the outcome to the prompt version that
// produced the generation.
func (u *unit) recordPromptUsage() error {
	version := strings.TrimSpace(u.f.PromptVersion)
	if version == "" {
		return nil
	}
	ok, err := u.step(feedback.AnomalyPromptUsage, "", "", func(sp *gorm.DB) error {
		return u.p.stores.Prompts.WithTx(sp).RecordUsage(u.ctx, version, u.res.Correct, u.f.Rating)
	})
	u.res.PromptUsage = ok
	return err
}

func setOf(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}

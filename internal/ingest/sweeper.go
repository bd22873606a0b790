package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/flowlearn/internal/feedback"
)

// Ingester is what the sweeper and intake drive.
type Ingester interface {
	Ingest(ctx context.Context, id string) (*Result, error)
}

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	// Schedule is a cron spec, e.g. "@every 1m".
	Schedule string
	// GracePeriod leaves fresh records to the submitter's own ingest call.
	GracePeriod time.Duration
	// StaleClaimAge is how long a record may stay in processing.
	StaleClaimAge time.Duration
	BatchSize     int
}

// Sweeper periodically ingests pending feedback and releases stale claims.
type Sweeper struct {
	cfg      SweeperConfig
	ingester Ingester
	feedback *feedback.Store
	logger   *zap.Logger
	metrics  *Metrics
	now      func() time.Time

	cron *cron.Cron

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewSweeper creates a sweeper. Start schedules it.
func NewSweeper(cfg SweeperConfig, ingester Ingester, fb *feedback.Store, logger *zap.Logger) (*Sweeper, error) {
	if ingester == nil || fb == nil {
		return nil, errors.New("ingester and feedback store are required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.StaleClaimAge <= 0 {
		cfg.StaleClaimAge = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", cfg.Schedule, err)
	}
	return &Sweeper{
		cfg:      cfg,
		ingester: ingester,
		feedback: fb,
		logger:   logger,
		metrics:  NewMetrics(),
		now:      func() time.Time { return time.Now().UTC() },
		cron:     cron.New(),
	}, nil
}

// Start schedules the sweep. It returns immediately.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("sweeper already started")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	if _, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.Sweep(s.ctx); err != nil {
			s.logger.Error("feedback sweep failed", zap.Error(err))
		}
	}); err != nil {
		s.cancel()
		return fmt.Errorf("scheduling sweep: %w", err)
	}
	s.cron.Start()
	s.started = true
	s.logger.Info("feedback sweeper started", zap.String("schedule", s.cfg.Schedule))
	return nil
}

// Stop cancels a running sweep and waits for it to return.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.cancel()
	<-s.cron.Stop().Done()
	s.started = false
	s.logger.Info("feedback sweeper stopped")
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Ingested      int `json:"ingested"`
	Failed        int `json:"failed"`
	StaleReleased int `json:"stale_released"`
}

// Sweep releases stale claims, then ingests pending records older than the
// grace period. Individual ingest failures are logged and counted; the
// error is set only when the store cannot be queried.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := s.now()

	stale, err := s.feedback.ReleaseStale(ctx, now.Add(-s.cfg.StaleClaimAge), s.cfg.BatchSize)
	if err != nil {
		s.metrics.SweepRunsTotal.WithLabelValues("error").Inc()
		return report, err
	}
	for _, f := range stale {
		report.StaleReleased++
		s.metrics.StaleClaimsTotal.Inc()
		claimedAt := ""
		if f.ClaimedAt != nil {
			claimedAt = f.ClaimedAt.Format(time.RFC3339)
		}
		if err := s.feedback.RecordAnomaly(ctx, feedback.Anomaly{
			FeedbackID: f.ID,
			Kind:       feedback.AnomalyStaleClaim,
			Message:    fmt.Sprintf("claim held since %s was released for retry", claimedAt),
		}); err != nil {
			s.logger.Warn("recording stale claim", zap.String("feedback_id", f.ID), zap.Error(err))
		}
	}

	ids, err := s.feedback.ListPending(ctx, now.Add(-s.cfg.GracePeriod), s.cfg.BatchSize)
	if err != nil {
		s.metrics.SweepRunsTotal.WithLabelValues("error").Inc()
		return report, err
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.ingester.Ingest(ctx, id); err != nil {
			if !errors.Is(err, feedback.ErrClaimed) {
				report.Failed++
				s.logger.Warn("sweep ingest failed", zap.String("feedback_id", id), zap.Error(err))
			}
			continue
		}
		report.Ingested++
	}

	s.metrics.SweepRunsTotal.WithLabelValues("ok").Inc()
	if report != (SweepReport{}) {
		s.logger.Info("feedback sweep completed",
			zap.Int("ingested", report.Ingested),
			zap.Int("failed", report.Failed),
			zap.Int("stale_released", report.StaleReleased),
		)
	}
	return report, ctx.Err()
}

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fyrsmithlabs/flowlearn/internal/config"
	"github.com/fyrsmithlabs/flowlearn/internal/cooccurrence"
	"github.com/fyrsmithlabs/flowlearn/internal/embeddings"
	"github.com/fyrsmithlabs/flowlearn/internal/feedback"
	httpapi "github.com/fyrsmithlabs/flowlearn/internal/http"
	"github.com/fyrsmithlabs/flowlearn/internal/ingest"
	"github.com/fyrsmithlabs/flowlearn/internal/lock"
	"github.com/fyrsmithlabs/flowlearn/internal/logging"
	mcpserver "github.com/fyrsmithlabs/flowlearn/internal/mcp"
	"github.com/fyrsmithlabs/flowlearn/internal/patterns"
	"github.com/fyrsmithlabs/flowlearn/internal/prompts"
	"github.com/fyrsmithlabs/flowlearn/internal/retrieval"
	"github.com/fyrsmithlabs/flowlearn/internal/secrets"
	"github.com/fyrsmithlabs/flowlearn/internal/seed"
	"github.com/fyrsmithlabs/flowlearn/internal/storage"
	"github.com/fyrsmithlabs/flowlearn/internal/telemetry"
	"github.com/fyrsmithlabs/flowlearn/internal/training"
	"github.com/fyrsmithlabs/flowlearn/internal/vectorstore"
)

// app holds every wired component and the cleanups to run on exit, in
// reverse order of acquisition.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	zl     *zap.Logger

	db        *gorm.DB
	telemetry *telemetry.Telemetry
	embedder  embeddings.Provider
	index     vectorstore.Index
	locker    lock.Locker

	feedback  *feedback.Store
	patterns  *patterns.Store
	training  *training.Store
	cooc      *cooccurrence.Store
	prompts   *prompts.Registry
	pipeline  *ingest.Pipeline
	retrieval *retrieval.Service

	closers []func()
}

func allModels() []interface{} {
	var models []interface{}
	models = append(models, patterns.Models()...)
	models = append(models, training.Models()...)
	models = append(models, cooccurrence.Models()...)
	models = append(models, feedback.Models()...)
	models = append(models, prompts.Models()...)
	return models
}

// newApp builds the logger, storage and domain services. stdio keeps
// stdout free for the MCP protocol.
func newApp(ctx context.Context, cfg *config.Config, stdio bool) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logging config: %w", err)
	}
	if stdio {
		logCfg.Output.Stdout = false
		logCfg.Output.Stderr = true
	}
	a.logger, err = logging.NewLogger(logCfg, global.GetLoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.zl = a.logger.Underlying()
	a.onClose(func() { _ = a.logger.Sync() })

	a.logger.Info(ctx, "starting flowlearn",
		zap.String("version", version),
		zap.String("database", cfg.Database.Driver),
		zap.String("claim_mode", cfg.Ingest.ClaimMode),
		zap.String("embeddings", cfg.Embeddings.Provider))

	a.telemetry, err = telemetry.New(ctx, telemetry.FromObservability(cfg.Observability, version), a.zl)
	if err != nil {
		return nil, err
	}
	a.onClose(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := a.telemetry.Shutdown(shutdownCtx); err != nil {
			a.zl.Warn("telemetry shutdown", zap.Error(err))
		}
	})

	a.db, err = storage.Open(cfg.Database, a.zl)
	if err != nil {
		return nil, err
	}
	a.onClose(func() { _ = storage.Close(a.db) })
	if err := storage.Migrate(a.db, allModels()...); err != nil {
		return nil, err
	}

	if err := a.initSemantic(ctx); err != nil {
		return nil, err
	}
	if err := a.initLocker(ctx); err != nil {
		return nil, err
	}
	if err := a.initStores(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Close runs the registered cleanups in reverse order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// initSemantic sets up the embedding provider and pattern index. Both are
// optional; without them suggestions use lexical and regex matching.
func (a *app) initSemantic(ctx context.Context) error {
	provider, err := embeddings.NewProvider(a.cfg.Embeddings, a.zl)
	if err != nil {
		return fmt.Errorf("failed to create embedding provider: %w", err)
	}
	if provider == nil {
		return nil
	}
	a.embedder = provider
	a.onClose(func() { _ = provider.Close() })

	vcfg := a.cfg.VectorStore
	if dim := provider.Dimension(); dim > 0 {
		vcfg.VectorSize = dim
	}
	a.index, err = vectorstore.New(ctx, vcfg, a.zl)
	if err != nil {
		return fmt.Errorf("failed to create vector store: %w", err)
	}
	a.onClose(func() { _ = a.index.Close() })

	a.logger.Info(ctx, "semantic matching enabled",
		zap.String("provider", a.cfg.Embeddings.Provider),
		zap.String("model", a.cfg.Embeddings.Model),
		zap.String("vectorstore", vcfg.Provider),
		zap.Int("vector_size", vcfg.VectorSize))
	return nil
}

// initLocker picks the per-key lock: redis when enabled, otherwise an
// in-process lock, which only serializes a single replica.
func (a *app) initLocker(ctx context.Context) error {
	if !a.cfg.Redis.Enabled {
		a.locker = lock.NewLocal()
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password.Value(),
		DB:       a.cfg.Redis.DB,
	})
	a.onClose(func() { _ = client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis at %s: %w", a.cfg.Redis.Addr, err)
	}

	rl, err := lock.NewRedis(client, a.cfg.Redis.LockTTL.Duration(), a.zl)
	if err != nil {
		return err
	}
	a.locker = rl
	a.logger.Info(ctx, "connected to redis", zap.String("addr", a.cfg.Redis.Addr))
	return nil
}

func (a *app) initStores() error {
	l := a.cfg.Learning

	scrubber, err := secrets.New(a.cfg.Secrets.Scrub, a.cfg.Secrets.AllowRegexes)
	if err != nil {
		return fmt.Errorf("failed to create scrubber: %w", err)
	}
	if a.feedback, err = feedback.NewStore(a.db, scrubber, a.zl); err != nil {
		return err
	}

	opts := []patterns.Option{
		patterns.WithConfidencePrior(l.ConfidencePrior),
		patterns.WithPlatformBoost(l.PlatformBoost),
		patterns.WithLocker(a.locker),
	}
	if a.embedder != nil {
		opts = append(opts, patterns.WithSemanticIndex(a.index, a.embedder, l.SemanticThreshold))
	}
	if a.patterns, err = patterns.NewStore(a.db, a.zl, opts...); err != nil {
		return err
	}
	if a.training, err = training.NewStore(a.db, a.zl); err != nil {
		return err
	}
	if a.cooc, err = cooccurrence.NewStore(a.db, l.CoOccurrenceEvidence, a.zl); err != nil {
		return err
	}
	if a.prompts, err = prompts.NewRegistry(a.db, a.zl); err != nil {
		return err
	}

	a.pipeline, err = ingest.New(a.db, ingest.Stores{
		Feedback:     a.feedback,
		Patterns:     a.patterns,
		Training:     a.training,
		CoOccurrence: a.cooc,
		Prompts:      a.prompts,
	}, ingest.Options{
		ClaimMode:            ingest.ClaimMode(a.cfg.Ingest.ClaimMode),
		Locker:               a.locker,
		AutoApproveMinRating: l.AutoApproveMinRating,
		ConfidencePrior:      l.ConfidencePrior,
	}, a.zl)
	if err != nil {
		return err
	}

	var embedder vectorstore.Embedder
	if a.embedder != nil {
		embedder = a.embedder
	}
	a.retrieval, err = retrieval.New(a.patterns, a.cooc, a.training, embedder, retrieval.Config{
		EmbedTimeout:           l.EmbedTimeout.Duration(),
		CompanionMinConfidence: l.CompanionMinConfidence,
		MaxCompanions:          l.MaxCompanions,
	}, a.zl)
	return err
}

// loadSeeds applies the configured seed files and, when watching, keeps
// them applied as they change. It also rebuilds the semantic index, which
// may be in-memory.
func (a *app) loadSeeds(ctx context.Context) error {
	if path := a.cfg.Seeds.Path; path != "" {
		loader, err := seed.NewLoader(a.patterns, a.zl)
		if err != nil {
			return err
		}
		rep, err := loader.ApplyPath(ctx, path)
		if err != nil {
			return fmt.Errorf("loading seeds from %s: %w", path, err)
		}
		a.logger.Info(ctx, "seed patterns applied",
			zap.Int("files", rep.Files),
			zap.Int("applied", rep.Applied),
			zap.Int("failed", len(rep.Failed)))
		for _, f := range rep.Failed {
			a.logger.Warn(ctx, "seed entry rejected", zap.Error(f))
		}

		if a.cfg.Seeds.Watch {
			w, err := seed.NewWatcher(loader, path, seed.DefaultDebounce, a.zl)
			if err != nil {
				return err
			}
			if err := w.Start(ctx); err != nil {
				return fmt.Errorf("watching seeds: %w", err)
			}
			a.onClose(w.Stop)
		}
	}

	n, err := a.patterns.ReindexAll(ctx)
	if err != nil {
		// Matching degrades to lexical until patterns are re-indexed.
		a.logger.Warn(ctx, "semantic index rebuild failed", zap.Error(err))
		return nil
	}
	if n > 0 {
		a.logger.Info(ctx, "semantic index rebuilt", zap.Int("patterns", n))
	}
	return nil
}

// startBackground starts the sweep scheduler and, when enabled, the NATS
// feedback intake.
func (a *app) startBackground(ctx context.Context) error {
	sweeper, err := ingest.NewSweeper(ingest.SweeperConfig{
		Schedule:      a.cfg.Ingest.SweepSchedule,
		GracePeriod:   a.cfg.Ingest.GracePeriod.Duration(),
		StaleClaimAge: a.cfg.Ingest.StaleClaimAge.Duration(),
		BatchSize:     a.cfg.Ingest.BatchSize,
	}, a.pipeline, a.feedback, a.zl)
	if err != nil {
		return err
	}
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	a.onClose(sweeper.Stop)

	if !a.cfg.NATS.Enabled {
		return nil
	}
	nc, err := nats.Connect(a.cfg.NATS.URL,
		nats.Name("flowlearnd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", a.cfg.NATS.URL, err)
	}
	a.onClose(nc.Close)

	intake, err := ingest.NewIntake(nc, a.cfg.NATS.Subject, a.cfg.NATS.Queue, a.feedback, a.pipeline, a.zl)
	if err != nil {
		return err
	}
	if err := intake.Start(ctx); err != nil {
		return err
	}
	a.onClose(func() {
		if err := intake.Stop(); err != nil {
			a.zl.Warn("nats intake stop", zap.Error(err))
		}
	})
	a.logger.Info(ctx, "feedback intake subscribed",
		zap.String("url", a.cfg.NATS.URL),
		zap.String("subject", a.cfg.NATS.Subject))
	return nil
}

func (a *app) ping(ctx context.Context) error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (a *app) httpServer() (*httpapi.Server, error) {
	return httpapi.NewServer(httpapi.Services{
		Retrieval:    a.retrieval,
		Patterns:     a.patterns,
		Training:     a.training,
		CoOccurrence: a.cooc,
		Feedback:     a.feedback,
		Prompts:      a.prompts,
		Ingest:       a.pipeline,
		Ping:         a.ping,
	}, a.zl, &httpapi.Config{
		Host: a.cfg.Server.Host,
		Port: a.cfg.Server.Port,
	})
}

func (a *app) mcpServer() (*mcpserver.Server, error) {
	return mcpserver.NewServer(&mcpserver.Config{
		Name:    "flowlearn",
		Version: version,
		Logger:  a.zl,
	}, mcpserver.Services{
		Retrieval: a.retrieval,
		Patterns:  a.patterns,
		Training:  a.training,
		Feedback:  a.feedback,
		Prompts:   a.prompts,
		Ingest:    a.pipeline,
	})
}

// Package config provides configuration loading for flowlearn.
//
// Configuration is read from an optional YAML file and overlaid with
// FLOWLEARN_* environment variables. Defaults are applied after both
// sources are merged.
package config

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/robfig/cron/v3"
)

// Config holds the complete flowlearn configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Database      DatabaseConfig      `koanf:"database"`
	Observability ObservabilityConfig `koanf:"observability"`
	Logging       LoggingConfig       `koanf:"logging"`
	Learning      LearningConfig      `koanf:"learning"`
	Ingest        IngestConfig        `koanf:"ingest"`
	Embeddings    EmbeddingsConfig    `koanf:"embeddings"`
	VectorStore   VectorStoreConfig   `koanf:"vectorstore"`
	NATS          NATSConfig          `koanf:"nats"`
	Redis         RedisConfig         `koanf:"redis"`
	Seeds         SeedsConfig         `koanf:"seeds"`
	Secrets       SecretsConfig       `koanf:"secrets"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int      `koanf:"http_port"`
	Host            string   `koanf:"http_host"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// DatabaseConfig selects the relational store backing every module.
type DatabaseConfig struct {
	Driver       string `koanf:"driver"` // sqlite or postgres
	DSN          Secret `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	LogQueries   bool   `koanf:"log_queries"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool    `koanf:"enable_telemetry"`
	ServiceName     string  `koanf:"service_name"`
	Endpoint        string  `koanf:"endpoint"`
	Protocol        string  `koanf:"protocol"` // grpc or http
	Insecure        bool    `koanf:"insecure"`
	SamplingRate    float64 `koanf:"sampling_rate"`
}

// LoggingConfig holds the subset of logging settings exposed through the
// config file; the full logging.Config is derived from it at startup.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// LearningConfig holds the constants that shape scoring and promotion.
type LearningConfig struct {
	// ConfidencePrior is the confidence assigned to patterns with no observations.
	ConfidencePrior float64 `koanf:"confidence_prior"`

	// AutoApproveMinRating is the minimum quality rating (1-5) at which a
	// correct example is approved for training automatically. 0 disables.
	AutoApproveMinRating int `koanf:"auto_approve_min_rating"`

	// CoOccurrenceEvidence is k in times_together / (times_together + k).
	CoOccurrenceEvidence float64 `koanf:"cooccurrence_evidence"`

	CompanionMinConfidence float64  `koanf:"companion_min_confidence"`
	MaxCompanions          int      `koanf:"max_companions"`
	SemanticThreshold      float64  `koanf:"semantic_threshold"`
	EmbedTimeout           Duration `koanf:"embed_timeout"`
	PlatformBoost          float64  `koanf:"platform_boost"`
}

// IngestConfig holds feedback ingestion settings.
type IngestConfig struct {
	ClaimMode     string   `koanf:"claim_mode"` // conditional or lock
	SweepSchedule string   `koanf:"sweep_schedule"`
	GracePeriod   Duration `koanf:"grace_period"`
	StaleClaimAge Duration `koanf:"stale_claim_age"`
	BatchSize     int      `koanf:"batch_size"`
}

// EmbeddingsConfig selects the provider used for semantic matching.
type EmbeddingsConfig struct {
	Provider  string  `koanf:"provider"` // none, tei or fastembed
	BaseURL   string  `koanf:"base_url"`
	Model     string  `koanf:"model"`
	CacheDir  string  `koanf:"cache_dir"`
	RateLimit float64 `koanf:"rate_limit"` // requests per second, 0 = unlimited
	Burst     int     `koanf:"burst"`
}

// VectorStoreConfig selects the semantic index backend.
type VectorStoreConfig struct {
	Provider   string `koanf:"provider"` // chromem or qdrant
	Path       string `koanf:"path"`     // chromem persistence dir, empty = in-memory
	Compress   bool   `koanf:"compress"`
	Collection string `koanf:"collection"`
	QdrantHost string `koanf:"qdrant_host"`
	QdrantPort int    `koanf:"qdrant_port"`
	QdrantTLS  bool   `koanf:"qdrant_tls"`
	VectorSize int    `koanf:"vector_size"`
}

// NATSConfig configures the feedback intake subscriber.
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
	Subject string `koanf:"subject"`
	Queue   string `koanf:"queue"`
}

// RedisConfig configures the distributed lock used in lock claim mode.
type RedisConfig struct {
	Enabled  bool     `koanf:"enabled"`
	Addr     string   `koanf:"addr"`
	Password Secret   `koanf:"password"`
	DB       int      `koanf:"db"`
	LockTTL  Duration `koanf:"lock_ttl"`
}

// SeedsConfig points at the curated seed pattern file.
type SeedsConfig struct {
	Path  string `koanf:"path"`
	Watch bool   `koanf:"watch"`
}

// SecretsConfig toggles scrubbing of free text before persistence.
type SecretsConfig struct {
	Scrub bool `koanf:"scrub"`

	// AllowRegexes are matches gitleaks must not report, e.g. sample keys
	// used in documentation.
	AllowRegexes []string `koanf:"allow_regexes"`
}

var (
	validDrivers            = map[string]bool{"sqlite": true, "postgres": true}
	validEmbedProviders     = map[string]bool{"none": true, "tei": true, "fastembed": true}
	validVectorProviders    = map[string]bool{"chromem": true, "qdrant": true}
	validClaimModes         = map[string]bool{"conditional": true, "lock": true}
	validTelemetryProtocols = map[string]bool{"grpc": true, "http": true}
)

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d", c.Server.Port))
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("server shutdown_timeout must be positive"))
	}
	if !validDrivers[c.Database.Driver] {
		errs = append(errs, fmt.Errorf("unknown database driver %q", c.Database.Driver))
	}
	if !c.Database.DSN.IsSet() {
		errs = append(errs, errors.New("database dsn is required"))
	}
	if c.Observability.EnableTelemetry && !validTelemetryProtocols[c.Observability.Protocol] {
		errs = append(errs, fmt.Errorf("unknown telemetry protocol %q", c.Observability.Protocol))
	}

	l := c.Learning
	if l.ConfidencePrior < 0 || l.ConfidencePrior > 1 {
		errs = append(errs, fmt.Errorf("learning confidence_prior must be in [0,1], got %v", l.ConfidencePrior))
	}
	if l.AutoApproveMinRating < 0 || l.AutoApproveMinRating > 5 {
		errs = append(errs, fmt.Errorf("learning auto_approve_min_rating must be in [0,5], got %d", l.AutoApproveMinRating))
	}
	if l.CoOccurrenceEvidence <= 0 {
		errs = append(errs, errors.New("learning cooccurrence_evidence must be positive"))
	}
	if l.CompanionMinConfidence < 0 || l.CompanionMinConfidence > 1 {
		errs = append(errs, fmt.Errorf("learning companion_min_confidence must be in [0,1], got %v", l.CompanionMinConfidence))
	}
	if l.SemanticThreshold < 0 || l.SemanticThreshold > 1 {
		errs = append(errs, fmt.Errorf("learning semantic_threshold must be in [0,1], got %v", l.SemanticThreshold))
	}
	if l.PlatformBoost < 1 {
		errs = append(errs, fmt.Errorf("learning platform_boost must be >= 1, got %v", l.PlatformBoost))
	}

	if !validClaimModes[c.Ingest.ClaimMode] {
		errs = append(errs, fmt.Errorf("unknown ingest claim_mode %q", c.Ingest.ClaimMode))
	}
	if _, err := cron.ParseStandard(c.Ingest.SweepSchedule); err != nil {
		errs = append(errs, fmt.Errorf("invalid ingest sweep_schedule %q: %w", c.Ingest.SweepSchedule, err))
	}
	if c.Ingest.BatchSize <= 0 {
		errs = append(errs, errors.New("ingest batch_size must be positive"))
	}
	if !validEmbedProviders[c.Embeddings.Provider] {
		errs = append(errs, fmt.Errorf("unknown embeddings provider %q", c.Embeddings.Provider))
	}
	if c.Embeddings.RateLimit < 0 {
		errs = append(errs, errors.New("embeddings rate_limit must not be negative"))
	}
	if !validVectorProviders[c.VectorStore.Provider] {
		errs = append(errs, fmt.Errorf("unknown vectorstore provider %q", c.VectorStore.Provider))
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats url is required when nats is enabled"))
	}
	if c.Seeds.Watch && c.Seeds.Path == "" {
		errs = append(errs, errors.New("seeds path is required when watch is enabled"))
	}
	for _, expr := range c.Secrets.AllowRegexes {
		if _, err := regexp.Compile(expr); err != nil {
			errs = append(errs, fmt.Errorf("invalid secrets allow regex %q: %w", expr, err))
		}
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis addr is required when redis is enabled"))
	}
	if c.Ingest.ClaimMode == "lock" && c.Redis.Enabled && c.Redis.LockTTL.Duration() <= 0 {
		errs = append(errs, errors.New("redis lock_ttl must be positive"))
	}

	return errors.Join(errs...)
}


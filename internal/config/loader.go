package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix is stripped from environment variables before mapping.
	EnvPrefix = "FLOWLEARN_"

	maxConfigFileSize = 1024 * 1024 // 1MB
)

// Default returns the configuration used when neither file nor environment
// provide a value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8686,
			Host:            "0.0.0.0",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Database: DatabaseConfig{
			Driver:       "sqlite",
			DSN:          Secret("flowlearn.db?_busy_timeout=5000&_journal_mode=WAL"),
			MaxOpenConns: 1,
		},
		Observability: ObservabilityConfig{
			EnableTelemetry: false,
			ServiceName:     "flowlearn",
			Endpoint:        "localhost:4317",
			Protocol:        "grpc",
			Insecure:        true,
			SamplingRate:    1.0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Learning: LearningConfig{
			ConfidencePrior:        0.5,
			AutoApproveMinRating:   4,
			CoOccurrenceEvidence:   2,
			CompanionMinConfidence: 0.3,
			MaxCompanions:          3,
			SemanticThreshold:      0.75,
			EmbedTimeout:           Duration(2 * time.Second),
			PlatformBoost:          1.1,
		},
		Ingest: IngestConfig{
			ClaimMode:     "conditional",
			SweepSchedule: "@every 1m",
			GracePeriod:   Duration(30 * time.Second),
			StaleClaimAge: Duration(10 * time.Minute),
			BatchSize:     50,
		},
		Embeddings: EmbeddingsConfig{
			Provider: "none",
			BaseURL:  "http://localhost:8080",
			Model:    "BAAI/bge-small-en-v1.5",
			Burst:    1,
		},
		VectorStore: VectorStoreConfig{
			Provider:   "chromem",
			Compress:   true,
			Collection: "flowlearn_patterns",
			QdrantHost: "localhost",
			QdrantPort: 6334,
			VectorSize: 384,
		},
		NATS: NATSConfig{
			URL:     "nats://localhost:4222",
			Subject: "flowlearn.feedback",
			Queue:   "flowlearn-ingest",
		},
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			LockTTL: Duration(30 * time.Second),
		},
		Secrets: SecretsConfig{
			Scrub: true,
		},
	}
}

// Load reads configuration from the YAML file at path (skipped when empty
// or missing) and then overlays FLOWLEARN_* environment variables.
//
// Environment variables map onto keys by splitting on the first underscore
// after the prefix:
//
//	FLOWLEARN_SERVER_HTTP_PORT      -> server.http_port
//	FLOWLEARN_LEARNING_MAX_COMPANIONS -> learning.max_companions
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		if content != nil {
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("loading config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envKey maps FLOWLEARN_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// readConfigFile returns nil content when the file does not exist.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return content, nil
}

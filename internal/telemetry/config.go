// Package telemetry wires OpenTelemetry tracing and metrics for flowlearn.
package telemetry

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/flowlearn/internal/config"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	Endpoint       string
	Protocol       string // grpc or http
	ServiceName    string
	ServiceVersion string
	Insecure       bool
	SamplingRate   float64
	ExportInterval time.Duration
	ShutdownWait   time.Duration
}

// FromObservability derives a telemetry Config from the service config.
func FromObservability(o config.ObservabilityConfig, version string) *Config {
	return &Config{
		Enabled:        o.EnableTelemetry,
		Endpoint:       o.Endpoint,
		Protocol:       o.Protocol,
		ServiceName:    o.ServiceName,
		ServiceVersion: version,
		Insecure:       o.Insecure,
		SamplingRate:   o.SamplingRate,
		ExportInterval: 15 * time.Second,
		ShutdownWait:   5 * time.Second,
	}
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required when telemetry is enabled")
	}
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required when telemetry is enabled")
	}
	if c.Protocol != "grpc" && c.Protocol != "http" {
		return fmt.Errorf("protocol must be grpc or http, got %q", c.Protocol)
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("sampling rate must be in [0,1], got %v", c.SamplingRate)
	}
	if c.ExportInterval <= 0 {
		return fmt.Errorf("export interval must be positive")
	}
	return nil
}

package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/flowlearn/internal/feedback"
	"github.com/fyrsmithlabs/flowlearn/internal/ingest"
	"github.com/fyrsmithlabs/flowlearn/internal/patterns"
	"github.com/fyrsmithlabs/flowlearn/internal/prompts"
	"github.com/fyrsmithlabs/flowlearn/internal/retrieval"
	"github.com/fyrsmithlabs/flowlearn/internal/training"
)

// Services are the modules the tools call.
type Services struct {
	Retrieval *retrieval.Service
	Patterns  *patterns.Store
	Training  *training.Store
	Feedback  *feedback.Store
	Prompts   *prompts.Registry
	Ingest    ingest.Ingester
}

// Server is the flowlearn MCP server.
type Server struct {
	mcp          *mcp.Server
	svc          Services
	toolRegistry *ToolRegistry
	metrics      *Metrics
	logger       *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "flowlearn")
	Name string

	// Version is the server version (default: "1.0.0")
	Version string

	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "flowlearn",
		Version: "1.0.0",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates a new MCP server over svc.
func NewServer(cfg *Config, svc Services) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	switch {
	case svc.Retrieval == nil:
		return nil, errors.New("retrieval service is required")
	case svc.Patterns == nil:
		return nil, errors.New("pattern store is required")
	case svc.Training == nil:
		return nil, errors.New("training store is required")
	case svc.Feedback == nil:
		return nil, errors.New("feedback store is required")
	case svc.Prompts == nil:
		return nil, errors.New("prompt registry is required")
	case svc.Ingest == nil:
		return nil, errors.New("ingester is required")
	}

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		svc:          svc,
		toolRegistry: NewToolRegistry(),
		metrics:      NewMetrics(cfg.Logger),
		logger:       cfg.Logger,
	}
	s.registerTools()
	return s, nil
}

// Run serves the stdio transport until ctx is done or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport", zap.Int("tools", s.toolRegistry.Count()))
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

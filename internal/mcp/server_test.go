package mcp

import (
	"context"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/flowlearn/internal/component"
	"github.com/fyrsmithlabs/flowlearn/internal/cooccurrence"
	"github.com/fyrsmithlabs/flowlearn/internal/feedback"
	"github.com/fyrsmithlabs/flowlearn/internal/ingest"
	"github.com/fyrsmithlabs/flowlearn/internal/patterns"
	"github.com/fyrsmithlabs/flowlearn/internal/prompts"
	"github.com/fyrsmithlabs/flowlearn/internal/retrieval"
	"github.com/fyrsmithlabs/flowlearn/internal/storage"
	"github.com/fyrsmithlabs/flowlearn/internal/training"
)

func testServices(t *testing.T) Services {
	t.Helper()
	var models []interface{}
	models = append(models, patterns.Models()...)
	models = append(models, training.Models()...)
	models = append(models, cooccurrence.Models()...)
	models = append(models, feedback.Models()...)
	models = append(models, prompts.Models()...)
	db := storage.NewTestDB(t, models...)

	fb, err := feedback.NewStore(db, nil, nil)
	require.NoError(t, err)
	ps, err := patterns.NewStore(db, nil)
	require.NoError(t, err)
	ts, err := training.NewStore(db, nil)
	require.NoError(t, err)
	cs, err := cooccurrence.NewStore(db, cooccurrence.DefaultEvidence, nil)
	require.NoError(t, err)
	pr, err := prompts.NewRegistry(db, nil)
	require.NoError(t, err)

	pipeline, err := ingest.New(db, ingest.Stores{
		Feedback: fb, Patterns: ps, Training: ts, CoOccurrence: cs, Prompts: pr,
	}, ingest.Options{AutoApproveMinRating: 4}, nil)
	require.NoError(t, err)
	rs, err := retrieval.New(ps, cs, ts, nil, retrieval.Config{}, nil)
	require.NoError(t, err)

	return Services{
		Retrieval: rs,
		Patterns:  ps,
		Training:  ts,
		Feedback:  fb,
		Prompts:   pr,
		Ingest:    pipeline,
	}
}

func setupTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := NewServer(&Config{Name: "flowlearn-test", Version: "test", Logger: zap.NewNop()}, testServices(t))
	require.NoError(t, err)
	return s
}

func (s *Server) seedPattern(t *testing.T, signal, typ string) string {
	t.Helper()
	id, err := s.svc.Patterns.Upsert(context.Background(), patterns.Input{
		Signal: signal, ComponentType: typ, Category: component.CategorySourceAdapter,
		Active: true, TimesMatched: 10, TimesCorrect: 9,
	})
	require.NoError(t, err)
	return id
}

func TestNewServer_RequiresServices(t *testing.T) {
	svc := testServices(t)

	missing := svc
	missing.Retrieval = nil
	_, err := NewServer(nil, missing)
	assert.ErrorContains(t, err, "retrieval service is required")

	missing = svc
	missing.Ingest = nil
	_, err = NewServer(nil, missing)
	assert.ErrorContains(t, err, "ingester is required")

	s, err := NewServer(nil, svc)
	require.NoError(t, err)
	assert.Equal(t, 7, s.toolRegistry.Count())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "flowlearn", cfg.Name)
	assert.Equal(t, "1.0.0", cfg.Version)
	assert.NotNil(t, cfg.Logger)
}

func TestSuggestComponents(t *testing.T) {
	s := setupTestServer(t)
	id := s.seedPattern(t, "poll sftp", "SFTPAdapter")
	ctx := context.Background()

	out, err := s.suggestComponents(ctx, suggestInput{Query: "Poll SFTP every hour"})
	require.NoError(t, err)
	require.Len(t, out.Suggestions, 1)
	assert.Equal(t, "SFTPAdapter", out.Suggestions[0].ComponentType)
	assert.Equal(t, []string{id}, out.Suggestions[0].ProvenancePatternIDs)

	out, err = s.suggestComponents(ctx, suggestInput{Query: "nothing relevant"})
	require.NoError(t, err)
	assert.NotNil(t, out.Suggestions)
	assert.Empty(t, out.Suggestions)

	_, err = s.suggestComponents(ctx, suggestInput{Query: "  "})
	assert.ErrorIs(t, err, retrieval.ErrEmptyQuery)
}

func TestSubmitFeedback_IngestAndCurate(t *testing.T) {
	s := setupTestServer(t)
	id := s.seedPattern(t, "poll sftp", "SFTPAdapter")
	ctx := context.Background()

	rating := 3
	queued, err := s.submitFeedback(ctx, feedbackInput{
		JobID:      "job-queued",
		Query:      "Poll SFTP",
		Identified: []component.Ref{{Type: "SFTPAdapter"}},
		Type:       string(feedback.TypeCorrect),
		Rating:     &rating,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, queued.FeedbackID)
	assert.False(t, queued.Processed)
	assert.Nil(t, queued.Result)

	_, err = s.submitFeedback(ctx, feedbackInput{Query: "Poll SFTP", Type: "great"})
	assert.ErrorIs(t, err, feedback.ErrInvalidFeedback)

	out, err := s.submitFeedback(ctx, feedbackInput{
		JobID:      "job-now",
		Query:      "Poll SFTP every 5 minutes",
		Identified: []component.Ref{{Type: "SFTPAdapter"}},
		Type:       string(feedback.TypeCorrect),
		Rating:     &rating,
		Ingest:     true,
	})
	require.NoError(t, err)
	require.True(t, out.Processed)
	require.NotNil(t, out.Result)
	assert.Equal(t, []string{id}, out.Result.ConfirmedPatterns)
	assert.False(t, out.Result.Approved, "rating below the auto-approve threshold")

	t.Run("approve example", func(t *testing.T) {
		weight := 2.0
		approved, err := s.approveExample(ctx, approveInput{ExampleID: out.Result.ExampleID, Weight: &weight})
		require.NoError(t, err)
		assert.True(t, approved.Approved)
		assert.Equal(t, 2.0, approved.Weight)

		block, err := s.buildFewShot(ctx, fewShotInput{Query: "sftp", K: 2})
		require.NoError(t, err)
		require.Len(t, block.Examples, 1)
		assert.Contains(t, block.Prompt, "Components: SFTPAdapter")

		_, err = s.approveExample(ctx, approveInput{})
		assert.ErrorIs(t, err, errInvalidArgument)
		_, err = s.approveExample(ctx, approveInput{ExampleID: "missing"})
		assert.ErrorIs(t, err, training.ErrExampleNotFound)
	})

	t.Run("retire pattern", func(t *testing.T) {
		p, err := s.setPatternActive(ctx, patternActiveInput{PatternID: id, Active: false})
		require.NoError(t, err)
		assert.False(t, p.Active)
		assert.Equal(t, int64(11), p.TimesMatched)

		res, err := s.suggestComponents(ctx, suggestInput{Query: "Poll SFTP"})
		require.NoError(t, err)
		assert.Empty(t, res.Suggestions)
	})
}

func TestActivatePrompt(t *testing.T) {
	s := setupTestServer(t)
	ctx := context.Background()
	_, err := s.svc.Prompts.Create(ctx, prompts.CreateInput{Version: "v1", Template: "Identify components in {{.Query}}"})
	require.NoError(t, err)

	out, err := s.activatePrompt(ctx, promptActivateInput{Version: "v1"})
	require.NoError(t, err)
	assert.True(t, out.Active)
	assert.Equal(t, string(prompts.StatusActive), out.Status)

	_, err = s.activatePrompt(ctx, promptActivateInput{Version: "v9"})
	assert.ErrorIs(t, err, prompts.ErrVersionNotFound)
}

func TestSearchTools(t *testing.T) {
	s := setupTestServer(t)
	ctx := context.Background()

	out, err := s.searchTools(ctx, toolSearchInput{Query: "component_suggest"})
	require.NoError(t, err)
	require.NotEmpty(t, out.Results)
	assert.Equal(t, "component_suggest", out.Results[0].Tool.Name)
	assert.Equal(t, 3, out.Results[0].Score)

	out, err = s.searchTools(ctx, toolSearchInput{Query: "approve", Category: string(CategoryCuration)})
	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	assert.Equal(t, "example_approve", out.Results[0].Tool.Name)

	out, err = s.searchTools(ctx, toolSearchInput{Query: "zzz"})
	require.NoError(t, err)
	assert.NotNil(t, out.Results)
	assert.Empty(t, out.Results)

	_, err = s.searchTools(ctx, toolSearchInput{})
	assert.ErrorIs(t, err, errInvalidArgument)
}

func TestServer_OverInMemoryTransport(t *testing.T) {
	s := setupTestServer(t)
	s.seedPattern(t, "poll sftp", "SFTPAdapter")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	ss, err := s.mcp.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	defer ss.Close()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "test"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	defer cs.Close()

	tools, err := cs.ListTools(ctx, &mcp.ListToolsParams{})
	require.NoError(t, err)
	names := make([]string, 0, len(tools.Tools))
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"component_suggest", "fewshot_build", "feedback_submit",
		"pattern_set_active", "example_approve", "prompt_activate", "tool_search",
	}, names)

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      "component_suggest",
		Arguments: map[string]any{"query": "Poll SFTP"},
	})
	require.NoError(t, err)
	assert.False(t, res.IsError)

	res, err = cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      "pattern_set_active",
		Arguments: map[string]any{"pattern_id": "missing", "active": true},
	})
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/flowlearn/internal/component"
	"github.com/fyrsmithlabs/flowlearn/internal/feedback"
	"github.com/fyrsmithlabs/flowlearn/internal/ingest"
	"github.com/fyrsmithlabs/flowlearn/internal/patterns"
	"github.com/fyrsmithlabs/flowlearn/internal/retrieval"
	"github.com/fyrsmithlabs/flowlearn/internal/training"
)

var errInvalidArgument = errors.New("invalid argument")

// instrument wraps a tool body with invocation metrics. Errors are returned
// to the SDK, which reports them to the client as error results.
func instrument[In, Out any](s *Server, name string, fn func(context.Context, In) (Out, error)) mcp.ToolHandlerFor[In, Out] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, in In) (*mcp.CallToolResult, Out, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, name)
		defer s.metrics.DecrementActive(ctx, name)

		out, err := fn(ctx, in)
		s.metrics.RecordInvocation(ctx, name, time.Since(start), err)
		if err != nil {
			s.logger.Debug("tool call failed", zap.String("tool", name), zap.Error(err))
			var zero Out
			return nil, zero, err
		}
		return nil, out, nil
	}
}

func addTool[In, Out any](s *Server, meta ToolMetadata, fn func(context.Context, In) (Out, error)) {
	s.toolRegistry.Register(&meta)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        meta.Name,
		Description: meta.Description,
	}, instrument(s, meta.Name, fn))
}

func (s *Server) registerTools() {
	addTool(s, ToolMetadata{
		Name:        "component_suggest",
		Description: "Rank the integration components a natural-language flow description calls for, with companion components learned from past flows.",
		Category:    CategoryRetrieval,
		Keywords:    []string{"suggest", "identify", "components", "patterns"},
	}, s.suggestComponents)

	addTool(s, ToolMetadata{
		Name:        "fewshot_build",
		Description: "Select approved training examples and render them as a few-shot prompt block.",
		Category:    CategoryRetrieval,
		Keywords:    []string{"few-shot", "examples", "prompt"},
	}, s.buildFewShot)

	addTool(s, ToolMetadata{
		Name:        "feedback_submit",
		Description: "Submit reviewer feedback on a generated flow. Set ingest to apply it to patterns and examples immediately.",
		Category:    CategoryFeedback,
		Keywords:    []string{"feedback", "review", "correct", "missing", "extra"},
	}, s.submitFeedback)

	addTool(s, ToolMetadata{
		Name:        "pattern_set_active",
		Description: "Activate or retire a trigger pattern. Activating a candidate promotes it.",
		Category:    CategoryCuration,
		Keywords:    []string{"pattern", "activate", "deactivate", "candidate"},
	}, s.setPatternActive)

	addTool(s, ToolMetadata{
		Name:        "example_approve",
		Description: "Approve a correct training example for few-shot use.",
		Category:    CategoryCuration,
		Keywords:    []string{"example", "approve", "weight", "training"},
	}, s.approveExample)

	addTool(s, ToolMetadata{
		Name:        "prompt_activate",
		Description: "Make a prompt version the single active version.",
		Category:    CategoryCuration,
		Keywords:    []string{"prompt", "version", "activate"},
	}, s.activatePrompt)

	addTool(s, ToolMetadata{
		Name:        "tool_search",
		Description: "Search the available tools by name, description or keyword.",
		Category:    CategorySearch,
		Keywords:    []string{"search", "discover", "tools"},
	}, s.searchTools)
}

// ===== RETRIEVAL TOOLS =====

type suggestInput struct {
	Query        string `json:"query" jsonschema:"Natural-language description of the integration flow"`
	PlatformHint string `json:"platform_hint,omitempty" jsonschema:"Source platform whose patterns are preferred"`
	TopK         int    `json:"top_k,omitempty" jsonschema:"Maximum number of primary suggestions"`
}

type suggestOutput struct {
	Suggestions []retrieval.Suggestion `json:"suggestions"`
	Degraded    bool                   `json:"degraded"`
}

func (s *Server) suggestComponents(ctx context.Context, in suggestInput) (suggestOutput, error) {
	res, err := s.svc.Retrieval.SuggestComponents(ctx, retrieval.Query{
		Text:         in.Query,
		PlatformHint: in.PlatformHint,
		TopK:         in.TopK,
	})
	if err != nil {
		return suggestOutput{}, err
	}
	out := suggestOutput{Suggestions: make([]retrieval.Suggestion, 0, len(res.Items)), Degraded: res.Degraded}
	for _, item := range res.Items {
		if item.ProvenancePatternIDs == nil {
			item.ProvenancePatternIDs = []string{}
		}
		out.Suggestions = append(out.Suggestions, item)
	}
	return out, nil
}

type fewShotInput struct {
	Query   string `json:"query,omitempty" jsonschema:"Query the examples are for"`
	K       int    `json:"k,omitempty" jsonschema:"Number of examples"`
	Diverse bool   `json:"diverse,omitempty" jsonschema:"Pick at most one example per intent"`
	Intent  string `json:"intent,omitempty" jsonschema:"Restrict examples to one intent tag"`
}

type fewShotOutput struct {
	Examples []retrieval.FewShotExample `json:"examples"`
	Prompt   string                     `json:"prompt"`
}

func (s *Server) buildFewShot(ctx context.Context, in fewShotInput) (fewShotOutput, error) {
	if in.K < 0 {
		return fewShotOutput{}, fmt.Errorf("%w: k must not be negative", errInvalidArgument)
	}
	block, err := s.svc.Retrieval.BuildFewShotBlock(ctx, training.FewShotRequest{
		QueryText: in.Query,
		K:         in.K,
		Diverse:   in.Diverse,
		Intent:    in.Intent,
	})
	if err != nil {
		return fewShotOutput{}, err
	}
	examples := block.Examples
	if examples == nil {
		examples = []retrieval.FewShotExample{}
	}
	return fewShotOutput{Examples: examples, Prompt: block.String()}, nil
}

// ===== FEEDBACK TOOLS =====

type feedbackInput struct {
	JobID         string                 `json:"job_id" jsonschema:"Generation job the feedback is about"`
	Query         string                 `json:"query" jsonschema:"Original natural-language query"`
	Intent        string                 `json:"intent,omitempty" jsonschema:"Intent tag of the query"`
	Identified    []component.Ref        `json:"identified_components" jsonschema:"Components the generator produced"`
	Type          string                 `json:"feedback_type" jsonschema:"One of correct, missing_components, extra_components, wrong_sequence"`
	Missing       []component.Ref        `json:"missing_components,omitempty" jsonschema:"Components that should have been produced"`
	Extra         []component.Ref        `json:"extra_components,omitempty" jsonschema:"Components that should not have been produced"`
	ExpectedOrder []string               `json:"expected_sequence,omitempty" jsonschema:"Component types in the order the reviewer expects"`
	Detail        map[string]interface{} `json:"detail,omitempty" jsonschema:"Free-form detail from the reviewer tool"`
	Provenance    map[string][]string    `json:"provenance,omitempty" jsonschema:"Pattern IDs behind each identified component type"`
	Rating        *int                   `json:"rating,omitempty" jsonschema:"Reviewer rating from 1 to 5"`
	ImportSuccess *bool                  `json:"import_success,omitempty" jsonschema:"Whether the generated flow imported cleanly"`
	Priority      string                 `json:"learning_priority,omitempty" jsonschema:"One of low, medium, high, critical"`
	PromptVersion string                 `json:"prompt_version,omitempty" jsonschema:"Prompt version used for the generation"`
	ModelVersion  string                 `json:"model_version,omitempty" jsonschema:"Model used for the generation"`
	FlowName      string                 `json:"flow_name,omitempty" jsonschema:"Name of the generated flow"`
	Ingest        bool                   `json:"ingest,omitempty" jsonschema:"Apply the feedback immediately instead of waiting for the sweeper"`
}

type feedbackOutput struct {
	FeedbackID string         `json:"feedback_id"`
	Processed  bool           `json:"processed"`
	Result     *ingest.Result `json:"result,omitempty"`
}

func (s *Server) submitFeedback(ctx context.Context, in feedbackInput) (feedbackOutput, error) {
	fb, err := s.svc.Feedback.Submit(ctx, feedback.SubmitInput{
		JobID:         in.JobID,
		Query:         in.Query,
		Intent:        in.Intent,
		Identified:    in.Identified,
		Type:          feedback.Type(strings.TrimSpace(in.Type)),
		Missing:       in.Missing,
		Extra:         in.Extra,
		ExpectedOrder: in.ExpectedOrder,
		Detail:        in.Detail,
		Provenance:    in.Provenance,
		Rating:        in.Rating,
		ImportSuccess: in.ImportSuccess,
		Priority:      feedback.Priority(strings.TrimSpace(in.Priority)),
		ModelVersion:  in.ModelVersion,
		PromptVersion: in.PromptVersion,
		FlowName:      in.FlowName,
	})
	if err != nil {
		return feedbackOutput{}, err
	}
	out := feedbackOutput{FeedbackID: fb.ID}
	if !in.Ingest {
		return out, nil
	}
	// The record is stored; a failed ingest is retried by the sweeper.
	res, err := s.svc.Ingest.Ingest(ctx, fb.ID)
	if err != nil {
		s.logger.Warn("immediate ingest failed", zap.String("feedback_id", fb.ID), zap.Error(err))
		return out, nil
	}
	out.Processed = true
	out.Result = res
	return out, nil
}

// ===== CURATION TOOLS =====

type patternActiveInput struct {
	PatternID string `json:"pattern_id" jsonschema:"Pattern to change"`
	Active    bool   `json:"active" jsonschema:"True to activate, false to retire"`
}

type patternOutput struct {
	ID              string  `json:"id"`
	Signal          string  `json:"signal"`
	ComponentType   string  `json:"component_type"`
	Active          bool    `json:"active"`
	Candidate       bool    `json:"candidate"`
	TimesMatched    int64   `json:"times_matched"`
	TimesCorrect    int64   `json:"times_correct"`
	ConfidenceScore float64 `json:"confidence_score"`
}

func (s *Server) setPatternActive(ctx context.Context, in patternActiveInput) (patternOutput, error) {
	if in.PatternID == "" {
		return patternOutput{}, fmt.Errorf("%w: pattern_id is required", errInvalidArgument)
	}
	p, err := s.svc.Patterns.SetActive(ctx, in.PatternID, in.Active)
	if err != nil {
		return patternOutput{}, err
	}
	return summarizePattern(p), nil
}

func summarizePattern(p *patterns.Pattern) patternOutput {
	return patternOutput{
		ID:              p.ID,
		Signal:          p.Signal,
		ComponentType:   p.ComponentType,
		Active:          p.Active,
		Candidate:       p.Candidate,
		TimesMatched:    p.TimesMatched,
		TimesCorrect:    p.TimesCorrect,
		ConfidenceScore: p.ConfidenceScore,
	}
}

type approveInput struct {
	ExampleID string   `json:"example_id" jsonschema:"Training example to approve"`
	Weight    *float64 `json:"weight,omitempty" jsonschema:"Training weight, defaults to 1"`
}

type approveOutput struct {
	ExampleID string  `json:"example_id"`
	Approved  bool    `json:"approved"`
	Weight    float64 `json:"weight"`
}

func (s *Server) approveExample(ctx context.Context, in approveInput) (approveOutput, error) {
	if in.ExampleID == "" {
		return approveOutput{}, fmt.Errorf("%w: example_id is required", errInvalidArgument)
	}
	weight := training.DefaultWeight
	if in.Weight != nil {
		weight = *in.Weight
	}
	if err := s.svc.Training.Approve(ctx, in.ExampleID, weight); err != nil {
		return approveOutput{}, err
	}
	e, err := s.svc.Training.Get(ctx, in.ExampleID)
	if err != nil {
		return approveOutput{}, err
	}
	return approveOutput{ExampleID: e.ID, Approved: e.Approved, Weight: e.TrainingWeight}, nil
}

type promptActivateInput struct {
	Version string `json:"version" jsonschema:"Prompt version label"`
}

type promptOutput struct {
	Version      string  `json:"version"`
	Status       string  `json:"status"`
	Active       bool    `json:"active"`
	UsageCount   int     `json:"usage_count"`
	AccuracyRate float64 `json:"accuracy_rate"`
}

func (s *Server) activatePrompt(ctx context.Context, in promptActivateInput) (promptOutput, error) {
	if in.Version == "" {
		return promptOutput{}, fmt.Errorf("%w: version is required", errInvalidArgument)
	}
	v, err := s.svc.Prompts.Activate(ctx, in.Version)
	if err != nil {
		return promptOutput{}, err
	}
	return promptOutput{
		Version:      v.Version,
		Status:       string(v.Status),
		Active:       v.Active,
		UsageCount:   v.UsageCount,
		AccuracyRate: v.AccuracyRate,
	}, nil
}

// ===== SEARCH TOOLS =====

type toolSearchInput struct {
	Query    string `json:"query" jsonschema:"Text or regular expression to match"`
	Category string `json:"category,omitempty" jsonschema:"Limit to one of retrieval, feedback, curation, search"`
}

type toolSearchOutput struct {
	Results []*SearchResult `json:"results"`
}

func (s *Server) searchTools(_ context.Context, in toolSearchInput) (toolSearchOutput, error) {
	if strings.TrimSpace(in.Query) == "" {
		return toolSearchOutput{}, fmt.Errorf("%w: query is required", errInvalidArgument)
	}
	results := s.toolRegistry.Search(in.Query, ToolCategory(in.Category))
	if results == nil {
		results = []*SearchResult{}
	}
	return toolSearchOutput{Results: results}, nil
}

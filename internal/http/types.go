package http

import (
	"github.com/fyrsmithlabs/flowlearn/internal/component"
	"github.com/fyrsmithlabs/flowlearn/internal/feedback"
	"github.com/fyrsmithlabs/flowlearn/internal/ingest"
	"github.com/fyrsmithlabs/flowlearn/internal/retrieval"
)

// FewShotRequest is the request body for POST /api/v1/fewshot.
type FewShotRequest struct {
	Query   string `json:"query"`
	K       int    `json:"k"`
	Diverse bool   `json:"diverse,omitempty"`
	Intent  string `json:"intent,omitempty"`
}

// FewShotResponse carries the examples and their rendered prompt text.
type FewShotResponse struct {
	Examples []retrieval.FewShotExample `json:"examples"`
	Prompt   string                     `json:"prompt"`
}

// SubmitFeedbackResponse is returned by POST /api/v1/feedback. Result is
// set when ingestion was requested with ?ingest=true.
type SubmitFeedbackResponse struct {
	Feedback *feedback.Feedback `json:"feedback"`
	Result   *ingest.Result     `json:"result,omitempty"`
}

// RecordExampleRequest is the request body for POST /api/v1/examples.
type RecordExampleRequest struct {
	JobID          string          `json:"job_id,omitempty"`
	Query          string          `json:"query"`
	SourceMarkdown string          `json:"source_markdown,omitempty"`
	Intent         string          `json:"intent,omitempty"`
	Components     []component.Ref `json:"components"`
	ModelVersion   string          `json:"model_version,omitempty"`
	PromptVersion  string          `json:"prompt_version,omitempty"`
	Confidence     float64         `json:"confidence"`
}

// ResolveExampleRequest is the request body for POST /api/v1/examples/:id/resolve.
type ResolveExampleRequest struct {
	Correct     bool                   `json:"correct"`
	Missing     []component.Ref        `json:"missing_components,omitempty"`
	Extra       []component.Ref        `json:"extra_components,omitempty"`
	Corrections map[string]interface{} `json:"corrections,omitempty"`
}

// ApproveExampleRequest is the request body for POST /api/v1/examples/:id/approve.
// A missing weight approves with the default weight.
type ApproveExampleRequest struct {
	Weight *float64 `json:"weight,omitempty"`
}

// UpsertPatternRequest is the request body for POST /api/v1/patterns.
type UpsertPatternRequest struct {
	Signal        string                 `json:"signal"`
	MatchKind     string                 `json:"match_kind,omitempty"`
	ComponentType string                 `json:"component_type"`
	Category      string                 `json:"category"`
	Aliases       []string               `json:"aliases,omitempty"`
	Requirements  map[string]interface{} `json:"requirements,omitempty"`
	Active        bool                   `json:"active"`
	ExampleQuery  string                 `json:"example_query,omitempty"`
}

// IDResponse returns the ID of a created or matched entity.
type IDResponse struct {
	ID string `json:"id"`
}

// PromptUsageRequest is the request body for POST /api/v1/prompts/:version/usage.
type PromptUsageRequest struct {
	Succeeded bool `json:"succeeded"`
	Rating    *int `json:"rating,omitempty"`
}

// ResolveAnomalyRequest is the request body for POST /api/v1/anomalies/:id/resolve.
type ResolveAnomalyRequest struct {
	Note string `json:"note"`
}

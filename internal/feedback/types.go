// Package feedback persists GenerationFeedback records, guards them with an
// atomic claim so each is ingested exactly once, and keeps the log of
// ingestion anomalies awaiting manual review.
package feedback

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fyrsmithlabs/flowlearn/internal/component"
	"github.com/fyrsmithlabs/flowlearn/internal/storage"
)

var (
	// ErrFeedbackNotFound is returned for an unknown feedback ID.
	ErrFeedbackNotFound = errors.New("feedback not found")

	// ErrInvalidFeedback indicates invalid submit input.
	ErrInvalidFeedback = errors.New("invalid feedback")

	// ErrAlreadyProcessed is returned by Claim for a processed record.
	ErrAlreadyProcessed = errors.New("feedback already processed")

	// ErrClaimed is returned by Claim while another worker holds the record.
	ErrClaimed = errors.New("feedback claimed by another worker")

	// ErrClaimLost is returned by Complete when the claim was released or
	// taken over since it was granted.
	ErrClaimLost = errors.New("feedback claim lost")

	// ErrAnomalyNotFound is returned for an unknown anomaly ID.
	ErrAnomalyNotFound = errors.New("anomaly not found")
)

// Type classifies what the reviewer said about a generation.
type Type string

const (
	TypeCorrect           Type = "correct"
	TypeMissingComponents Type = "missing_components"
	TypeExtraComponents   Type = "extra_components"
	TypeWrongSequence     Type = "wrong_sequence"
)

// IsValid reports whether t is a known feedback type.
func (t Type) IsValid() bool {
	switch t {
	case TypeCorrect, TypeMissingComponents, TypeExtraComponents, TypeWrongSequence:
		return true
	}
	return false
}

// Priority is how urgently a record should shape learning.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var priorityWeights = map[Priority]float64{
	PriorityLow:      0.5,
	PriorityMedium:   1.0,
	PriorityHigh:     1.5,
	PriorityCritical: 2.0,
}

// IsValid reports whether p is a known priority.
func (p Priority) IsValid() bool {
	_, ok := priorityWeights[p]
	return ok
}

// Weight is the training weight given to examples approved from feedback
// with this priority. Unknown priorities weigh as medium.
func (p Priority) Weight() float64 {
	if w, ok := priorityWeights[p]; ok {
		return w
	}
	return 1.0
}

// Status is the ingestion state of a record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
)

// Feedback is one GenerationFeedback record.
type Feedback struct {
	ID    string `gorm:"type:varchar(36);primaryKey" json:"id"`
	JobID string `gorm:"type:varchar(128);index;not null" json:"job_id"`

	Query      string         `gorm:"type:text;not null" json:"query"`
	Intent     string         `gorm:"type:varchar(128)" json:"intent,omitempty"`
	Identified component.Refs `gorm:"type:text" json:"identified_components"`

	Type             Type               `gorm:"type:varchar(32);not null" json:"feedback_type"`
	Missing          component.Refs     `gorm:"type:text" json:"missing_components,omitempty"`
	Extra            component.Refs     `gorm:"type:text" json:"extra_components,omitempty"`
	ExpectedSequence storage.StringList `gorm:"type:text" json:"expected_sequence,omitempty"`
	Detail           storage.JSONMap    `gorm:"type:text" json:"detail,omitempty"`

	// Provenance maps a component type to the IDs of the patterns that
	// suggested it, as reported by the generation pipeline.
	Provenance storage.JSONMap `gorm:"type:text" json:"provenance,omitempty"`

	Rating        *int     `json:"rating,omitempty"`
	ImportSuccess *bool    `json:"import_success,omitempty"`
	Priority      Priority `gorm:"type:varchar(16);not null;default:medium" json:"learning_priority"`

	ModelVersion  string `gorm:"type:varchar(128)" json:"model_version,omitempty"`
	PromptVersion string `gorm:"type:varchar(128)" json:"prompt_version,omitempty"`
	FlowName      string `gorm:"type:varchar(255)" json:"flow_name,omitempty"`

	Status       Status     `gorm:"type:varchar(16);index;not null;default:pending" json:"status"`
	Processed    bool       `gorm:"index;not null;default:false" json:"processed"`
	ClaimToken   string     `gorm:"type:varchar(36)" json:"-"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
	StaleFlagged bool       `gorm:"not null;default:false" json:"-"`

	// Result is the serialized ingestion result, replayed on re-ingest.
	Result string `gorm:"type:text" json:"-"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName keeps the table name stable across renames of the Go type.
func (Feedback) TableName() string { return "generation_feedback" }

// BeforeCreate assigns an ID when none is set.
func (f *Feedback) BeforeCreate(*gorm.DB) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	return nil
}

// ProvenanceFor returns the pattern IDs recorded as suggesting typ.
func (f *Feedback) ProvenanceFor(typ string) []string {
	if f.Provenance == nil {
		return nil
	}
	return toStrings(f.Provenance[typ])
}

// Anomaly is a sub-update that ingestion skipped, kept for manual review.
type Anomaly struct {
	ID         string `gorm:"type:varchar(36);primaryKey" json:"id"`
	FeedbackID string `gorm:"type:varchar(36);index" json:"feedback_id"`
	Kind       string `gorm:"type:varchar(64);index;not null" json:"kind"`
	Component  string `gorm:"type:varchar(128)" json:"component,omitempty"`
	PatternID  string `gorm:"type:varchar(36)" json:"pattern_id,omitempty"`
	Message    string `gorm:"type:text;not null" json:"message"`

	Resolved       bool       `gorm:"index;not null;default:false" json:"resolved"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolutionNote string     `gorm:"type:text" json:"resolution_note,omitempty"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// TableName keeps the table name stable across renames of the Go type.
func (Anomaly) TableName() string { return "ingestion_anomalies" }

// BeforeCreate assigns an ID when none is set.
func (a *Anomaly) BeforeCreate(*gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	return nil
}

// Anomaly kinds.
const (
	AnomalyExampleUpdate      = "example_update_failed"
	AnomalyOutcomeFailed      = "pattern_outcome_failed"
	AnomalyPatternNotFound    = "pattern_not_found"
	AnomalyCandidateConflict  = "candidate_conflict"
	AnomalyCandidateFailed    = "candidate_failed"
	AnomalyNoTrigger          = "no_trigger_inferred"
	AnomalyCoOccurrence       = "cooccurrence_failed"
	AnomalyPromptVersion      = "prompt_version_unknown"
	AnomalyPromptUsage        = "prompt_usage_failed"
	AnomalyStaleClaim         = "stale_claim"
	AnomalyProvenanceMismatch = "provenance_mismatch"
)

// Models lists the tables owned by this package, for migration.
func Models() []interface{} {
	return []interface{}{&Feedback{}, &Anomaly{}}
}

// SubmitInput is a feedback record as received from the generation pipeline
// or a reviewer.
type SubmitInput struct {
	JobID         string                 `json:"job_id"`
	Query         string                 `json:"query"`
	Intent        string                 `json:"intent,omitempty"`
	Identified    []component.Ref        `json:"identified_components"`
	Type          Type                   `json:"feedback_type"`
	Missing       []component.Ref        `json:"missing_components,omitempty"`
	Extra         []component.Ref        `json:"extra_components,omitempty"`
	ExpectedOrder []string               `json:"expected_sequence,omitempty"`
	Detail        map[string]interface{} `json:"detail,omitempty"`
	Provenance    map[string][]string    `json:"provenance,omitempty"`
	Rating        *int                   `json:"rating,omitempty"`
	ImportSuccess *bool                  `json:"import_success,omitempty"`
	Priority      Priority               `json:"learning_priority,omitempty"`
	ModelVersion  string                 `json:"model_version,omitempty"`
	PromptVersion string                 `json:"prompt_version,omitempty"`
	FlowName      string                 `json:"flow_name,omitempty"`
}

// AnomalyFilter narrows ListAnomalies.
type AnomalyFilter struct {
	Resolved   *bool
	FeedbackID string
	Kind       string
	Limit      int
}

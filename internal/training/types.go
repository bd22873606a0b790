// Package training stores (query, identified components) observations and
// curates them into few-shot examples.
//
// An example starts with unknown correctness, is resolved exactly once when
// feedback arrives, and becomes eligible for few-shot retrieval only after
// it is both resolved correct and approved for training.
package training

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fyrsmithlabs/flowlearn/internal/component"
	"github.com/fyrsmithlabs/flowlearn/internal/storage"
)

var (
	// ErrExampleNotFound is returned when an example ID or job ID is unknown.
	ErrExampleNotFound = errors.New("training example not found")

	// ErrAlreadyResolved is returned by Resolve on an example whose
	// correctness is already settled.
	ErrAlreadyResolved = errors.New("training example already resolved")

	// ErrNotEligible is returned by Approve when the example is not resolved
	// correct.
	ErrNotEligible = errors.New("training example not eligible for approval")

	// ErrInvalidWeight is returned for negative or non-finite weights.
	ErrInvalidWeight = errors.New("invalid training weight")

	// ErrDuplicateJob is returned when an example already exists for a job.
	ErrDuplicateJob = errors.New("training example already recorded for job")

	// ErrInvalidExample indicates invalid record input.
	ErrInvalidExample = errors.New("invalid training example")
)

// Correctness is the tri-state resolution of an example.
type Correctness string

const (
	CorrectnessUnknown   Correctness = "unknown"
	CorrectnessCorrect   Correctness = "correct"
	CorrectnessIncorrect Correctness = "incorrect"
)

// DefaultWeight is the training weight of an example approved without one.
const DefaultWeight = 1.0

// Example is one generation run's query and identified components.
type Example struct {
	ID string `gorm:"type:varchar(36);primaryKey" json:"id"`

	// JobID links the example to the generation job; nil for examples
	// recorded outside a job.
	JobID *string `gorm:"type:varchar(128);uniqueIndex" json:"job_id,omitempty"`

	Query          string         `gorm:"type:text;not null" json:"query"`
	SourceMarkdown string         `gorm:"type:text" json:"source_markdown,omitempty"`
	Intent         string         `gorm:"type:varchar(128);index" json:"intent,omitempty"`
	Components     component.Refs `gorm:"type:text" json:"components"`

	Correctness Correctness     `gorm:"type:varchar(16);index;not null;default:unknown" json:"correctness"`
	Missing     component.Refs  `gorm:"type:text" json:"missing,omitempty"`
	Extra       component.Refs  `gorm:"type:text" json:"extra,omitempty"`
	Corrections storage.JSONMap `gorm:"type:text" json:"corrections,omitempty"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`

	ConfidenceScore float64 `gorm:"not null" json:"confidence_score"`
	ModelVersion    string  `gorm:"type:varchar(128)" json:"model_version,omitempty"`
	PromptVersion   string  `gorm:"type:varchar(128);index" json:"prompt_version,omitempty"`

	Approved       bool       `gorm:"index;not null;default:false" json:"approved"`
	TrainingWeight float64    `gorm:"not null;default:1" json:"training_weight"`
	ApprovedAt     *time.Time `json:"approved_at,omitempty"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName keeps the table name stable across renames of the Go type.
func (Example) TableName() string { return "training_examples" }

// BeforeCreate assigns an ID when none is set.
func (e *Example) BeforeCreate(*gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	return nil
}

// Eligible reports whether the example may be used as a few-shot example.
func (e *Example) Eligible() bool {
	return e.Approved && e.Correctness == CorrectnessCorrect
}

// Models lists the tables owned by this package, for migration.
func Models() []interface{} {
	return []interface{}{&Example{}}
}

// RecordInput describes a generation run to record.
type RecordInput struct {
	JobID          string
	Query          string
	SourceMarkdown string
	Intent         string
	Components     []component.Ref
	ModelVersion   string
	PromptVersion  string
	Confidence     float64
}

// Resolution settles an example's correctness.
type Resolution struct {
	Correct     bool
	Missing     []component.Ref
	Extra       []component.Ref
	Corrections map[string]interface{}
}

// FewShotRequest selects few-shot examples.
type FewShotRequest struct {
	// QueryText is the query the examples are for. Ranking does not depend
	// on it; it is recorded on the trace.
	QueryText string
	K         int

	// Diverse skips examples whose intent tag was already selected.
	// Examples without an intent never conflict.
	Diverse bool

	// Intent restricts selection to one intent tag when set.
	Intent string
}

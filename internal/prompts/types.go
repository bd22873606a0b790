// Package prompts is the registry of prompt versions used by the upstream
// component-identification step. At most one version is active at a time;
// activating a version deprecates its predecessor in the same transaction.
package prompts

import (
	"database/sql/driver"
	"errors"
	"time"

	"github.com/fyrsmithlabs/flowlearn/internal/storage"
)

var (
	// ErrVersionNotFound is returned for an unknown version label.
	ErrVersionNotFound = errors.New("prompt version not found")

	// ErrVersionExists is returned by Create for a label already in use.
	ErrVersionExists = errors.New("prompt version already exists")

	// ErrNoActiveVersion is returned by Active before any activation.
	ErrNoActiveVersion = errors.New("no active prompt version")

	// ErrInvalidVersion indicates invalid create input.
	ErrInvalidVersion = errors.New("invalid prompt version")

	// ErrInvalidRating is returned for ratings outside 1..5.
	ErrInvalidRating = errors.New("rating must be within 1..5")
)

// Status is the lifecycle state of a version.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusActive     Status = "active"
	StatusDeprecated Status = "deprecated"
)

// Example is one few-shot example embedded in a prompt version.
type Example struct {
	Query      string   `json:"query"`
	Components []string `json:"components"`
	Weight     float64  `json:"weight,omitempty"`
}

// Examples is stored as a JSON array.
type Examples []Example

// Scan implements sql.Scanner.
func (e *Examples) Scan(value interface{}) error { return storage.ScanJSON(value, e) }

// Value implements driver.Valuer.
func (e Examples) Value() (driver.Value, error) {
	if e == nil {
		return "[]", nil
	}
	return storage.ValueJSON(e)
}

// Version is a PromptVersion.
type Version struct {
	Version  string          `gorm:"type:varchar(64);primaryKey" json:"version"`
	Template string          `gorm:"type:text;not null" json:"template"`
	Examples Examples        `gorm:"type:text" json:"examples"`
	Sampling storage.JSONMap `gorm:"type:text" json:"sampling,omitempty"`

	Status Status `gorm:"type:varchar(16);not null;default:draft" json:"status"`
	// The partial unique index admits a single row with active set.
	Active        bool       `gorm:"not null;default:false;uniqueIndex:idx_prompt_single_active,where:active" json:"active"`
	ActivatedAt   *time.Time `json:"activated_at,omitempty"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`

	UsageCount    int     `gorm:"not null;default:0" json:"usage_count"`
	SuccessCount  int     `gorm:"not null;default:0" json:"success_count"`
	RatingCount   int     `gorm:"not null;default:0" json:"rating_count"`
	AverageRating float64 `gorm:"not null;default:0" json:"average_rating"`
	AccuracyRate  float64 `gorm:"not null;default:0" json:"accuracy_rate"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName keeps the table name stable across renames of the Go type.
func (Version) TableName() string { return "prompt_versions" }

// Models lists the tables owned by this package, for migration.
func Models() []interface{} {
	return []interface{}{&Version{}}
}

// CreateInput describes a new draft version.
type CreateInput struct {
	Version  string                 `json:"version"`
	Template string                 `json:"template"`
	Examples []Example              `json:"examples,omitempty"`
	Sampling map[string]interface{} `json:"sampling,omitempty"`
}

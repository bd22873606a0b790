package patterns

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/fyrsmithlabs/flowlearn/internal/component"
	"github.com/fyrsmithlabs/flowlearn/internal/storage"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Sentinel errors for pattern operations.
var (
	// ErrDuplicateSignalConflict is returned when a signal is already bound
	// to a different component type.
	ErrDuplicateSignalConflict = errors.New("signal already bound to a different component type")

	// ErrPatternNotFound is returned when a pattern ID does not exist.
	ErrPatternNotFound = errors.New("pattern not found")

	// ErrInvalidPattern indicates invalid upsert input.
	ErrInvalidPattern = errors.New("invalid pattern")

	// ErrEmbeddingUnavailable is reported by the semantic strategy when the
	// query carries no embedding. Callers degrade to lexical matching.
	ErrEmbeddingUnavailable = errors.New("query embedding unavailable")
)

// DefaultConfidencePrior is the confidence of a pattern with no observations.
const DefaultConfidencePrior = 0.5

// maxExampleQueries bounds how many example queries a pattern keeps.
const maxExampleQueries = 10

// MatchKind selects how a trigger signal is compared to queries.
type MatchKind string

const (
	// MatchPhrase compares normalized text on word boundaries.
	MatchPhrase MatchKind = "phrase"
	// MatchRegex evaluates the signal as a case-insensitive regular expression.
	MatchRegex MatchKind = "regex"
)

// Source records where a pattern came from.
type Source string

const (
	SourceSeed     Source = "seed"
	SourceManual   Source = "manual"
	SourceFeedback Source = "feedback"
)

// Pattern associates a trigger signal with a component type.
type Pattern struct {
	ID string `gorm:"type:varchar(36);primaryKey" json:"id"`

	// Signal is the trigger as authored; SignalKey is its normalized form.
	Signal    string    `gorm:"type:text;not null" json:"signal"`
	SignalKey string    `gorm:"type:varchar(255);index;not null" json:"-"`
	MatchKind MatchKind `gorm:"type:varchar(16);not null;default:phrase" json:"match_kind"`

	ComponentType string             `gorm:"type:varchar(128);index;not null" json:"component_type"`
	Category      component.Category `gorm:"type:varchar(32);not null" json:"category"`

	Aliases      storage.StringList `gorm:"type:text" json:"aliases"`
	Requirements storage.JSONMap    `gorm:"type:text" json:"requirements"`

	TimesMatched    int64   `gorm:"not null;default:0" json:"times_matched"`
	TimesCorrect    int64   `gorm:"not null;default:0" json:"times_correct"`
	ConfidenceScore float64 `gorm:"not null" json:"confidence_score"`

	ExampleQueries storage.StringList `gorm:"type:text" json:"example_queries"`

	Active    bool   `gorm:"index;not null" json:"active"`
	Candidate bool   `gorm:"not null;default:false" json:"candidate"`
	Source    Source `gorm:"type:varchar(16);not null" json:"source"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate assigns an ID when none is set.
func (p *Pattern) BeforeCreate(*gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return nil
}

// PatternKey binds a normalized signal or alias to a component type. The
// composite primary key makes (key, component type) unique across patterns.
type PatternKey struct {
	SignalKey     string `gorm:"type:varchar(255);primaryKey"`
	ComponentType string `gorm:"type:varchar(128);primaryKey"`
	PatternID     string `gorm:"type:varchar(36);index;not null"`
	Alias         bool   `gorm:"not null"`
}

// Models lists the tables owned by this package, for migration.
func Models() []interface{} {
	return []interface{}{&Pattern{}, &PatternKey{}}
}

// Input describes a pattern to upsert.
type Input struct {
	Signal        string
	MatchKind     MatchKind
	ComponentType string
	Category      component.Category
	Aliases       []string
	Requirements  map[string]interface{}

	// Active controls visibility to FindCandidates. Candidates synthesized
	// from feedback are always stored inactive.
	Active    bool
	Candidate bool
	Source    Source

	// ExampleQuery is appended to the pattern's example queries, also when
	// the pattern already exists.
	ExampleQuery string

	// TimesMatched/TimesCorrect import historical statistics for new
	// patterns (seed migration). Ignored when the pattern already exists.
	TimesMatched int64
	TimesCorrect int64
}

func (in *Input) normalize() error {
	in.Signal = strings.TrimSpace(in.Signal)
	in.ComponentType = strings.TrimSpace(in.ComponentType)
	if in.MatchKind == "" {
		in.MatchKind = MatchPhrase
	}
	if in.Source == "" {
		in.Source = SourceManual
	}

	switch {
	case in.Signal == "":
		return fmt.Errorf("%w: signal is required", ErrInvalidPattern)
	case in.ComponentType == "":
		return fmt.Errorf("%w: component type is required", ErrInvalidPattern)
	case !component.IsValidCategory(string(in.Category)):
		return fmt.Errorf("%w: unknown category %q", ErrInvalidPattern, in.Category)
	case in.MatchKind != MatchPhrase && in.MatchKind != MatchRegex:
		return fmt.Errorf("%w: unknown match kind %q", ErrInvalidPattern, in.MatchKind)
	case in.TimesMatched < 0 || in.TimesCorrect < 0 || in.TimesCorrect > in.TimesMatched:
		return fmt.Errorf("%w: times_correct must be within [0, times_matched]", ErrInvalidPattern)
	}
	if in.MatchKind == MatchRegex {
		if _, err := regexp.Compile("(?i)" + in.Signal); err != nil {
			return fmt.Errorf("%w: invalid regex: %v", ErrInvalidPattern, err)
		}
	} else if signalKey(in.Signal, MatchPhrase) == "" {
		return fmt.Errorf("%w: signal has no matchable words", ErrInvalidPattern)
	}
	if in.Candidate {
		in.Active = false
	}
	return nil
}

// signalKey is the identity of a signal for equivalence checks: normalized
// text for phrases, the raw expression for regexes.
func signalKey(signal string, kind MatchKind) string {
	if kind == MatchRegex {
		return "re:" + strings.TrimSpace(signal)
	}
	return component.Normalize(signal)
}

// confidence applies the division invariant: the observed ratio when there
// is evidence, otherwise the prior.
func confidence(matched, correct int64, prior float64) float64 {
	if matched == 0 {
		return prior
	}
	return float64(correct) / float64(matched)
}

// Package component defines the vocabulary shared by the pattern, training,
// co-occurrence and ingestion modules: integration-flow component
// categories, component references, relative sequences, and the text
// normalization used for lexical matching.
package component

// Category classifies what role a component plays in an integration flow.
type Category string

const (
	// CategorySourceAdapter reads from an external system (SFTP, HTTP, JMS).
	CategorySourceAdapter Category = "source_adapter"

	// CategoryTransformation reshapes payloads (mapping, format conversion).
	CategoryTransformation Category = "transformation"

	// CategoryRouting decides where a message goes (content router, splitter).
	CategoryRouting Category = "routing"

	// CategoryTargetAdapter writes to an external system.
	CategoryTargetAdapter Category = "target_adapter"

	// CategoryErrorHandling covers retries, dead-letter and exception flows.
	CategoryErrorHandling Category = "error_handling"

	// CategoryMonitoring covers logging, alerting and scheduling triggers.
	CategoryMonitoring Category = "monitoring"
)

// ValidCategories maps category strings to their typed values.
var ValidCategories = map[string]Category{
	"source_adapter": CategorySourceAdapter,
	"transformation": CategoryTransformation,
	"routing":        CategoryRouting,
	"target_adapter": CategoryTargetAdapter,
	"error_handling": CategoryErrorHandling,
	"monitoring":     CategoryMonitoring,
}

// IsValidCategory returns true if s is a recognized category.
func IsValidCategory(s string) bool {
	_, ok := ValidCategories[s]
	return ok
}

// Ref is one entry in an identified component list.
type Ref struct {
	Type     string `json:"type"`
	Quantity int    `json:"quantity,omitempty"`
	// SubType is the adapter-specific flavor, e.g. "sftp" for a generic FileAdapter.
	SubType string `json:"sub_type,omitempty"`
}

// Types returns the component types of refs in order, without duplicates.
func Types(refs []Ref) []string {
	seen := make(map[string]bool, len(refs))
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		if r.Type == "" || seen[r.Type] {
			continue
		}
		seen[r.Type] = true
		out = append(out, r.Type)
	}
	return out
}

package mcp

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

// ToolCategory represents the functional category of a tool.
type ToolCategory string

const (
	// CategoryRetrieval covers suggestion and few-shot tools.
	CategoryRetrieval ToolCategory = "retrieval"
	// CategoryFeedback covers feedback submission.
	CategoryFeedback ToolCategory = "feedback"
	// CategoryCuration covers reviewer operations.
	CategoryCuration ToolCategory = "curation"
	// CategorySearch is for tool discovery (tool_search itself).
	CategorySearch ToolCategory = "search"
)

// ToolMetadata describes a registered tool for discovery.
type ToolMetadata struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Category    ToolCategory `json:"category"`
	Keywords    []string     `json:"keywords,omitempty"`
}

// ToolRegistry indexes registered tools so clients can search them.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*ToolMetadata
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]*ToolMetadata)}
}

// Register adds a tool to the registry.
func (r *ToolRegistry) Register(tool *ToolMetadata) {
	if tool == nil || tool.Name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = tool
}

// Get returns the metadata for a specific tool.
func (r *ToolRegistry) Get(name string) (*ToolMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns all tools sorted by name, optionally limited to category.
func (r *ToolRegistry) List(category ToolCategory) []*ToolMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ToolMetadata, 0, len(r.tools))
	for _, tool := range r.tools {
		if category == "" || tool.Category == category {
			out = append(out, tool)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the total number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// SearchResult contains a tool match from a search query.
type SearchResult struct {
	Tool *ToolMetadata `json:"tool"`

	// Score indicates match quality (higher is better).
	// 3 = exact name match
	// 2 = name contains or matches query
	// 1 = description/keywords match
	Score int `json:"score"`

	MatchReason string `json:"match_reason"`
}

// Search finds tools matching query, case-insensitively, against names,
// descriptions and keywords. A query that compiles as a regular expression
// is also matched as one.
func (r *ToolRegistry) Search(query string, category ToolCategory) []*SearchResult {
	if query == "" {
		return nil
	}
	queryLower := strings.ToLower(query)
	var regex *regexp.Regexp
	if re, err := regexp.Compile("(?i)" + query); err == nil {
		regex = re
	}
	matches := func(s string) bool {
		return strings.Contains(strings.ToLower(s), queryLower) || (regex != nil && regex.MatchString(s))
	}

	var results []*SearchResult
	for _, tool := range r.List(category) {
		switch {
		case strings.ToLower(tool.Name) == queryLower:
			results = append(results, &SearchResult{Tool: tool, Score: 3, MatchReason: "exact name match"})
		case matches(tool.Name):
			results = append(results, &SearchResult{Tool: tool, Score: 2, MatchReason: "name matches query"})
		case matches(tool.Description):
			results = append(results, &SearchResult{Tool: tool, Score: 1, MatchReason: "description matches query"})
		default:
			for _, kw := range tool.Keywords {
				if matches(kw) {
					results = append(results, &SearchResult{Tool: tool, Score: 1, MatchReason: "keyword matches query"})
					break
				}
			}
		}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results
}

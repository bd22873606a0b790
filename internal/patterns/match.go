package patterns

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/fyrsmithlabs/flowlearn/internal/component"
	"github.com/fyrsmithlabs/flowlearn/internal/vectorstore"
)

// Query is the input to FindCandidates.
type Query struct {
	Text string

	// PlatformHint boosts patterns whose requirements name the same platform.
	PlatformHint string

	// Embedding is the precomputed query vector. Nil means the embedding
	// provider was unavailable and semantic matching is skipped.
	Embedding []float32

	// ComponentType restricts matching to one component type when set.
	ComponentType string
}

// Strategy scores how strongly a query matches each pattern. Scores are in
// (0, 1]; patterns that do not match are omitted from the result.
type Strategy interface {
	Name() string
	Score(ctx context.Context, q Query, patterns []Pattern) (map[string]float64, error)
}

// Lexical strength constants.
const (
	aliasStrength    = 0.9
	coverageWeight   = 0.6
	coverageMinRatio = 0.5
)

// Lexical matches normalized phrases and aliases on word boundaries, with a
// weaker partial score from token coverage of multi-word signals.
type Lexical struct{}

func (Lexical) Name() string { return "lexical" }

// Score implements Strategy.
func (Lexical) Score(_ context.Context, q Query, patterns []Pattern) (map[string]float64, error) {
	text := component.Normalize(q.Text)
	if text == "" {
		return nil, nil
	}
	words := make(map[string]bool)
	for _, w := range component.Tokens(text) {
		words[w] = true
	}

	scores := make(map[string]float64)
	for i := range patterns {
		p := &patterns[i]
		var s float64
		if p.MatchKind == MatchPhrase {
			if component.ContainsPhrase(text, p.SignalKey) {
				scores[p.ID] = 1.0
				continue
			}
			s = coverage(p.SignalKey, words)
		}
		for _, alias := range p.Aliases {
			if component.ContainsPhrase(text, component.Normalize(alias)) {
				s = aliasStrength
				break
			}
		}
		if s > 0 {
			scores[p.ID] = s
		}
	}
	return scores, nil
}

// coverage returns the partial-match strength of a multi-word signal.
func coverage(signal string, words map[string]bool) float64 {
	toks := component.Tokens(signal)
	if len(toks) < 2 {
		return 0
	}
	hit := 0
	for _, t := range toks {
		if words[t] {
			hit++
		}
	}
	ratio := float64(hit) / float64(len(toks))
	if ratio < coverageMinRatio {
		return 0
	}
	return coverageWeight * ratio
}

// Regex evaluates regex signals case-insensitively against the raw query.
type Regex struct {
	mu    sync.RWMutex
	cache map[string]*regexp.Regexp
}

// NewRegex creates a regex strategy with an empty compile cache.
func NewRegex() *Regex {
	return &Regex{cache: make(map[string]*regexp.Regexp)}
}

func (r *Regex) Name() string { return "regex" }

// Score implements Strategy.
func (r *Regex) Score(_ context.Context, q Query, patterns []Pattern) (map[string]float64, error) {
	scores := make(map[string]float64)
	for i := range patterns {
		p := &patterns[i]
		if p.MatchKind != MatchRegex {
			continue
		}
		re, err := r.compile(p.Signal)
		if err != nil {
			// Rejected at upsert; only reachable for rows written elsewhere.
			continue
		}
		if re.MatchString(q.Text) {
			scores[p.ID] = 1.0
		}
	}
	return scores, nil
}

func (r *Regex) compile(expr string) (*regexp.Regexp, error) {
	r.mu.RLock()
	re, ok := r.cache[expr]
	r.mu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp.Compile("(?i)" + expr)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cache[expr] = re
	r.mu.Unlock()
	return re, nil
}

// Semantic scores patterns by cosine similarity between the query embedding
// and the indexed pattern signals.
type Semantic struct {
	Index     vectorstore.Index
	Threshold float64
}

func (s *Semantic) Name() string { return "semantic" }

// Score implements Strategy. It returns ErrEmbeddingUnavailable when the
// query carries no embedding.
func (s *Semantic) Score(ctx context.Context, q Query, patterns []Pattern) (map[string]float64, error) {
	if len(q.Embedding) == 0 {
		return nil, ErrEmbeddingUnavailable
	}
	if len(patterns) == 0 {
		return nil, nil
	}

	wanted := make(map[string]bool, len(patterns))
	for i := range patterns {
		wanted[patterns[i].ID] = true
	}

	k := len(patterns)
	if q.ComponentType != "" {
		// Restricted lookups share the index with every other type.
		k *= 4
	}
	hits, err := s.Index.Search(ctx, q.Embedding, k)
	if err != nil {
		return nil, fmt.Errorf("searching semantic index: %w", err)
	}

	scores := make(map[string]float64)
	for _, h := range hits {
		score := float64(h.Score)
		if !wanted[h.ID] || score < s.Threshold {
			continue
		}
		if score > 1 {
			score = 1
		}
		scores[h.ID] = score
	}
	return scores, nil
}

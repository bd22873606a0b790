package ingest

import (
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/flowlearn/internal/component"
)

// maxTriggerTokens bounds the length of an inferred trigger phrase.
const maxTriggerTokens = 6

var clauseBreak = regexp.MustCompile(`[,;:.!?\n]+|\s(?:and|then|after|before)\s`)

// inferTrigger picks the phrase of query most likely to have called for the
// missing component. Words already explained by known phrases (the signals
// of other components' patterns) are masked; the query is split into
// clauses and the clause with the most remaining content words wins, trimmed
// to maxTriggerTokens. It returns "" when nothing is left.
func inferTrigger(query string, known []string) string {
	masks := make([][]string, 0, len(known))
	for _, k := range known {
		if toks := component.Tokens(k); len(toks) > 0 {
			masks = append(masks, toks)
		}
	}

	var (
		best      []string
		bestCount int
	)
	for _, clause := range clauseBreak.Split(strings.ToLower(query), -1) {
		toks := component.Tokens(clause)
		kept := unmasked(toks, masks)
		content := 0
		for _, t := range kept {
			if !component.IsStopword(t) {
				content++
			}
		}
		if content > bestCount {
			best, bestCount = kept, content
		}
	}

	best = trimStopwords(best)
	if len(best) > maxTriggerTokens {
		best = trimStopwords(best[:maxTriggerTokens])
	}
	return strings.Join(best, " ")
}

// unmasked drops every occurrence of each mask sequence from toks. A masked
// span splits the clause; the longest remaining run is returned.
func unmasked(toks []string, masks [][]string) []string {
	hidden := make([]bool, len(toks))
	for _, m := range masks {
		for i := 0; i+len(m) <= len(toks); i++ {
			if equalAt(toks, i, m) {
				for j := i; j < i+len(m); j++ {
					hidden[j] = true
				}
			}
		}
	}

	var longest, cur []string
	for i, t := range toks {
		if hidden[i] {
			if contentLen(cur) > contentLen(longest) {
				longest = cur
			}
			cur = nil
			continue
		}
		cur = append(cur, t)
	}
	if contentLen(cur) > contentLen(longest) {
		longest = cur
	}
	return longest
}

func equalAt(toks []string, i int, m []string) bool {
	for j := range m {
		if toks[i+j] != m[j] {
			return false
		}
	}
	return true
}

func contentLen(toks []string) int {
	n := 0
	for _, t := range toks {
		if !component.IsStopword(t) {
			n++
		}
	}
	return n
}

func trimStopwords(toks []string) []string {
	for len(toks) > 0 && component.IsStopword(toks[0]) {
		toks = toks[1:]
	}
	for len(toks) > 0 && component.IsStopword(toks[len(toks)-1]) {
		toks = toks[:len(toks)-1]
	}
	return toks
}

// categoryHints maps identifier words to the category they usually signal.
// Earlier entries win.
var categoryHints = []struct {
	word     string
	category component.Category
}{
	{"timer", component.CategoryMonitoring},
	{"scheduler", component.CategoryMonitoring},
	{"cron", component.CategoryMonitoring},
	{"logger", component.CategoryMonitoring},
	{"monitor", component.CategoryMonitoring},
	{"alert", component.CategoryMonitoring},
	{"error", component.CategoryErrorHandling},
	{"retry", component.CategoryErrorHandling},
	{"exception", component.CategoryErrorHandling},
	{"dlq", component.CategoryErrorHandling},
	{"router", component.CategoryRouting},
	{"splitter", component.CategoryRouting},
	{"filter", component.CategoryRouting},
	{"aggregator", component.CategoryRouting},
	{"mapper", component.CategoryTransformation},
	{"transformer", component.CategoryTransformation},
	{"converter", component.CategoryTransformation},
	{"translator", component.CategoryTransformation},
	{"writer", component.CategoryTargetAdapter},
	{"sender", component.CategoryTargetAdapter},
	{"publisher", component.CategoryTargetAdapter},
	{"producer", component.CategoryTargetAdapter},
	{"sink", component.CategoryTargetAdapter},
	{"reader", component.CategorySourceAdapter},
	{"listener", component.CategorySourceAdapter},
	{"poller", component.CategorySourceAdapter},
	{"consumer", component.CategorySourceAdapter},
	{"adapter", component.CategorySourceAdapter},
}

// guessCategory infers a category from a component type identifier, used
// only when no pattern of the type exists to copy it from.
func guessCategory(componentType string) component.Category {
	words := make(map[string]bool)
	for _, w := range component.SplitIdentifier(componentType) {
		words[w] = true
	}
	for _, h := range categoryHints {
		if words[h.word] {
			return h.category
		}
	}
	return component.CategoryTransformation
}

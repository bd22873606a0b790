package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Finding is one detected secret.
type Finding struct {
	RuleID string
	Secret string
}

// Scrubber replaces secrets in text with [REDACTED:rule-id] markers.
// It is safe for concurrent use.
type Scrubber struct {
	enabled bool
	detect  func(string) []Finding
}

var (
	defaultConfigOnce sync.Once
	defaultConfig     gitleaksConfig.Config
	defaultConfigErr  error
)

// loadDefaultConfig parses the bundled gitleaks rules once per process.
func loadDefaultConfig() (gitleaksConfig.Config, error) {
	defaultConfigOnce.Do(func() {
		d, err := detect.NewDetectorDefaultConfig()
		if err != nil {
			defaultConfigErr = fmt.Errorf("loading gitleaks rules: %w", err)
			return
		}
		defaultConfig = d.Config
	})
	return defaultConfig, defaultConfigErr
}

// New creates a scrubber. allowRegexes suppress matching findings. A
// disabled scrubber returns text unchanged.
func New(enabled bool, allowRegexes []string) (*Scrubber, error) {
	if !enabled {
		return &Scrubber{}, nil
	}

	cfg, err := loadDefaultConfig()
	if err != nil {
		return nil, err
	}
	if len(allowRegexes) > 0 {
		allow := &gitleaksConfig.Allowlist{Description: "flowlearn allowlist"}
		for _, pattern := range allowRegexes {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("allow regex %q: %w", pattern, err)
			}
			allow.Regexes = append(allow.Regexes, (*gitleaksRegexp.Regexp)(re))
		}
		// Copy so the shared default config is not mutated.
		cfg.Allowlists = append(append([]*gitleaksConfig.Allowlist(nil), cfg.Allowlists...), allow)
	}

	return &Scrubber{
		enabled: true,
		detect: func(text string) []Finding {
			// Detectors accumulate state across scans; one per call keeps
			// concurrent scrubs independent.
			found := detect.NewDetector(cfg).DetectString(text)
			out := make([]Finding, 0, len(found))
			for _, f := range found {
				secret := f.Secret
				if secret == "" {
					secret = f.Match
				}
				out = append(out, Finding{RuleID: f.RuleID, Secret: secret})
			}
			return out
		},
	}, nil
}

// Scrub returns text with every detected secret replaced, and whether
// anything was replaced.
func (s *Scrubber) Scrub(text string) (string, bool) {
	if s == nil || !s.enabled || strings.TrimSpace(text) == "" {
		return text, false
	}
	findings := s.detect(text)
	if len(findings) == 0 {
		return text, false
	}
	out := redact(text, findings)
	return out, out != text
}

// Check returns the rule IDs that match text, without the secrets.
func (s *Scrubber) Check(text string) []string {
	if s == nil || !s.enabled {
		return nil
	}
	seen := make(map[string]bool)
	var rules []string
	for _, f := range s.detect(text) {
		if !seen[f.RuleID] {
			seen[f.RuleID] = true
			rules = append(rules, f.RuleID)
		}
	}
	sort.Strings(rules)
	return rules
}

// redact replaces longer secrets first so a secret containing another is
// not left half redacted.
func redact(text string, findings []Finding) string {
	sorted := make([]Finding, len(findings))
	copy(sorted, findings)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Secret) > len(sorted[j].Secret)
	})
	for _, f := range sorted {
		if f.Secret == "" {
			continue
		}
		text = strings.ReplaceAll(text, f.Secret, "[REDACTED:"+f.RuleID+"]")
	}
	return text
}

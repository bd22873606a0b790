package ingest

import (
	"encoding/json"
	"fmt"
)

// Result summarizes what ingesting one feedback record changed. It is stored
// with the record and returned unchanged when the record is ingested again.
type Result struct {
	FeedbackID string `json:"feedback_id"`
	ExampleID  string `json:"example_id,omitempty"`
	Correct    bool   `json:"correct"`
	Approved   bool   `json:"approved"`

	// AlreadyResolved is set when the job's example was settled by earlier
	// feedback; no learning updates were applied for this record.
	AlreadyResolved bool `json:"already_resolved,omitempty"`

	// ConfirmedPatterns received a correct outcome, PenalizedPatterns an
	// incorrect one.
	ConfirmedPatterns []string `json:"confirmed_patterns,omitempty"`
	PenalizedPatterns []string `json:"penalized_patterns,omitempty"`
	CandidatePatterns []string `json:"candidate_patterns,omitempty"`

	PairsRecorded int  `json:"pairs_recorded"`
	PromptUsage   bool `json:"prompt_usage_recorded"`
	Anomalies     int  `json:"anomalies"`

	// Replayed is set when the result was loaded from a previous ingest.
	Replayed bool `json:"replayed,omitempty"`
}

func (r *Result) encode() (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encoding ingest result: %w", err)
	}
	return string(b), nil
}

func decodeResult(s string) (*Result, error) {
	var r Result
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return nil, fmt.Errorf("decoding stored ingest result: %w", err)
	}
	r.Replayed = true
	return &r, nil
}

package feedback

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/flowlearn/internal/component"
	"github.com/fyrsmithlabs/flowlearn/internal/storage"
)

type fakeScrubber struct{}

func (fakeScrubber) Scrub(text string) (string, bool) {
	if text == "password=hunter2" {
		return "password=[REDACTED:test]", true
	}
	return text, false
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(storage.NewTestDB(t, Models()...), fakeScrubber{}, nil)
	require.NoError(t, err)
	return s
}

func submitCorrect(t *testing.T, s *Store, jobID string) *Feedback {
	t.Helper()
	f, err := s.Submit(context.Background(), SubmitInput{
		JobID:      jobID,
		Query:      "Poll SFTP and transform to JSON",
		Identified: []component.Ref{{Type: "SFTPAdapter"}, {Type: "JSONMapper"}},
		Type:       TypeCorrect,
	})
	require.NoError(t, err)
	return f
}

func TestSubmit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rating := 4
	f, err := s.Submit(ctx, SubmitInput{
		JobID:      " job-1 ",
		Query:      "Poll SFTP",
		Identified: []component.Ref{{Type: "SFTPAdapter"}},
		Type:       TypeMissingComponents,
		Missing:    []component.Ref{{Type: "JSONMapper"}},
		Provenance: map[string][]string{"SFTPAdapter": {"p-1", "p-2"}},
		Rating:     &rating,
	})
	require.NoError(t, err)
	assert.Equal(t, "job-1", f.JobID)
	assert.Equal(t, PriorityMedium, f.Priority)
	assert.Equal(t, StatusPending, f.Status)

	got, err := s.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, component.Refs{{Type: "JSONMapper"}}, got.Missing)
	assert.Equal(t, []string{"p-1", "p-2"}, got.ProvenanceFor("SFTPAdapter"))
	assert.Nil(t, got.ProvenanceFor("JSONMapper"))
	require.NotNil(t, got.Rating)
	assert.Equal(t, 4, *got.Rating)
	assert.False(t, got.Processed)

	_, err = s.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrFeedbackNotFound)
}

func TestSubmit_Scrubs(t *testing.T) {
	s := newTestStore(t)
	f, err := s.Submit(context.Background(), SubmitInput{
		JobID: "job-1",
		Query: "password=hunter2",
		Type:  TypeCorrect,
	})
	require.NoError(t, err)
	assert.Equal(t, "password=[REDACTED:test]", f.Query)
}

func TestSubmit_Validation(t *testing.T) {
	s := newTestStore(t)
	bad := 6

	tests := []struct {
		name string
		in   SubmitInput
	}{
		{"no job", SubmitInput{Query: "q", Type: TypeCorrect}},
		{"no query", SubmitInput{JobID: "j", Type: TypeCorrect}},
		{"unknown type", SubmitInput{JobID: "j", Query: "q", Type: "great"}},
		{"unknown priority", SubmitInput{JobID: "j", Query: "q", Type: TypeCorrect, Priority: "urgent"}},
		{"rating out of range", SubmitInput{JobID: "j", Query: "q", Type: TypeCorrect, Rating: &bad}},
		{"missing without list", SubmitInput{JobID: "j", Query: "q", Type: TypeMissingComponents}},
		{"extra without list", SubmitInput{JobID: "j", Query: "q", Type: TypeExtraComponents}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Submit(context.Background(), tt.in)
			assert.ErrorIs(t, err, ErrInvalidFeedback)
		})
	}
}

func TestSubmit_DetailFallback(t *testing.T) {
	s := newTestStore(t)

	f, err := s.Submit(context.Background(), SubmitInput{
		JobID: "job-1",
		Query: "q",
		Type:  TypeMissingComponents,
		Detail: map[string]interface{}{
			"missing":          []interface{}{"JSONMapper", map[string]interface{}{"type": "Logger", "quantity": 2}},
			"extra_components": "Router, ,Filter",
			"expected_order":   []interface{}{"SFTPAdapter", "JSONMapper"},
			"rating":           "5",
			"import_success":   "true",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, component.Refs{{Type: "JSONMapper"}, {Type: "Logger", Quantity: 2}}, f.Missing)
	assert.Equal(t, component.Refs{{Type: "Router"}, {Type: "Filter"}}, f.Extra)
	assert.Equal(t, storage.StringList{"SFTPAdapter", "JSONMapper"}, f.ExpectedSequence)
	require.NotNil(t, f.Rating)
	assert.Equal(t, 5, *f.Rating)
	require.NotNil(t, f.ImportSuccess)
	assert.True(t, *f.ImportSuccess)
}

func TestClaim_SingleWinner(t *testing.T) {
	s := newTestStore(t)
	f := submitCorrect(t, s, "job-1")

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		claimed atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, _, err := s.Claim(context.Background(), f.ID)
			switch {
			case err == nil && token != "":
				winners.Add(1)
			case assert.ErrorIs(t, err, ErrClaimed):
				claimed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, winners.Load())
	assert.EqualValues(t, 9, claimed.Load())
}

func TestClaimCompleteRelease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := submitCorrect(t, s, "job-1")

	token, got, err := s.Claim(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)
	require.NotNil(t, got.ClaimedAt)

	assert.ErrorIs(t, s.Complete(ctx, f.ID, "other-token", "{}"), ErrClaimLost)

	require.NoError(t, s.Release(ctx, f.ID, token))
	assert.ErrorIs(t, s.Release(ctx, f.ID, token), ErrClaimLost)

	token, _, err = s.Claim(ctx, f.ID)
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, f.ID, token, `{"ok":true}`))

	_, got, err = s.Claim(ctx, f.ID)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
	require.NotNil(t, got)
	assert.True(t, got.Processed)
	assert.Equal(t, `{"ok":true}`, got.Result)
	assert.NotNil(t, got.ProcessedAt)

	_, _, err = s.Claim(ctx, "nope")
	assert.ErrorIs(t, err, ErrFeedbackNotFound)
}

func TestListPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := submitCorrect(t, s, "job-a")
	b := submitCorrect(t, s, "job-b")

	token, _, err := s.Claim(ctx, b.ID)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	ids, err := s.ListPending(ctx, time.Now().Add(time.Minute), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, ids)

	ids, err = s.ListPending(ctx, time.Now().Add(-time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestReleaseStale_ReportsOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := submitCorrect(t, s, "job-1")

	past := time.Now().UTC().Add(-time.Hour)
	s.now = func() time.Time { return past }
	_, _, err := s.Claim(ctx, f.ID)
	require.NoError(t, err)
	s.now = func() time.Time { return time.Now().UTC() }

	stale, err := s.ReleaseStale(ctx, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, f.ID, stale[0].ID)

	got, err := s.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Empty(t, got.ClaimToken)

	// Claimed and abandoned again: released, but not reported a second time.
	s.now = func() time.Time { return past }
	_, _, err = s.Claim(ctx, f.ID)
	require.NoError(t, err)

	stale, err = s.ReleaseStale(ctx, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, stale)
	got, err = s.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestAnomalies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	assert.Error(t, s.RecordAnomaly(ctx, Anomaly{Kind: AnomalyNoTrigger}))

	require.NoError(t, s.RecordAnomaly(ctx, Anomaly{
		FeedbackID: "f-1",
		Kind:       AnomalyNoTrigger,
		Component:  "Logger",
		Message:    "no trigger phrase could be inferred",
	}))
	require.NoError(t, s.RecordAnomaly(ctx, Anomaly{
		FeedbackID: "f-2",
		Kind:       AnomalyOutcomeFailed,
		PatternID:  "p-9",
		Message:    "pattern not found",
	}))

	all, err := s.ListAnomalies(ctx, AnomalyFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byKind, err := s.ListAnomalies(ctx, AnomalyFilter{Kind: AnomalyNoTrigger})
	require.NoError(t, err)
	require.Len(t, byKind, 1)
	assert.Equal(t, "Logger", byKind[0].Component)

	require.NoError(t, s.ResolveAnomaly(ctx, byKind[0].ID, "added trigger manually"))
	require.NoError(t, s.ResolveAnomaly(ctx, byKind[0].ID, "second note"))

	unresolved := false
	open, err := s.ListAnomalies(ctx, AnomalyFilter{Resolved: &unresolved})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "f-2", open[0].FeedbackID)

	resolved := true
	done, err := s.ListAnomalies(ctx, AnomalyFilter{Resolved: &resolved})
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, "added trigger manually", done[0].ResolutionNote)

	assert.ErrorIs(t, s.ResolveAnomaly(ctx, "nope", ""), ErrAnomalyNotFound)
}

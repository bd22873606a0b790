package training

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

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(storage.NewTestDB(t, Models()...), nil)
	require.NoError(t, err)
	return s
}

var sftpFlow = []component.Ref{
	{Type: "SFTPAdapter", SubType: "sftp"},
	{Type: "JSONMapper"},
}

func TestRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Record(ctx, RecordInput{
		JobID:         "job-1",
		Query:         "  Poll SFTP and transform to JSON ",
		Intent:        "file_sync",
		Components:    sftpFlow,
		ModelVersion:  "model-a",
		PromptVersion: "v1",
		Confidence:    0.8,
	})
	require.NoError(t, err)

	e, err := s.GetByJobID(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, id, e.ID)
	assert.Equal(t, "Poll SFTP and transform to JSON", e.Query)
	assert.Equal(t, CorrectnessUnknown, e.Correctness)
	assert.Equal(t, component.Refs(sftpFlow), e.Components)
	assert.Equal(t, DefaultWeight, e.TrainingWeight)
	assert.False(t, e.Approved)
	assert.Nil(t, e.ResolvedAt)

	_, err = s.Record(ctx, RecordInput{JobID: "job-1", Query: "again"})
	assert.ErrorIs(t, err, ErrDuplicateJob)

	// Examples without a job do not collide with each other.
	_, err = s.Record(ctx, RecordInput{Query: "a"})
	require.NoError(t, err)
	_, err = s.Record(ctx, RecordInput{Query: "b"})
	require.NoError(t, err)
}

func TestRecord_Validation(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Record(context.Background(), RecordInput{Query: " "})
	assert.ErrorIs(t, err, ErrInvalidExample)
	_, err = s.Record(context.Background(), RecordInput{Query: "q", Confidence: 1.2})
	assert.ErrorIs(t, err, ErrInvalidExample)
}

func TestResolve_WriteOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Record(ctx, RecordInput{Query: "poll sftp", Components: sftpFlow})
	require.NoError(t, err)

	missing := []component.Ref{{Type: "Timer"}}
	require.NoError(t, s.Resolve(ctx, id, Resolution{
		Correct:     false,
		Missing:     missing,
		Corrections: map[string]interface{}{"added": []interface{}{"Timer"}},
	}))

	before, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, CorrectnessIncorrect, before.Correctness)
	assert.Equal(t, component.Refs(missing), before.Missing)
	assert.NotNil(t, before.ResolvedAt)

	err = s.Resolve(ctx, id, Resolution{Correct: true})
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	after, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, before.Correctness, after.Correctness)
	assert.Equal(t, before.Missing, after.Missing)
	assert.Equal(t, before.Corrections, after.Corrections)

	err = s.Resolve(ctx, "missing", Resolution{Correct: true})
	assert.ErrorIs(t, err, ErrExampleNotFound)
}

func TestResolve_ConcurrentSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Record(ctx, RecordInput{Query: "poll sftp"})
	require.NoError(t, err)

	var (
		wins     atomic.Int32
		resolved atomic.Int32
		wg       sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.Resolve(ctx, id, Resolution{Correct: i%2 == 0})
			switch {
			case err == nil:
				wins.Add(1)
			case assert.ErrorIs(t, err, ErrAlreadyResolved):
				resolved.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(9), resolved.Load())
}

func TestApprove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Record(ctx, RecordInput{Query: "poll sftp"})
	require.NoError(t, err)

	assert.ErrorIs(t, s.Approve(ctx, id, 1), ErrNotEligible, "unknown correctness")

	wrong, err := s.Record(ctx, RecordInput{Query: "route by header"})
	require.NoError(t, err)
	require.NoError(t, s.Resolve(ctx, wrong, Resolution{Correct: false}))
	assert.ErrorIs(t, s.Approve(ctx, wrong, 1), ErrNotEligible, "resolved incorrect")

	require.NoError(t, s.Resolve(ctx, id, Resolution{Correct: true}))
	assert.ErrorIs(t, s.Approve(ctx, id, -0.5), ErrInvalidWeight)
	require.NoError(t, s.Approve(ctx, id, 1.5))

	e, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, e.Eligible())
	assert.Equal(t, 1.5, e.TrainingWeight)
	assert.NotNil(t, e.ApprovedAt)

	assert.ErrorIs(t, s.Approve(ctx, "missing", 1), ErrExampleNotFound)
}

// seedEligible records an approved, correct example with a fixed creation
// time.
func seedEligible(t *testing.T, s *Store, query, intent string, confidence, weight float64, created time.Time) string {
	t.Helper()
	ctx := context.Background()
	id, err := s.Record(ctx, RecordInput{Query: query, Intent: intent, Components: sftpFlow, Confidence: confidence})
	require.NoError(t, err)
	require.NoError(t, s.Resolve(ctx, id, Resolution{Correct: true}))
	require.NoError(t, s.Approve(ctx, id, weight))
	require.NoError(t, s.db.Model(&Example{}).Where("id = ?", id).Update("created_at", created).Error)
	return id
}

func TestSelectFewShot_RanksByConfidenceTimesWeight(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	// Scores: e1 0.5, e2 0.9, e3 0.6, e4 0.8, e5 0.8. e5 is more recent
	// than e4 and wins the tie.
	seedEligible(t, s, "e1", "", 0.5, 1.0, base)
	top := seedEligible(t, s, "e2", "", 0.9, 1.0, base)
	seedEligible(t, s, "e3", "", 0.6, 1.0, base.Add(time.Hour))
	older := seedEligible(t, s, "e4", "", 0.4, 2.0, base)
	newer := seedEligible(t, s, "e5", "", 0.8, 1.0, base.Add(time.Hour))

	// Not eligible: unresolved, and correct but unapproved.
	_, err := s.Record(ctx, RecordInput{Query: "pending", Confidence: 1})
	require.NoError(t, err)
	unapproved, err := s.Record(ctx, RecordInput{Query: "unapproved", Confidence: 1})
	require.NoError(t, err)
	require.NoError(t, s.Resolve(ctx, unapproved, Resolution{Correct: true}))

	got, err := s.SelectFewShot(ctx, FewShotRequest{QueryText: "Poll SFTP and transform to JSON", K: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, top, got[0].ID)
	assert.Equal(t, newer, got[1].ID)

	got, err = s.SelectFewShot(ctx, FewShotRequest{K: 10})
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, older, got[2].ID)
	for _, e := range got {
		assert.True(t, e.Eligible())
	}
}

func TestSelectFewShot_Diversity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	a1 := seedEligible(t, s, "a1", "file_sync", 0.9, 1, base)
	seedEligible(t, s, "a2", "file_sync", 0.8, 1, base)
	b1 := seedEligible(t, s, "b1", "routing", 0.7, 1, base)
	n1 := seedEligible(t, s, "n1", "", 0.6, 1, base)
	n2 := seedEligible(t, s, "n2", "", 0.5, 1, base)

	got, err := s.SelectFewShot(ctx, FewShotRequest{K: 4, Diverse: true})
	require.NoError(t, err)
	ids := make([]string, len(got))
	for i, e := range got {
		ids[i] = e.ID
	}
	assert.Equal(t, []string{a1, b1, n1, n2}, ids)

	got, err = s.SelectFewShot(ctx, FewShotRequest{K: 5, Intent: "file_sync"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.SelectFewShot(ctx, FewShotRequest{K: 0})
	require.NoError(t, err)
	assert.Empty(t, got)
}

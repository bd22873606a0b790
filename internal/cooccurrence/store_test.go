package cooccurrence

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/flowlearn/internal/component"
	"github.com/fyrsmithlabs/flowlearn/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(storage.NewTestDB(t, Models()...), 0, nil)
	require.NoError(t, err)
	return s
}

func TestRecord_CanonicalKeyIsSymmetric(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Timer before SFTPAdapter, observed from both argument orders.
	require.NoError(t, s.Record(ctx, "Timer", "SFTPAdapter", component.SequenceABeforeB, Observation{}))
	require.NoError(t, s.Record(ctx, "SFTPAdapter", "Timer", component.SequenceBBeforeA, Observation{}))

	pairs, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pairs, 1)

	p := pairs[0]
	assert.Equal(t, "SFTPAdapter", p.ComponentA)
	assert.Equal(t, "Timer", p.ComponentB)
	assert.Equal(t, int64(2), p.TimesTogether)
	assert.Equal(t, int64(2), p.BBeforeACount)
	assert.Zero(t, p.ABeforeBCount)
	assert.Equal(t, component.SequenceBBeforeA, p.TypicalSequence)

	got, err := s.Get(ctx, "Timer", "SFTPAdapter")
	require.NoError(t, err)
	assert.Equal(t, p.TimesTogether, got.TimesTogether)
}

func TestRecord_MajorityVote(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	steps := []struct {
		seq  component.Sequence
		want component.Sequence
	}{
		{component.SequenceABeforeB, component.SequenceABeforeB},
		{component.SequenceABeforeB, component.SequenceABeforeB},
		{component.SequenceBBeforeA, component.SequenceABeforeB},
		{component.SequenceBBeforeA, component.SequenceNoPattern}, // tie
		{component.SequenceNoPattern, component.SequenceNoPattern},
		{component.SequenceBBeforeA, component.SequenceBBeforeA},
	}
	for i, step := range steps {
		require.NoError(t, s.Record(ctx, "A", "B", step.seq, Observation{}))
		p, err := s.Get(ctx, "A", "B")
		require.NoError(t, err)
		assert.Equal(t, step.want, p.TypicalSequence, "after observation %d", i+1)
		assert.Equal(t, int64(i+1), p.TimesTogether)
	}
}

func TestRecord_Confidence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for n := 1; n <= 4; n++ {
		require.NoError(t, s.Record(ctx, "JSONMapper", "SFTPAdapter", component.SequenceNoPattern, Observation{}))
		p, err := s.Get(ctx, "JSONMapper", "SFTPAdapter")
		require.NoError(t, err)
		assert.InDelta(t, float64(n)/float64(n+2), p.ConfidenceScore, 1e-9)
	}
}

func TestRecord_KeepsFirstExample(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, "A", "B", component.SequenceNoPattern, Observation{}))
	require.NoError(t, s.Record(ctx, "A", "B", component.SequenceNoPattern, Observation{UseCase: "nightly sync", FlowName: "sync-flow"}))
	require.NoError(t, s.Record(ctx, "A", "B", component.SequenceNoPattern, Observation{UseCase: "other", FlowName: "other-flow"}))

	p, err := s.Get(ctx, "A", "B")
	require.NoError(t, err)
	assert.Equal(t, "nightly sync", p.ExampleUseCase)
	assert.Equal(t, []string{"sync-flow"}, []string(p.ExampleFlowNames))
}

func TestRecord_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const n = 30
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b, seq := "Router", "Splitter", component.SequenceABeforeB
			if i%2 == 1 {
				a, b, seq = b, a, component.SequenceBBeforeA
			}
			assert.NoError(t, s.Record(ctx, a, b, seq, Observation{}))
		}(i)
	}
	wg.Wait()

	p, err := s.Get(ctx, "Router", "Splitter")
	require.NoError(t, err)
	assert.Equal(t, int64(n), p.TimesTogether)
	assert.Equal(t, int64(n), p.ABeforeBCount)
	assert.Equal(t, component.SequenceABeforeB, p.TypicalSequence)
}

func TestRecord_Validation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.Record(ctx, "", "B", component.SequenceNoPattern, Observation{}), ErrInvalidPair)
	assert.ErrorIs(t, s.Record(ctx, "A", "A", component.SequenceNoPattern, Observation{}), ErrInvalidPair)
	assert.ErrorIs(t, s.Record(ctx, "A", "B", "sideways", Observation{}), ErrInvalidPair)

	_, err := s.Get(ctx, "A", "B")
	assert.ErrorIs(t, err, ErrPairNotFound)
}

func TestGetRelated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// SFTPAdapter/Timer: 3 observations, Timer first. Confidence 0.6.
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Record(ctx, "Timer", "SFTPAdapter", component.SequenceABeforeB, Observation{}))
	}
	// JSONMapper/SFTPAdapter: 2 observations, SFTPAdapter first. Confidence 0.5.
	for i := 0; i < 2; i++ {
		require.NoError(t, s.Record(ctx, "SFTPAdapter", "JSONMapper", component.SequenceABeforeB, Observation{}))
	}
	// Unrelated pair.
	require.NoError(t, s.Record(ctx, "Router", "Splitter", component.SequenceNoPattern, Observation{}))

	got, err := s.GetRelated(ctx, "SFTPAdapter", 0.3)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "Timer", got[0].Component)
	assert.InDelta(t, 0.6, got[0].Confidence, 1e-9)
	assert.Equal(t, component.SequenceBBeforeA, got[0].Sequence, "Timer comes before the queried SFTPAdapter")

	assert.Equal(t, "JSONMapper", got[1].Component)
	assert.Equal(t, component.SequenceABeforeB, got[1].Sequence)

	got, err = s.GetRelated(ctx, "SFTPAdapter", 0.55)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Timer", got[0].Component)

	got, err = s.GetRelated(ctx, "Timer", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "SFTPAdapter", got[0].Component)
	assert.Equal(t, component.SequenceABeforeB, got[0].Sequence)
}

package patterns

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/flowlearn/internal/component"
	"github.com/fyrsmithlabs/flowlearn/internal/lock"
	"github.com/fyrsmithlabs/flowlearn/internal/storage"
	"github.com/fyrsmithlabs/flowlearn/internal/vectorstore"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	db := storage.NewTestDB(t, Models()...)
	s, err := NewStore(db, nil, opts...)
	require.NoError(t, err)
	return s
}

func sftpInput() Input {
	return Input{
		Signal:        "poll sftp",
		ComponentType: "SFTPAdapter",
		Category:      component.CategorySourceAdapter,
		Aliases:       []string{"sftp polling"},
		Active:        true,
		Source:        SourceSeed,
	}
}

func TestUpsert_CreatesWithPrior(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Upsert(ctx, sftpInput())
	require.NoError(t, err)

	p, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "poll sftp", p.SignalKey)
	assert.Equal(t, DefaultConfidencePrior, p.ConfidenceScore)
	assert.Zero(t, p.TimesMatched)
	assert.True(t, p.Active)
	assert.Equal(t, []string{"sftp polling"}, []string(p.Aliases))
}

func TestUpsert_EquivalentSignalReturnsExisting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := sftpInput()
	in.TimesMatched, in.TimesCorrect = 4, 3
	id, err := s.Upsert(ctx, in)
	require.NoError(t, err)

	tests := []struct {
		name  string
		input Input
	}{
		{"case and punctuation", Input{Signal: "Poll  SFTP!", ComponentType: "SFTPAdapter", Category: component.CategorySourceAdapter}},
		{"signal equals existing alias", Input{Signal: "SFTP polling", ComponentType: "SFTPAdapter", Category: component.CategorySourceAdapter}},
		{"alias equals existing signal", Input{Signal: "fetch files over sftp", Aliases: []string{"poll sftp"}, ComponentType: "SFTPAdapter", Category: component.CategorySourceAdapter}},
		{"statistics ignored", Input{Signal: "poll sftp", ComponentType: "SFTPAdapter", Category: component.CategorySourceAdapter, TimesMatched: 100, TimesCorrect: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Upsert(ctx, tt.input)
			require.NoError(t, err)
			assert.Equal(t, id, got)
		})
	}

	p, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(4), p.TimesMatched)
	assert.Equal(t, int64(3), p.TimesCorrect)
	assert.InDelta(t, 0.75, p.ConfidenceScore, 1e-9)

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestUpsert_DuplicateSignalConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, sftpInput())
	require.NoError(t, err)

	_, err = s.Upsert(ctx, Input{
		Signal:        "POLL SFTP",
		ComponentType: "FTPAdapter",
		Category:      component.CategorySourceAdapter,
	})
	assert.ErrorIs(t, err, ErrDuplicateSignalConflict)
	assert.Contains(t, err.Error(), "SFTPAdapter")
}

func TestUpsert_Validation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		input Input
	}{
		{"empty signal", Input{ComponentType: "X", Category: component.CategoryRouting}},
		{"no words", Input{Signal: "!!!", ComponentType: "X", Category: component.CategoryRouting}},
		{"missing type", Input{Signal: "route", Category: component.CategoryRouting}},
		{"bad category", Input{Signal: "route", ComponentType: "X", Category: "gateway"}},
		{"bad regex", Input{Signal: "poll(", MatchKind: MatchRegex, ComponentType: "X", Category: component.CategoryRouting}},
		{"correct above matched", Input{Signal: "route", ComponentType: "X", Category: component.CategoryRouting, TimesMatched: 1, TimesCorrect: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Upsert(ctx, tt.input)
			assert.ErrorIs(t, err, ErrInvalidPattern)
		})
	}
}

func TestUpsert_ExampleQueriesBounded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var id string
	for i := 0; i < maxExampleQueries+5; i++ {
		in := sftpInput()
		in.ExampleQuery = fmt.Sprintf("poll sftp every %d minutes", i)
		got, err := s.Upsert(ctx, in)
		require.NoError(t, err)
		id = got
	}
	// Repeats are not stored twice.
	in := sftpInput()
	in.ExampleQuery = "poll sftp every 0 minutes"
	_, err := s.Upsert(ctx, in)
	require.NoError(t, err)

	p, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Len(t, p.ExampleQueries, maxExampleQueries)
	assert.Equal(t, "poll sftp every 0 minutes", p.ExampleQueries[0])
}

func TestUpsert_CandidateForcedInactive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Upsert(ctx, Input{
		Signal:        "every 5 minutes",
		ComponentType: "Timer",
		Category:      component.CategoryMonitoring,
		Active:        true,
		Candidate:     true,
		Source:        SourceFeedback,
	})
	require.NoError(t, err)

	p, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, p.Active)
	assert.True(t, p.Candidate)
}

func TestUpsert_ConcurrentSameSignal(t *testing.T) {
	s := newTestStore(t, WithLocker(lock.NewLocal()))
	ctx := context.Background()

	const workers = 8
	ids := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := s.Upsert(ctx, sftpInput())
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestRecordOutcome_Scenario(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := sftpInput()
	in.TimesMatched, in.TimesCorrect = 10, 9
	id, err := s.Upsert(ctx, in)
	require.NoError(t, err)

	p, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, p.ConfidenceScore, 1e-9)

	require.NoError(t, s.RecordOutcome(ctx, id, true))

	p, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(11), p.TimesMatched)
	assert.Equal(t, int64(10), p.TimesCorrect)
	assert.InDelta(t, 10.0/11.0, p.ConfidenceScore, 1e-9)
}

func TestRecordOutcome_Invariant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Upsert(ctx, sftpInput())
	require.NoError(t, err)

	outcomes := []bool{false, true, true, false, true, true, true}
	var correct int64
	for i, ok := range outcomes {
		require.NoError(t, s.RecordOutcome(ctx, id, ok))
		if ok {
			correct++
		}
		p, err := s.Get(ctx, id)
		require.NoError(t, err)
		matched := int64(i + 1)
		assert.Equal(t, matched, p.TimesMatched)
		assert.Equal(t, correct, p.TimesCorrect)
		assert.InDelta(t, float64(correct)/float64(matched), p.ConfidenceScore, 1e-9)
	}
}

func TestRecordOutcome_ConcurrentNoLostUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Upsert(ctx, sftpInput())
	require.NoError(t, err)

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.RecordOutcome(ctx, id, i%4 != 0))
		}(i)
	}
	wg.Wait()

	p, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(n), p.TimesMatched)
	assert.Equal(t, int64(30), p.TimesCorrect)
	assert.InDelta(t, 0.75, p.ConfidenceScore, 1e-9)
}

func TestRecordOutcome_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.RecordOutcome(context.Background(), "missing", true)
	assert.ErrorIs(t, err, ErrPatternNotFound)
}

func TestSetActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Upsert(ctx, Input{
		Signal:        "every 5 minutes",
		ComponentType: "Timer",
		Category:      component.CategoryMonitoring,
		Candidate:     true,
		Source:        SourceFeedback,
	})
	require.NoError(t, err)

	q := Query{Text: "poll every 5 minutes"}
	got, err := s.FindCandidates(ctx, q, 5)
	require.NoError(t, err)
	assert.Empty(t, got, "inactive patterns are not matched")

	p, err := s.SetActive(ctx, id, true)
	require.NoError(t, err)
	assert.True(t, p.Active)
	assert.False(t, p.Candidate)

	got, err = s.FindCandidates(ctx, q, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].Pattern.ID)

	_, err = s.SetActive(ctx, id, false)
	require.NoError(t, err)
	got, err = s.FindCandidates(ctx, q, 5)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = s.SetActive(ctx, "missing", true)
	assert.ErrorIs(t, err, ErrPatternNotFound)
}

func TestFindCandidates_Ranking(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mk := func(signal, typ string, matched, correct int64) string {
		id, err := s.Upsert(ctx, Input{
			Signal:        signal,
			ComponentType: typ,
			Category:      component.CategoryTransformation,
			Active:        true,
			TimesMatched:  matched,
			TimesCorrect:  correct,
		})
		require.NoError(t, err)
		return id
	}
	// Every signal but "route" appears in the query at full strength, so
	// the score is the confidence. The three 0.8 patterns tie on score.
	low := mk("json", "JSONMapper", 10, 5)
	high := mk("transform", "XSLTMapper", 10, 9)
	tieMore := mk("csv", "CSVMapper", 20, 16)
	tieLess := mk("convert", "Converter", 10, 8)
	tieNewer := mk("map", "FieldMapper", 10, 8)
	mk("route", "Router", 10, 10)

	got, err := s.FindCandidates(ctx, Query{Text: "Transform CSV and JSON: convert, map"}, 0)
	require.NoError(t, err)

	ids := make([]string, len(got))
	for i, c := range got {
		ids[i] = c.Pattern.ID
	}
	assert.Equal(t, []string{high, tieMore, tieLess, tieNewer, low}, ids)

	top, err := s.FindCandidates(ctx, Query{Text: "Transform CSV and JSON: convert, map"}, 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, high, top[0].Pattern.ID)
	assert.InDelta(t, 0.9, top[0].Score, 1e-9)
}

func TestFindCandidates_PlatformBoost(t *testing.T) {
	s := newTestStore(t, WithPlatformBoost(1.5))
	ctx := context.Background()

	id, err := s.Upsert(ctx, Input{
		Signal:        "sftp files",
		ComponentType: "SFTPAdapter",
		Category:      component.CategorySourceAdapter,
		Requirements:  map[string]interface{}{"platform": "Mulesoft"},
		Active:        true,
	})
	require.NoError(t, err)

	// Partial coverage: "sftp" only, 0.6 * 0.5.
	got, err := s.FindCandidates(ctx, Query{Text: "read from sftp"}, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 0.3, got[0].Strength, 1e-9)

	got, err = s.FindCandidates(ctx, Query{Text: "read from sftp", PlatformHint: "mulesoft"}, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].Pattern.ID)
	assert.InDelta(t, 0.45, got[0].Strength, 1e-9)

	got, err = s.FindCandidates(ctx, Query{Text: "poll sftp files", PlatformHint: "mulesoft"}, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1.0, got[0].Strength, "boost is capped")
}

func TestFindCandidates_ComponentTypeRestriction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, sftpInput())
	require.NoError(t, err)
	_, err = s.Upsert(ctx, Input{Signal: "sftp", ComponentType: "FileWriter", Category: component.CategoryTargetAdapter, Active: true})
	require.NoError(t, err)

	got, err := s.FindCandidates(ctx, Query{Text: "poll sftp", ComponentType: "FileWriter"}, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "FileWriter", got[0].Pattern.ComponentType)
}

func TestContributing(t *testing.T) {
	idx := newFakeIndex()
	s := newTestStore(t, WithSemanticIndex(idx, &fakeEmbedder{}, 0.75))
	ctx := context.Background()

	phrase, err := s.Upsert(ctx, sftpInput())
	require.NoError(t, err)
	regex, err := s.Upsert(ctx, Input{Signal: `\bsftp\b`, MatchKind: MatchRegex, ComponentType: "SFTPAdapter", Category: component.CategorySourceAdapter, Active: true})
	require.NoError(t, err)
	_, err = s.Upsert(ctx, Input{Signal: "sftp server", ComponentType: "SFTPAdapter", Category: component.CategorySourceAdapter})
	require.NoError(t, err)

	// The index would report everything; semantic matching is not used.
	idx.hits = []vectorstore.Hit{{ID: "other", Score: 1}}

	got, err := s.Contributing(ctx, "Poll SFTP and transform", "SFTPAdapter")
	require.NoError(t, err)
	require.Len(t, got, 2, "inactive patterns never contribute")
	ids := []string{got[0].ID, got[1].ID}
	assert.ElementsMatch(t, []string{phrase, regex}, ids)

	got, err = s.Contributing(ctx, "Poll SFTP", "Timer")
	require.NoError(t, err)
	assert.Empty(t, got)
}

type fakeIndex struct {
	mu      sync.Mutex
	docs    map[string]vectorstore.Document
	hits    []vectorstore.Hit
	err     error
	deleted []string
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{docs: make(map[string]vectorstore.Document)}
}

func (f *fakeIndex) Upsert(_ context.Context, docs []vectorstore.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range docs {
		f.docs[d.ID] = d
	}
	return nil
}

func (f *fakeIndex) Search(_ context.Context, _ []float32, k int) ([]vectorstore.Hit, error) {
	if f.err != nil {
		return nil, f.err
	}
	if k < len(f.hits) {
		return f.hits[:k], nil
	}
	return f.hits, nil
}

func (f *fakeIndex) Delete(_ context.Context, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.docs, id)
		f.deleted = append(f.deleted, id)
	}
	return nil
}

func (f *fakeIndex) Close() error { return nil }

type fakeEmbedder struct{ calls int }

func (e *fakeEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	e.calls++
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (e *fakeEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func TestFindCandidates_Semantic(t *testing.T) {
	idx := newFakeIndex()
	s := newTestStore(t, WithSemanticIndex(idx, &fakeEmbedder{}, 0.75))
	ctx := context.Background()

	id, err := s.Upsert(ctx, Input{
		Signal:        "schedule every few minutes",
		ComponentType: "Timer",
		Category:      component.CategoryMonitoring,
		Active:        true,
	})
	require.NoError(t, err)
	require.Contains(t, idx.docs, id, "active patterns are indexed on create")

	idx.hits = []vectorstore.Hit{{ID: id, Score: 0.82}, {ID: "unknown", Score: 0.99}}

	got, err := s.FindCandidates(ctx, Query{Text: "run it hourly", Embedding: []float32{1, 0, 0}}, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "semantic", got[0].Strategy)
	assert.InDelta(t, 0.82, got[0].Strength, 1e-6)
	assert.InDelta(t, 0.82*DefaultConfidencePrior, got[0].Score, 1e-6)

	idx.hits = []vectorstore.Hit{{ID: id, Score: 0.5}}
	got, err = s.FindCandidates(ctx, Query{Text: "run it hourly", Embedding: []float32{1, 0, 0}}, 5)
	require.NoError(t, err)
	assert.Empty(t, got, "below threshold")

	_, err = s.SetActive(ctx, id, false)
	require.NoError(t, err)
	assert.Contains(t, idx.deleted, id)
}

func TestFindCandidates_DegradesWithoutEmbedding(t *testing.T) {
	idx := newFakeIndex()
	s := newTestStore(t, WithSemanticIndex(idx, &fakeEmbedder{}, 0.75))
	ctx := context.Background()

	id, err := s.Upsert(ctx, sftpInput())
	require.NoError(t, err)

	got, err := s.FindCandidates(ctx, Query{Text: "please poll SFTP hourly"}, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].Pattern.ID)
	assert.Equal(t, "lexical", got[0].Strategy)

	idx.err = fmt.Errorf("connection refused")
	got, err = s.FindCandidates(ctx, Query{Text: "please poll SFTP hourly", Embedding: []float32{1}}, 5)
	require.NoError(t, err, "index failures degrade instead of failing")
	assert.Len(t, got, 1)
}

func TestReindexAll(t *testing.T) {
	idx := newFakeIndex()
	emb := &fakeEmbedder{}
	s := newTestStore(t, WithSemanticIndex(idx, emb, 0.75))
	ctx := context.Background()

	_, err := s.WithTx(s.db).Upsert(ctx, sftpInput())
	require.NoError(t, err)
	assert.Empty(t, idx.docs, "transaction-bound stores do not index")

	_, err = s.Upsert(ctx, Input{Signal: `\bcron\b`, MatchKind: MatchRegex, ComponentType: "Timer", Category: component.CategoryMonitoring, Active: true})
	require.NoError(t, err)

	n, err := s.ReindexAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "regex patterns are not embedded")
	assert.Len(t, idx.docs, 1)
}

func TestConfidence(t *testing.T) {
	assert.Equal(t, 0.5, confidence(0, 0, 0.5))
	assert.Equal(t, 0.3, confidence(0, 0, 0.3))
	assert.True(t, math.Abs(confidence(3, 2, 0.5)-2.0/3.0) < 1e-12)
}

package prompts

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/flowlearn/internal/storage"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(storage.NewTestDB(t, Models()...), nil)
	require.NoError(t, err)
	return r
}

func create(t *testing.T, r *Registry, version string) {
	t.Helper()
	_, err := r.Create(context.Background(), CreateInput{
		Version:  version,
		Template: "Identify the components in: {{.Query}}",
		Examples: []Example{{Query: "poll sftp", Components: []string{"SFTPAdapter"}, Weight: 1}},
		Sampling: map[string]interface{}{"temperature": 0.2},
	})
	require.NoError(t, err)
}

func activeCount(t *testing.T, r *Registry) int {
	t.Helper()
	all, err := r.List(context.Background())
	require.NoError(t, err)
	n := 0
	for _, v := range all {
		if v.Active {
			n++
		}
	}
	return n
}

func TestCreate(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	create(t, r, "v1")

	v, err := r.Get(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, v.Status)
	assert.False(t, v.Active)
	require.Len(t, v.Examples, 1)
	assert.Equal(t, "SFTPAdapter", v.Examples[0].Components[0])
	assert.InDelta(t, 0.2, v.Sampling["temperature"], 1e-9)

	_, err = r.Create(ctx, CreateInput{Version: "v1", Template: "x"})
	assert.ErrorIs(t, err, ErrVersionExists)
	_, err = r.Create(ctx, CreateInput{Version: " ", Template: "x"})
	assert.ErrorIs(t, err, ErrInvalidVersion)
	_, err = r.Create(ctx, CreateInput{Version: "v2"})
	assert.ErrorIs(t, err, ErrInvalidVersion)

	_, err = r.Active(ctx)
	assert.ErrorIs(t, err, ErrNoActiveVersion)
	assert.Equal(t, 0, activeCount(t, r))
}

func TestActivate_StateMachine(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	create(t, r, "v1")
	create(t, r, "v2")

	v1, err := r.Activate(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, v1.Status)
	assert.NotNil(t, v1.ActivatedAt)

	v2, err := r.Activate(ctx, "v2")
	require.NoError(t, err)
	assert.True(t, v2.Active)

	old, err := r.Get(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, StatusDeprecated, old.Status)
	assert.False(t, old.Active)
	assert.NotNil(t, old.DeactivatedAt)

	// Re-activating the active version changes nothing.
	again, err := r.Activate(ctx, "v2")
	require.NoError(t, err)
	assert.Equal(t, v2.ActivatedAt.Unix(), again.ActivatedAt.Unix())

	// A deprecated version can be brought back explicitly.
	back, err := r.Activate(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, back.Status)

	active, err := r.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v1", active.Version)
	assert.Equal(t, 1, activeCount(t, r))

	_, err = r.Activate(ctx, "v9")
	assert.ErrorIs(t, err, ErrVersionNotFound)
	assert.Equal(t, 1, activeCount(t, r))
}

func TestActivate_ConcurrentSingleActive(t *testing.T) {
	r := newTestRegistry(t)
	for i := 0; i < 5; i++ {
		create(t, r, fmt.Sprintf("v%d", i))
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.Activate(context.Background(), fmt.Sprintf("v%d", i%5))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, activeCount(t, r))
}

func TestActivate_UniqueIndexGuard(t *testing.T) {
	r := newTestRegistry(t)
	create(t, r, "v1")
	create(t, r, "v2")
	_, err := r.Activate(context.Background(), "v1")
	require.NoError(t, err)

	// Bypassing Activate cannot produce a second active row.
	err = r.db.Model(&Version{}).Where("version = ?", "v2").Update("active", true).Error
	assert.True(t, storage.IsDuplicateKey(err), "expected unique violation, got %v", err)
}

func TestRecordUsage(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	create(t, r, "v1")

	four, two := 4, 2
	require.NoError(t, r.RecordUsage(ctx, "v1", true, &four))
	require.NoError(t, r.RecordUsage(ctx, "v1", false, &two))
	require.NoError(t, r.RecordUsage(ctx, "v1", true, nil))

	v, err := r.Get(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, 3, v.UsageCount)
	assert.Equal(t, 2, v.SuccessCount)
	assert.Equal(t, 2, v.RatingCount)
	assert.InDelta(t, 3.0, v.AverageRating, 1e-9)
	assert.InDelta(t, 2.0/3.0, v.AccuracyRate, 1e-9)

	bad := 0
	assert.ErrorIs(t, r.RecordUsage(ctx, "v1", true, &bad), ErrInvalidRating)
	assert.ErrorIs(t, r.RecordUsage(ctx, "nope", true, nil), ErrVersionNotFound)
}

func TestRecordUsage_Concurrent(t *testing.T) {
	r := newTestRegistry(t)
	create(t, r, "v1")

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, r.RecordUsage(context.Background(), "v1", i%3 == 0, nil))
		}(i)
	}
	wg.Wait()

	v, err := r.Get(context.Background(), "v1")
	require.NoError(t, err)
	assert.Equal(t, 30, v.UsageCount)
	assert.Equal(t, 10, v.SuccessCount)
	assert.InDelta(t, 1.0/3.0, v.AccuracyRate, 1e-9)
}

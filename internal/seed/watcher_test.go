package seed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/flowlearn/internal/patterns"
)

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	loader, err := NewLoader(store, nil)
	require.NoError(t, err)

	dir := t.TempDir()
	path := writeFile(t, dir, "seeds.yaml", "patterns: []\n")

	w, err := NewWatcher(loader, path, 20*time.Millisecond, nil)
	require.NoError(t, err)
	reloads := make(chan Report, 4)
	w.applied = func(rep Report, err error) {
		assert.NoError(t, err)
		reloads <- rep
	}
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	// Unrelated files in the directory are ignored.
	writeFile(t, dir, "other.yaml", yamlSeed)
	writeFile(t, dir, "seeds.yaml", "patterns:\n  - signal: poll sftp\n    component_type: SFTPAdapter\n    category: source_adapter\n")

	// A truncate and a write may reach the loader as separate reloads.
	deadline := time.After(5 * time.Second)
	for applied := 0; applied != 1; {
		select {
		case rep := <-reloads:
			applied = rep.Applied
		case <-deadline:
			t.Fatal("seed file change was not picked up")
		}
	}

	got, err := store.List(ctx, patterns.Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "SFTPAdapter", got[0].ComponentType)
}

func TestWatcher_Validation(t *testing.T) {
	loader, err := NewLoader(newStore(t), nil)
	require.NoError(t, err)

	_, err = NewWatcher(nil, "x", 0, nil)
	assert.Error(t, err)
	_, err = NewWatcher(loader, "", 0, nil)
	assert.Error(t, err)

	w, err := NewWatcher(loader, "/does/not/exist", 0, nil)
	require.NoError(t, err)
	assert.Error(t, w.Start(context.Background()))
	w.Stop()
}

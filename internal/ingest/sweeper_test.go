package ingest

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/fyrsmithlabs/flowlearn/internal/feedback"
)

type countingIngester struct {
	calls atomic.Int32
	next  Ingester
}

func (c *countingIngester) Ingest(ctx context.Context, id string) (*Result, error) {
	c.calls.Add(1)
	if c.next == nil {
		return &Result{FeedbackID: id}, nil
	}
	return c.next.Ingest(ctx, id)
}

func TestNewSweeper_Validation(t *testing.T) {
	env := newTestEnv(t, Options{})

	_, err := NewSweeper(SweeperConfig{}, nil, env.stores.Feedback, nil)
	assert.Error(t, err)
	_, err = NewSweeper(SweeperConfig{Schedule: "every minute"}, env.pipeline, env.stores.Feedback, nil)
	assert.Error(t, err)
}

func TestSweep_IngestsPendingAndReleasesStale(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	pending := env.submit(t, feedback.SubmitInput{JobID: "job-p", Query: "poll sftp", Identified: refs("SFTPAdapter"), Type: feedback.TypeCorrect})
	stuck := env.submit(t, feedback.SubmitInput{JobID: "job-s", Query: "poll sftp", Identified: refs("SFTPAdapter"), Type: feedback.TypeCorrect})
	_, _, err := env.stores.Feedback.Claim(ctx, stuck.ID)
	require.NoError(t, err)

	s, err := NewSweeper(SweeperConfig{StaleClaimAge: time.Minute}, env.pipeline, env.stores.Feedback, nil)
	require.NoError(t, err)
	s.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }

	report, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Ingested: 2, StaleReleased: 1}, report)

	for _, id := range []string{pending.ID, stuck.ID} {
		f, err := env.stores.Feedback.Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, f.Processed, id)
	}

	anomalies, err := env.stores.Feedback.ListAnomalies(ctx, feedback.AnomalyFilter{Kind: feedback.AnomalyStaleClaim})
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, stuck.ID, anomalies[0].FeedbackID)

	report, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{}, report)
}

func TestSweep_GracePeriod(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.submit(t, feedback.SubmitInput{JobID: "job-g", Query: "q", Type: feedback.TypeCorrect})

	ing := &countingIngester{}
	s, err := NewSweeper(SweeperConfig{GracePeriod: time.Hour}, ing, env.stores.Feedback, nil)
	require.NoError(t, err)

	report, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Ingested)
	assert.Zero(t, ing.calls.Load())
}

func TestSweeper_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t,
		goleak.IgnoreCurrent(),
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)

	env := newTestEnv(t, Options{})
	env.submit(t, feedback.SubmitInput{JobID: "job-t", Query: "q", Type: feedback.TypeCorrect})

	ing := &countingIngester{}
	s, err := NewSweeper(SweeperConfig{Schedule: "@every 1s"}, ing, env.stores.Feedback, nil)
	require.NoError(t, err)
	s.now = func() time.Time { return time.Now().UTC().Add(time.Minute) }

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "double start")

	require.Eventually(t, func() bool { return ing.calls.Load() > 0 }, 5*time.Second, 50*time.Millisecond)
	s.Stop()
	s.Stop()
}

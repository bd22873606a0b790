package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/flowlearn/internal/component"
	"github.com/fyrsmithlabs/flowlearn/internal/feedback"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func TestIntake_SubmitsAndIngests(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	env := newTestEnv(t, Options{})
	sftp := env.seed(t, "poll sftp", "SFTPAdapter", component.CategorySourceAdapter, 10, 9)

	intake, err := NewIntake(nc, "", "flowlearn-workers", env.stores.Feedback, env.pipeline, nil)
	require.NoError(t, err)
	require.NoError(t, intake.Start(context.Background()))
	defer func() { assert.NoError(t, intake.Stop()) }()

	data, err := json.Marshal(feedback.SubmitInput{
		JobID:      "job-n",
		Query:      "Poll SFTP hourly",
		Identified: []component.Ref{{Type: "SFTPAdapter"}},
		Type:       feedback.TypeCorrect,
	})
	require.NoError(t, err)

	msg, err := nc.Request(DefaultSubject, data, 5*time.Second)
	require.NoError(t, err)

	var reply Reply
	require.NoError(t, json.Unmarshal(msg.Data, &reply))
	assert.Empty(t, reply.Error)
	require.NotNil(t, reply.Result)
	assert.Equal(t, reply.FeedbackID, reply.Result.FeedbackID)
	assert.Equal(t, []string{sftp}, reply.Result.ConfirmedPatterns)

	p, err := env.stores.Patterns.Get(context.Background(), sftp)
	require.NoError(t, err)
	assert.EqualValues(t, 11, p.TimesMatched)
}

func TestIntake_RejectsInvalidMessages(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	env := newTestEnv(t, Options{})
	intake, err := NewIntake(nc, "test.feedback", "", env.stores.Feedback, env.pipeline, nil)
	require.NoError(t, err)
	require.NoError(t, intake.Start(context.Background()))
	defer func() { assert.NoError(t, intake.Stop()) }()

	for _, payload := range []string{`{not json`, `{"job_id":"j","query":"q","feedback_type":"great"}`} {
		msg, err := nc.Request("test.feedback", []byte(payload), 5*time.Second)
		require.NoError(t, err)

		var reply Reply
		require.NoError(t, json.Unmarshal(msg.Data, &reply))
		assert.NotEmpty(t, reply.Error, payload)
		assert.Empty(t, reply.FeedbackID)
	}
}

func TestNewIntake_Validation(t *testing.T) {
	_, err := NewIntake(nil, "", "", nil, nil, nil)
	assert.Error(t, err)
}

package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/flowlearn/internal/feedback"
)

// DefaultSubject is the subject feedback records are published on.
const DefaultSubject = "flowlearn.feedback"

// Intake subscribes to feedback published by the generation pipeline,
// stores each record and ingests it. Subscribers in the same queue group
// share the stream, so every message is handled by one replica.
type Intake struct {
	conn     *nats.Conn
	subject  string
	queue    string
	feedback *feedback.Store
	ingester Ingester
	logger   *zap.Logger
	metrics  *Metrics

	mu  sync.Mutex
	sub *nats.Subscription
}

// Reply is sent to requests that set a reply subject.
type Reply struct {
	FeedbackID string  `json:"feedback_id,omitempty"`
	Result     *Result `json:"result,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// NewIntake creates an intake on conn. Start subscribes.
func NewIntake(conn *nats.Conn, subject, queue string, fb *feedback.Store, ingester Ingester, logger *zap.Logger) (*Intake, error) {
	if conn == nil || fb == nil || ingester == nil {
		return nil, errors.New("nats connection, feedback store and ingester are required")
	}
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Intake{
		conn:     conn,
		subject:  subject,
		queue:    queue,
		feedback: fb,
		ingester: ingester,
		logger:   logger,
		metrics:  NewMetrics(),
	}, nil
}

// Start subscribes. Messages are handled until Stop or ctx is done.
func (in *Intake) Start(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.sub != nil {
		return errors.New("intake already started")
	}

	handler := func(msg *nats.Msg) { in.handle(ctx, msg) }
	var (
		sub *nats.Subscription
		err error
	)
	if in.queue != "" {
		sub, err = in.conn.QueueSubscribe(in.subject, in.queue, handler)
	} else {
		sub, err = in.conn.Subscribe(in.subject, handler)
	}
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", in.subject, err)
	}
	in.sub = sub
	in.logger.Info("feedback intake subscribed", zap.String("subject", in.subject), zap.String("queue", in.queue))
	return nil
}

// Stop drains the subscription so in-flight messages finish.
func (in *Intake) Stop() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.sub == nil {
		return nil
	}
	err := in.sub.Drain()
	in.sub = nil
	return err
}

func (in *Intake) handle(ctx context.Context, msg *nats.Msg) {
	var reply Reply
	defer func() {
		if msg.Reply == "" {
			return
		}
		data, err := json.Marshal(reply)
		if err == nil {
			err = msg.Respond(data)
		}
		if err != nil {
			in.logger.Warn("replying to feedback message", zap.Error(err))
		}
	}()

	var input feedback.SubmitInput
	if err := json.Unmarshal(msg.Data, &input); err != nil {
		in.metrics.IntakeTotal.WithLabelValues("invalid").Inc()
		reply.Error = fmt.Sprintf("decoding feedback: %v", err)
		in.logger.Warn("dropping undecodable feedback message", zap.Error(err))
		return
	}

	f, err := in.feedback.Submit(ctx, input)
	if err != nil {
		in.metrics.IntakeTotal.WithLabelValues("invalid").Inc()
		reply.Error = err.Error()
		in.logger.Warn("rejecting feedback message", zap.String("job_id", input.JobID), zap.Error(err))
		return
	}
	reply.FeedbackID = f.ID

	// A failed ingest leaves the record pending for the sweeper.
	res, err := in.ingester.Ingest(ctx, f.ID)
	if err != nil {
		in.metrics.IntakeTotal.WithLabelValues("deferred").Inc()
		reply.Error = err.Error()
		in.logger.Warn("ingest deferred to sweeper", zap.String("feedback_id", f.ID), zap.Error(err))
		return
	}
	reply.Result = res
	in.metrics.IntakeTotal.WithLabelValues("ingested").Inc()
}

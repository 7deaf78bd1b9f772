package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/edgedeploy/internal/deployerr"
	"github.com/edvin/edgedeploy/internal/metrics"
	"github.com/edvin/edgedeploy/internal/model"
	"github.com/edvin/edgedeploy/internal/statestore"
	"github.com/edvin/edgedeploy/internal/workflow"
)

const (
	failureWriteTimeout = 10 * time.Second
	receiveBackoff      = time.Second
)

// Processor runs the deployment workflow for one message.
type Processor interface {
	Execute(ctx context.Context, msg *model.QueueMessage) *workflow.Report
}

// FailureMarker persists FAILED for a project without returning errors.
type FailureMarker interface {
	MarkFailed(ctx context.Context, projectID string, cause error) statestore.FailureWrite
}

// ConsumerConfig tunes the consumer loop.
type ConsumerConfig struct {
	Queue      string
	BatchSize  int
	MaxRetries int
	// PollTimeout is how long one receive waits for new messages.
	PollTimeout time.Duration
	// ProcessingTimeout bounds one workflow execution.
	ProcessingTimeout time.Duration
	// HeartbeatInterval is how often the unfinished messages of a batch are
	// touched while the batch runs. Zero disables the heartbeat.
	HeartbeatInterval time.Duration
}

// Outcome is the terminal state of one delivery.
type Outcome string

const (
	OutcomeAcked        Outcome = "acked"
	OutcomeRetry        Outcome = "retry"
	OutcomeDeadLettered Outcome = "dead_lettered"
)

// Result reports what the consumer did with a delivery.
type Result struct {
	MessageID    string
	DeploymentID string
	Outcome      Outcome
	Reason       model.DLQReason
}

type Consumer struct {
	transport Transport
	processor Processor
	failures  FailureMarker
	cfg       ConsumerConfig
	logger    zerolog.Logger
}

func NewConsumer(transport Transport, processor Processor, failures FailureMarker, cfg ConsumerConfig, logger zerolog.Logger) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	return &Consumer{
		transport: transport,
		processor: processor,
		failures:  failures,
		cfg:       cfg,
		logger:    logger.With().Str("component", "queue-consumer").Str("queue", cfg.Queue).Logger(),
	}
}

// Run receives and processes batches until ctx is cancelled. A message
// being processed when ctx is cancelled runs to completion; the rest of
// its batch stays pending and is redelivered.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info().Int("batch_size", c.cfg.BatchSize).Int("max_retries", c.cfg.MaxRetries).Msg("consumer started")
	for {
		if ctx.Err() != nil {
			c.logger.Info().Msg("consumer stopped")
			return nil
		}

		batch, err := c.transport.Receive(ctx, c.cfg.BatchSize, c.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.logger.Error().Err(err).Msg("receive failed")
			select {
			case <-ctx.Done():
			case <-time.After(receiveBackoff):
			}
			continue
		}
		if len(batch) > 0 {
			c.ProcessBatch(ctx, batch)
		}
	}
}

// ProcessBatch handles deliveries one at a time, in order. While it runs,
// every message of the batch that is not finished yet is kept claimed by
// the heartbeat.
func (c *Consumer) ProcessBatch(ctx context.Context, batch []Delivery) []Result {
	held := newHeldSet(batch)
	stop := c.heartbeat(ctx, held)
	defer stop()

	results := make([]Result, 0, len(batch))
	for _, d := range batch {
		if ctx.Err() != nil {
			c.logger.Info().Int("left_pending", len(batch)-len(results)).Msg("shutting down, leaving rest of batch pending")
			break
		}
		res := c.handle(context.WithoutCancel(ctx), d)
		held.release(d.ID)
		metrics.QueueMessagesTotal.WithLabelValues(c.cfg.Queue, string(res.Outcome)).Inc()
		results = append(results, res)
	}
	return results
}

// heartbeat touches the held messages every HeartbeatInterval until the
// returned stop function is called.
func (c *Consumer) heartbeat(ctx context.Context, held *heldSet) (stop func()) {
	if c.cfg.HeartbeatInterval <= 0 {
		return func() {}
	}
	hbCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				ids := held.ids()
				if len(ids) == 0 {
					continue
				}
				if err := c.transport.Touch(hbCtx, ids...); err != nil && hbCtx.Err() == nil {
					c.logger.Warn().Err(err).Int("messages", len(ids)).Msg("heartbeat failed")
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// heldSet is the part of a batch that is not finished yet, in batch order.
type heldSet struct {
	mu      sync.Mutex
	pending []string
}

func newHeldSet(batch []Delivery) *heldSet {
	h := &heldSet{pending: make([]string, 0, len(batch))}
	for _, d := range batch {
		h.pending = append(h.pending, d.ID)
	}
	return h
}

func (h *heldSet) release(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, p := range h.pending {
		if p == id {
			h.pending = append(h.pending[:i], h.pending[i+1:]...)
			return
		}
	}
}

func (h *heldSet) ids() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.pending...)
}

func (c *Consumer) handle(ctx context.Context, d Delivery) Result {
	retryCount := d.RetryCount()
	logger := c.logger.With().Str("message_id", d.ID).Int("retry_count", retryCount).Logger()

	msg, err := model.DecodeQueueMessage(d.Body)
	if err != nil {
		logger.Error().Err(err).Msg("undecodable message")
		return c.deadLetter(ctx, logger, d, nil, model.DLQInvalidMessage, err, retryCount, nil)
	}
	logger = logger.With().Str("deployment_id", msg.Metadata.DeploymentID).Str("project_id", msg.Params.ProjectID).Logger()

	var history []model.RetryRecord
	if retryCount > 0 {
		history, err = c.transport.RetryHistory(ctx, d.ID)
		if err != nil {
			logger.Warn().Err(err).Msg("retry history unavailable")
		}
	}
	msg.Metadata.RetryCount = &retryCount
	if n := len(history); n > 0 {
		last := history[n-1].Error
		msg.Metadata.LastError = &last
	}

	if retryCount > c.cfg.MaxRetries {
		// Dead-lettering failed on an earlier delivery.
		cause := errors.New("retries exhausted")
		if msg.Metadata.LastError != nil {
			cause = errors.New(*msg.Metadata.LastError)
		}
		return c.deadLetter(ctx, logger, d, msg, model.DLQMaxRetriesExceeded, cause, retryCount, history)
	}

	report, err := c.execute(ctx, msg)
	if err != nil {
		logger.Error().Err(err).Msg("workflow panicked")
		history = append(history, retryRecord(retryCount, err))
		return c.deadLetter(ctx, logger, d, msg, model.DLQSystemError, err, retryCount, history)
	}

	if report.Success {
		c.ack(ctx, logger, d.ID)
		return Result{MessageID: d.ID, DeploymentID: msg.Metadata.DeploymentID, Outcome: OutcomeAcked}
	}

	if retryCount < c.cfg.MaxRetries {
		if err := c.transport.RecordFailure(ctx, d.ID, retryRecord(retryCount, report.Error)); err != nil {
			logger.Warn().Err(err).Msg("failed to record retry history")
		}
		logger.Warn().Err(report.Error).
			Bool("retryable", deployerr.IsRetryable(report.Error)).
			Msg("deployment failed, leaving message for redelivery")
		return Result{MessageID: d.ID, DeploymentID: msg.Metadata.DeploymentID, Outcome: OutcomeRetry}
	}

	reason := model.DLQMaxRetriesExceeded
	if report.TimedOut {
		reason = model.DLQProcessingTimeout
	}
	history = append(history, retryRecord(retryCount, report.Error))
	return c.deadLetter(ctx, logger, d, msg, reason, report.Error, retryCount, history)
}

// execute runs the processor under the processing budget and turns a
// panic into an error.
func (c *Consumer) execute(ctx context.Context, msg *model.QueueMessage) (report *workflow.Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Str("stack", string(debug.Stack())).Msg("recovered panic")
			err = fmt.Errorf("panic while processing deployment %s: %v", msg.Metadata.DeploymentID, r)
		}
	}()

	if c.cfg.ProcessingTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ProcessingTimeout)
		defer cancel()
	}
	report = c.processor.Execute(ctx, msg)
	if report == nil {
		return nil, errors.New("processor returned no report")
	}
	return report, nil
}

// deadLetter publishes the envelope, marks the project failed and acks.
// An undecodable message still marks its project failed when the raw body
// names one. If the envelope cannot be published the message stays pending.
func (c *Consumer) deadLetter(ctx context.Context, logger zerolog.Logger, d Delivery, msg *model.QueueMessage, reason model.DLQReason, cause error, retryCount int, history []model.RetryRecord) Result {
	res := Result{MessageID: d.ID, Reason: reason}
	env := model.DeadLetterEnvelope{
		QueueMessage:  msg,
		DLQReason:     reason,
		OriginalQueue: c.cfg.Queue,
		FinalError:    errString(cause),
		TotalRetries:  retryCount,
		RetryHistory:  history,
		DeadLetterAt:  time.Now().UTC(),
	}
	if msg == nil {
		env.RawBody = string(d.Body)
	} else {
		res.DeploymentID = msg.Metadata.DeploymentID
	}
	if env.RetryHistory == nil {
		env.RetryHistory = []model.RetryRecord{}
	}

	body, err := json.Marshal(env)
	if err == nil {
		err = c.transport.DeadLetter(ctx, body)
	}
	if err != nil {
		logger.Error().Err(err).Str("reason", string(reason)).Msg("failed to dead-letter message, leaving it pending")
		res.Outcome = OutcomeRetry
		return res
	}
	metrics.DeadLettersTotal.WithLabelValues(string(reason)).Inc()
	logger.Error().Err(cause).Str("reason", string(reason)).Int("total_retries", retryCount).Msg("message dead-lettered")

	var projectID string
	if msg != nil {
		projectID = msg.Params.ProjectID
	} else {
		projectID = model.ProjectIDOf(d.Body)
	}
	if projectID != "" {
		wctx, cancel := context.WithTimeout(ctx, failureWriteTimeout)
		write := c.failures.MarkFailed(wctx, projectID, cause)
		cancel()
		if !write.Persisted {
			logger.Error().Err(write.Err).Str("project_id", projectID).Msg("project status not marked failed after dead-letter")
		}
	}

	c.ack(ctx, logger, d.ID)
	res.Outcome = OutcomeDeadLettered
	return res
}

func (c *Consumer) ack(ctx context.Context, logger zerolog.Logger, id string) {
	if err := c.transport.Ack(ctx, id); err != nil {
		logger.Error().Err(err).Msg("ack failed, message will be redelivered")
	}
}

func retryRecord(retryCount int, err error) model.RetryRecord {
	return model.RetryRecord{Attempt: retryCount + 1, Error: errString(err), FailedAt: time.Now().UTC()}
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

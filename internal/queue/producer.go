package queue

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/edvin/edgedeploy/internal/deployerr"
	"github.com/edvin/edgedeploy/internal/metrics"
	"github.com/edvin/edgedeploy/internal/model"
)

// batchConcurrency bounds the parallel sends of SendBatch.
const batchConcurrency = 8

// Producer enqueues deployment messages. It does not retry: a failed send
// is reported to the caller, which decides what to undo.
type Producer struct {
	transport Transport
	queue     string
	logger    zerolog.Logger
}

func NewProducer(transport Transport, queueName string, logger zerolog.Logger) *Producer {
	return &Producer{
		transport: transport,
		queue:     queueName,
		logger:    logger.With().Str("component", "queue-producer").Str("queue", queueName).Logger(),
	}
}

// Send enqueues one message. Transport failures are returned as a
// QueueError; a duplicate within the dedup window is not an error.
func (p *Producer) Send(ctx context.Context, msg *model.QueueMessage, opts SendOptions) (PublishResult, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return PublishResult{}, deployerr.NewQueueError("encode", err)
	}

	res, err := p.transport.Publish(ctx, body, opts)
	if err != nil {
		metrics.QueueSendTotal.WithLabelValues(p.queue, "error").Inc()
		p.logger.Error().Err(err).Str("deployment_id", msg.Metadata.DeploymentID).Msg("failed to enqueue deployment")
		return PublishResult{}, deployerr.NewQueueError("send", err)
	}

	ev := p.logger.Info()
	switch {
	case res.Duplicate:
		metrics.QueueSendTotal.WithLabelValues(p.queue, "duplicate").Inc()
		ev = p.logger.Warn().Str("dedup_id", opts.DeduplicationID)
	case res.Delayed:
		metrics.QueueSendTotal.WithLabelValues(p.queue, "delayed").Inc()
		ev = ev.Int("delay_seconds", opts.DelaySeconds)
	default:
		metrics.QueueSendTotal.WithLabelValues(p.queue, "sent").Inc()
	}
	ev.Str("deployment_id", msg.Metadata.DeploymentID).
		Str("message_id", res.MessageID).
		Bool("duplicate", res.Duplicate).
		Msg("deployment enqueued")
	return res, nil
}

// BatchResult is the outcome of one message of a batch.
type BatchResult struct {
	DeploymentID string
	Result       PublishResult
	Err          error
}

// SendBatch sends messages in parallel. It is not atomic: some messages
// may be enqueued while others fail. Results are in input order.
func (p *Producer) SendBatch(ctx context.Context, msgs []*model.QueueMessage) []BatchResult {
	results := make([]BatchResult, len(msgs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for i, msg := range msgs {
		g.Go(func() error {
			res, err := p.Send(gctx, msg, SendOptions{})
			results[i] = BatchResult{DeploymentID: msg.Metadata.DeploymentID, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	var failed int
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		p.logger.Warn().Int("failed", failed).Int("total", len(msgs)).Msg("batch send partially failed")
	}
	return results
}

// Ping checks that the transport is reachable.
func (p *Producer) Ping(ctx context.Context) error {
	return p.transport.Ping(ctx)
}

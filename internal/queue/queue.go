// Package queue carries deployment messages from the API to the workers.
//
// Delivery is at-least-once. A message that is not acknowledged stays
// pending and is redelivered after the visibility timeout; the transport
// counts deliveries and the consumer derives the retry count from that.
// Messages that exhaust their retries, or cannot be processed at all, are
// moved to a dead-letter stream.
package queue

import (
	"context"
	"time"

	"github.com/edvin/edgedeploy/internal/model"
)

// DedupWindow is how long a deduplication id suppresses repeated sends.
const DedupWindow = 5 * time.Minute

// DefaultGroup is the consumer group every worker joins.
const DefaultGroup = "workers"

// SendOptions are per-message transport hints.
type SendOptions struct {
	// DelaySeconds postpones delivery.
	DelaySeconds int
	// DeduplicationID drops repeated sends of the same id within DedupWindow.
	DeduplicationID string
}

// PublishResult describes what the transport did with a message.
type PublishResult struct {
	MessageID string
	Duplicate bool
	Delayed   bool
}

// Delivery is one message handed to a consumer.
type Delivery struct {
	ID   string
	Body []byte
	// Deliveries counts how often the message was delivered, this time included.
	Deliveries int
}

// RetryCount is the number of earlier failed deliveries.
func (d Delivery) RetryCount() int {
	if d.Deliveries <= 1 {
		return 0
	}
	return d.Deliveries - 1
}

// Transport is the broker the producer and the consumer talk to.
type Transport interface {
	Publish(ctx context.Context, body []byte, opts SendOptions) (PublishResult, error)
	// Receive returns up to max messages, waiting at most block for new ones.
	Receive(ctx context.Context, max int, block time.Duration) ([]Delivery, error)
	Ack(ctx context.Context, id string) error
	// Touch resets the idle time of messages this consumer still holds so
	// that no other consumer reclaims them.
	Touch(ctx context.Context, ids ...string) error
	RecordFailure(ctx context.Context, id string, rec model.RetryRecord) error
	RetryHistory(ctx context.Context, id string) ([]model.RetryRecord, error)
	DeadLetter(ctx context.Context, body []byte) error
	Ping(ctx context.Context) error
}

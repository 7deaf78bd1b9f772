package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/edvin/edgedeploy/internal/config"
	"github.com/edvin/edgedeploy/internal/model"
)

const (
	bodyField       = "body"
	retryHistoryTTL = 24 * time.Hour
	promoteBatch    = 100
)

// promoteScript moves due entries of the delayed set into the stream.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, member in ipairs(due) do
	redis.call('XADD', KEYS[2], '*', 'body', member)
	redis.call('ZREM', KEYS[1], member)
end
return #due
`)

// NewClient connects to Redis with the configured credentials and TLS.
func NewClient(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	tlsCfg, err := cfg.RedisTLS()
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:      cfg.RedisAddr,
		Password:  cfg.RedisPassword,
		DB:        cfg.RedisDB,
		TLSConfig: tlsCfg,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	return client, nil
}

// RedisTransport implements Transport on a Redis stream with one consumer
// group. Keys derived from the queue name:
//
//	<queue>              the stream
//	<queue>:dlq          dead letters
//	<queue>:delayed      sorted set of delayed bodies, scored by due time (ms)
//	<queue>:dedup:<id>   deduplication markers
//	<queue>:retries:<id> retry history of a pending message
type RedisTransport struct {
	client     *redis.Client
	stream     string
	group      string
	consumer   string
	visibility time.Duration
	now        func() time.Time
}

func NewRedisTransport(client *redis.Client, queueName, group, consumer string, visibility time.Duration) *RedisTransport {
	return &RedisTransport{
		client:     client,
		stream:     queueName,
		group:      group,
		consumer:   consumer,
		visibility: visibility,
		now:        time.Now,
	}
}

func (t *RedisTransport) dlqKey() string              { return t.stream + ":dlq" }
func (t *RedisTransport) delayedKey() string          { return t.stream + ":delayed" }
func (t *RedisTransport) dedupKey(id string) string   { return t.stream + ":dedup:" + id }
func (t *RedisTransport) retriesKey(id string) string { return t.stream + ":retries:" + id }

// EnsureGroup creates the stream and the consumer group if missing.
func (t *RedisTransport) EnsureGroup(ctx context.Context) error {
	err := t.client.XGroupCreateMkStream(ctx, t.stream, t.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", t.group, t.stream, err)
	}
	return nil
}

func (t *RedisTransport) Publish(ctx context.Context, body []byte, opts SendOptions) (PublishResult, error) {
	if opts.DeduplicationID != "" {
		fresh, err := t.client.SetNX(ctx, t.dedupKey(opts.DeduplicationID), 1, DedupWindow).Result()
		if err != nil {
			return PublishResult{}, fmt.Errorf("dedup check: %w", err)
		}
		if !fresh {
			return PublishResult{Duplicate: true}, nil
		}
	}

	res, err := t.publish(ctx, body, opts.DelaySeconds)
	if err != nil && opts.DeduplicationID != "" {
		// Let the caller's retry through.
		_ = t.client.Del(context.WithoutCancel(ctx), t.dedupKey(opts.DeduplicationID)).Err()
	}
	return res, err
}

func (t *RedisTransport) publish(ctx context.Context, body []byte, delaySeconds int) (PublishResult, error) {
	if delaySeconds > 0 {
		due := t.now().Add(time.Duration(delaySeconds) * time.Second)
		err := t.client.ZAdd(ctx, t.delayedKey(), redis.Z{Score: float64(due.UnixMilli()), Member: string(body)}).Err()
		if err != nil {
			return PublishResult{}, fmt.Errorf("schedule delayed message: %w", err)
		}
		return PublishResult{Delayed: true}, nil
	}

	id, err := t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: t.stream,
		Values: map[string]any{bodyField: string(body)},
	}).Result()
	if err != nil {
		return PublishResult{}, fmt.Errorf("xadd %s: %w", t.stream, err)
	}
	return PublishResult{MessageID: id}, nil
}

// Receive promotes due delayed messages, reclaims messages whose
// visibility timeout expired, then reads new ones.
func (t *RedisTransport) Receive(ctx context.Context, max int, block time.Duration) ([]Delivery, error) {
	if err := promoteScript.Run(ctx, t.client, []string{t.delayedKey(), t.stream},
		t.now().UnixMilli(), promoteBatch).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("promote delayed messages: %w", err)
	}

	out := make([]Delivery, 0, max)

	claimed, _, err := t.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   t.stream,
		Group:    t.group,
		Consumer: t.consumer,
		MinIdle:  t.visibility,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("xautoclaim %s: %w", t.stream, err)
	}
	for _, m := range claimed {
		count, err := t.deliveryCount(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, toDelivery(m, count))
	}
	if len(out) >= max {
		return out, nil
	}

	args := &redis.XReadGroupArgs{
		Group:    t.group,
		Consumer: t.consumer,
		Streams:  []string{t.stream, ">"},
		Count:    int64(max - len(out)),
		Block:    block,
	}
	if len(out) > 0 {
		// Do not hold reclaimed messages while waiting for new ones.
		args.Block = -1
	}
	streams, err := t.client.XReadGroup(ctx, args).Result()
	if errors.Is(err, redis.Nil) {
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("xreadgroup %s: %w", t.stream, err)
	}
	for _, s := range streams {
		for _, m := range s.Messages {
			out = append(out, toDelivery(m, 1))
		}
	}
	return out, nil
}

func (t *RedisTransport) deliveryCount(ctx context.Context, id string) (int, error) {
	pending, err := t.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: t.stream,
		Group:  t.group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending %s: %w", id, err)
	}
	if len(pending) == 0 {
		return 1, nil
	}
	return int(pending[0].RetryCount), nil
}

func toDelivery(m redis.XMessage, deliveries int) Delivery {
	body, _ := m.Values[bodyField].(string)
	return Delivery{ID: m.ID, Body: []byte(body), Deliveries: deliveries}
}

// Ack removes the message from the pending list and the stream, and drops
// its retry history.
func (t *RedisTransport) Ack(ctx context.Context, id string) error {
	_, err := t.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.XAck(ctx, t.stream, t.group, id)
		p.XDel(ctx, t.stream, id)
		p.Del(ctx, t.retriesKey(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	return nil
}

// Touch re-claims ids for this consumer with JUSTID, which resets their idle
// time without counting a delivery. Ids that are no longer pending are
// ignored by Redis.
func (t *RedisTransport) Touch(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	err := t.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   t.stream,
		Group:    t.group,
		Consumer: t.consumer,
		MinIdle:  0,
		Messages: ids,
	}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("xclaim %s: %w", t.stream, err)
	}
	return nil
}

func (t *RedisTransport) RecordFailure(ctx context.Context, id string, rec model.RetryRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = t.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, t.retriesKey(id), data)
		p.Expire(ctx, t.retriesKey(id), retryHistoryTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record failure for %s: %w", id, err)
	}
	return nil
}

func (t *RedisTransport) RetryHistory(ctx context.Context, id string) ([]model.RetryRecord, error) {
	raw, err := t.client.LRange(ctx, t.retriesKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read retry history for %s: %w", id, err)
	}
	history := make([]model.RetryRecord, 0, len(raw))
	for _, item := range raw {
		var rec model.RetryRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			continue
		}
		history = append(history, rec)
	}
	return history, nil
}

func (t *RedisTransport) DeadLetter(ctx context.Context, body []byte) error {
	err := t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: t.dlqKey(),
		Values: map[string]any{bodyField: string(body)},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", t.dlqKey(), err)
	}
	return nil
}

func (t *RedisTransport) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

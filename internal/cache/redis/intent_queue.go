package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/perpguard/perpbot/internal/domain"
)

const (
	// intentStream is the Redis stream the upstream signal producer writes to.
	intentStream = "intents"

	// intentStreamMaxLen bounds the stream via XADD MAXLEN ~. A consumer that
	// falls this far behind is trading on stale signals anyway.
	intentStreamMaxLen int64 = 10000
)

// IntentQueue implements domain.IntentQueue on a Redis stream. The producer
// side lives in the signal service; the engine only dequeues. Enqueue exists
// for manual injection and tests.
type IntentQueue struct {
	rdb    *redis.Client
	lastID string
}

// NewIntentQueue creates a queue reading intents appended after startup.
func NewIntentQueue(c *Client) *IntentQueue {
	return &IntentQueue{rdb: c.Underlying(), lastID: "$"}
}

var _ domain.IntentQueue = (*IntentQueue)(nil)

// Enqueue appends an intent to the stream.
func (q *IntentQueue) Enqueue(ctx context.Context, intent domain.TradeIntent) error {
	payload, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("redis: encode intent %s: %w", intent.ID, err)
	}
	args := &redis.XAddArgs{
		Stream: intentStream,
		MaxLen: intentStreamMaxLen,
		Approx: true,
		Values: map[string]any{"payload": payload},
	}
	if err := q.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: enqueue intent %s: %w", intent.ID, err)
	}
	return nil
}

// Dequeue blocks up to block for the next intent. Not safe for concurrent
// use; the engine runs a single intake loop.
func (q *IntentQueue) Dequeue(ctx context.Context, block time.Duration) (domain.TradeIntent, bool, error) {
	args := &redis.XReadArgs{
		Streams: []string{intentStream, q.lastID},
		Count:   1,
		Block:   block,
	}

	results, err := q.rdb.XRead(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.TradeIntent{}, false, nil
		}
		return domain.TradeIntent{}, false, fmt.Errorf("redis: read intents: %w", err)
	}
	if len(results) == 0 || len(results[0].Messages) == 0 {
		return domain.TradeIntent{}, false, nil
	}

	msg := results[0].Messages[0]
	q.lastID = msg.ID

	raw, _ := msg.Values["payload"].(string)
	var intent domain.TradeIntent
	if err := json.Unmarshal([]byte(raw), &intent); err != nil {
		return domain.TradeIntent{}, false, fmt.Errorf("redis: decode intent %s: %w", msg.ID, err)
	}
	return intent, true, nil
}

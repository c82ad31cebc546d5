package domain

import (
	"context"
	"time"
)

// PriceCache provides fast access to the latest mark prices. The guardian's
// local monitors read it on every tick.
type PriceCache interface {
	SetPrice(ctx context.Context, symbol string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, symbol string) (float64, time.Time, error)
	GetPrices(ctx context.Context, symbols []string) (map[string]float64, error)
}

// RateLimiter provides distributed rate limiting in front of the exchange
// connection, shared across concurrent callers.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking. Reconciliation uses it so only
// one replica runs a pass at a time.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// IntentQueue hands trade intents from the upstream signal producer to the
// engine. Delivery is ordered; consumers see each intent once per process.
type IntentQueue interface {
	Enqueue(ctx context.Context, intent TradeIntent) error
	// Dequeue blocks up to block for the next intent. The bool is false when
	// the wait timed out with nothing to deliver.
	Dequeue(ctx context.Context, block time.Duration) (TradeIntent, bool, error)
}

// BlobWriter writes an object to blob storage. The audit archiver uses it to
// export aged records.
type BlobWriter interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

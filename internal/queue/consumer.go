package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nerrad567/event-relay/internal/infrastructure/config"
	"github.com/nerrad567/event-relay/internal/message"
)

// connectTimeout bounds the initial connectivity check.
const connectTimeout = 5 * time.Second

// Consumer pops queue entries from the head of a Redis list.
//
// The pop is BLPOP: atomic remove-and-return, so no entry is ever
// observed by two consumers and ordering is FIFO by queue position.
// Every pop uses a bounded wait so shutdown signals and health ticks
// stay responsive; an expired wait is reported as ErrNoEntry, not as a
// failure.
//
// Thread Safety:
//   - Safe for concurrent use, though the bridge deliberately runs a
//     single consumption loop to preserve ordering.
type Consumer struct {
	client     *redis.Client
	key        string
	popTimeout time.Duration
}

// Connect creates a Consumer and verifies connectivity with a ping.
//
// The consumer uses the configured logical database (default 1) and a
// single list key, keeping the event stream isolated from any other
// application sharing the Redis instance.
//
// Parameters:
//   - ctx: Context for the connectivity check
//   - cfg: Queue configuration from config.yaml
//
// Returns:
//   - *Consumer: Connected consumer ready for use
//   - error: If the ping fails within the connect timeout
func Connect(ctx context.Context, cfg config.QueueConfig) (*Consumer, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	return &Consumer{
		client:     client,
		key:        cfg.Key,
		popTimeout: time.Duration(cfg.PopTimeout) * time.Second,
	}, nil
}

// Next pops and decodes the next entry from the head of the queue.
//
// The call blocks for at most the configured pop timeout. Three
// outcomes are distinguished for the caller:
//
//   - (entry, nil): an entry was popped and decoded.
//   - (nil, ErrNoEntry): the queue was empty for the whole wait; poll again.
//   - (nil, message.ErrMalformedEntry): an entry was popped but cannot
//     be decoded. The entry is already consumed (the pop is destructive)
//     and must be discarded, not retried.
//
// Any other error indicates a transport problem with the queue.
func (c *Consumer) Next(ctx context.Context) (*message.QueueEntry, error) {
	result, err := c.client.BLPop(ctx, c.popTimeout, c.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoEntry
		}
		return nil, fmt.Errorf("popping queue entry: %w", err)
	}

	// BLPOP returns [key, value].
	if len(result) != 2 {
		return nil, fmt.Errorf("%w: unexpected BLPOP reply of %d elements", message.ErrMalformedEntry, len(result))
	}

	return message.DecodeEntry([]byte(result[1]))
}

// Depth returns the number of entries currently waiting in the queue.
func (c *Consumer) Depth(ctx context.Context) (int64, error) {
	depth, err := c.client.LLen(ctx, c.key).Result()
	if err != nil {
		return 0, fmt.Errorf("reading queue depth: %w", err)
	}
	return depth, nil
}

// HealthCheck verifies the queue connection is alive.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (c *Consumer) HealthCheck(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("queue health check: %w", err)
	}
	return nil
}

// Key returns the list key this consumer pops from.
func (c *Consumer) Key() string { return c.key }

// Close releases the underlying Redis connection.
func (c *Consumer) Close() error {
	if c.client == nil {
		return nil
	}
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("closing queue client: %w", err)
	}
	return nil
}

// Package deadletter ships rejected saga commands to a Redis stream for
// operator handling.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/louisbranch/evented/internal/platform/timeouts"
	"github.com/louisbranch/evented/internal/services/evented/domain/compensation"
)

// DefaultStream is the stream written when none is configured.
const DefaultStream = "evented:dead-letters"

// streamWriter is the subset of the Redis client the sink uses.
type streamWriter interface {
	XAdd(ctx context.Context, a *goredis.XAddArgs) *goredis.StringCmd
}

// RedisStream appends one stream entry per letter.
type RedisStream struct {
	client streamWriter
	stream string
	maxLen int64
	closer func() error
}

// Option configures a RedisStream.
type Option func(*RedisStream)

// WithMaxLen caps the stream at roughly n entries.
func WithMaxLen(n int64) Option {
	return func(r *RedisStream) {
		if n > 0 {
			r.maxLen = n
		}
	}
}

// Dial connects to the Redis server at addr.
func Dial(ctx context.Context, addr, stream string, opts ...Option) (*RedisStream, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("redis address is required")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: timeouts.GRPCDial,
	})

	pingCtx, cancel := context.WithTimeout(ctx, timeouts.DeadLetterWrite)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	sink, err := New(rdb, stream, opts...)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	sink.closer = rdb.Close
	return sink, nil
}

// New builds a sink over an existing client.
func New(client streamWriter, stream string, opts ...Option) (*RedisStream, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	stream = strings.TrimSpace(stream)
	if stream == "" {
		stream = DefaultStream
	}
	r := &RedisStream{client: client, stream: stream}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Send appends letter to the stream.
func (r *RedisStream) Send(ctx context.Context, letter compensation.Letter) error {
	if r == nil || r.client == nil {
		return errors.New("redis dead-letter sink not initialized")
	}
	raw, err := json.Marshal(letter.Notification)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	createdAt := letter.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	writeCtx, cancel := context.WithTimeout(ctx, timeouts.DeadLetterWrite)
	defer cancel()

	args := &goredis.XAddArgs{
		Stream: r.stream,
		Values: map[string]any{
			"key":            letter.Key,
			"saga":           letter.Notification.SagaName,
			"reason":         letter.Notification.Reason,
			"correlation_id": letter.Notification.CorrelationID,
			"domain":         letter.Notification.Command.Cover.Domain,
			"notification":   string(raw),
			"created_at":     createdAt.UTC().Format(time.RFC3339Nano),
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	if err := r.client.XAdd(writeCtx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", r.stream, err)
	}
	return nil
}

// Close releases the client opened by Dial.
func (r *RedisStream) Close() error {
	if r == nil || r.closer == nil {
		return nil
	}
	return r.closer()
}

var _ compensation.DeadLetterSink = (*RedisStream)(nil)

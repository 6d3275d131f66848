package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"nft-marketplace-api/internal/model"

	"github.com/redis/go-redis/v9"
)

// DefaultStream is the stream key used when none is configured.
const DefaultStream = "nftmarket:events"

// RedisStream appends events to a Redis stream. Entries get server-assigned
// ids; consumers deduplicate redeliveries by the seq field.
type RedisStream struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStream creates a publisher for stream. maxLen > 0 trims the stream
// approximately to that many entries.
func NewRedisStream(client *redis.Client, stream string, maxLen int64) *RedisStream {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisStream{client: client, stream: stream, maxLen: maxLen}
}

// Publish appends the batch with one round trip.
func (s *RedisStream) Publish(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	for _, ev := range events {
		payload, err := json.Marshal(NewMessage(ev))
		if err != nil {
			return fmt.Errorf("encode event %d: %w", ev.Seq, err)
		}
		args := &redis.XAddArgs{
			Stream: s.stream,
			Values: map[string]interface{}{
				"seq":     strconv.FormatUint(ev.Seq, 10),
				"type":    string(ev.Type),
				"payload": payload,
			},
		}
		if s.maxLen > 0 {
			args.MaxLen = s.maxLen
			args.Approx = true
		}
		pipe.XAdd(ctx, args)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

// Len returns the number of entries in the stream.
func (s *RedisStream) Len(ctx context.Context) (int64, error) {
	return s.client.XLen(ctx, s.stream).Result()
}

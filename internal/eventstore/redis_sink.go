package eventstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSink appends flushed events to a Redis Stream, one XADD per
// event with the JSON payload under the "data" field.
type RedisSink struct {
	client redis.Cmdable
	stream string
}

// NewRedisSink creates a sink writing to the named stream.
func NewRedisSink(client redis.Cmdable, stream string) *RedisSink {
	return &RedisSink{client: client, stream: stream}
}

func (s *RedisSink) Name() string { return "redis:" + s.stream }

func (s *RedisSink) Write(ctx context.Context, events []Event) error {
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", e.ID, err)
		}

		err = s.client.XAdd(ctx, &redis.XAddArgs{
			Stream: s.stream,
			Values: map[string]interface{}{
				"data": string(data),
			},
		}).Err()
		if err != nil {
			return fmt.Errorf("xadd: %w", err)
		}
	}
	return nil
}

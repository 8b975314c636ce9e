package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	TaskIngest    = "ingest"
	TaskThumbnail = "thumbnail"

	EventImageStored = "image.stored"
)

// StreamWriter is the part of *redis.Client a Publisher needs.
type StreamWriter interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Publisher appends entries to a capped stream.
type Publisher struct {
	client StreamWriter
	stream string
	maxLen int64
}

func NewPublisher(client StreamWriter, stream string) *Publisher {
	return &Publisher{client: client, stream: stream, maxLen: 10000}
}

// Publish adds one entry with a "type" field plus the given values.
func (p *Publisher) Publish(ctx context.Context, kind string, values map[string]any) error {
	fields := make(map[string]any, len(values)+2)
	for k, v := range values {
		fields[k] = v
	}
	fields["type"] = kind
	fields["at"] = time.Now().UTC().Format(time.RFC3339)

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: fields,
	}).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}

// Enqueue asks whichever consumer picks it up to run the given task.
func (p *Publisher) Enqueue(ctx context.Context, task, requestedBy string) error {
	return p.Publish(ctx, task, map[string]any{"requested_by": requestedBy})
}

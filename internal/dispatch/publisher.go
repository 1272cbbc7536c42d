// Package dispatch carries task activation triggers over Redis pub/sub and
// admits them through the concurrency guard.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/dtiku-cn/dtiku-paper-sub000/internal/task"
)

// DefaultChannel is the pub/sub channel triggers travel on
const DefaultChannel = "task"

// Publisher announces activated task rows
type Publisher struct {
	client  *redis.Client
	channel string
}

// NewPublisher creates a publisher on channel, DefaultChannel when empty
func NewPublisher(client *redis.Client, channel string) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{client: client, channel: channel}
}

// Publish sends the full row as the trigger payload. Inactive rows are not
// triggers and are ignored. It returns the number of subscribers reached.
func (p *Publisher) Publish(ctx context.Context, t *task.Task) (int64, error) {
	if t == nil || !t.Active {
		return 0, nil
	}

	payload, err := json.Marshal(t)
	if err != nil {
		return 0, fmt.Errorf("failed to encode trigger: %w", err)
	}

	receivers, err := p.client.Publish(ctx, p.channel, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to publish trigger for %s: %w", t.Type, err)
	}
	return receivers, nil
}

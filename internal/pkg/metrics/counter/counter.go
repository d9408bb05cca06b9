// Package counter keeps webhook delivery counters in Redis hashes.
package counter

import (
	"context"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	webhookOutcomesKey = "webhooks:counters:outcomes"
	webhookEventsKey   = "webhooks:counters:events"
)

// Webhook outcomes as answered by the receiver.
const (
	OutcomeAccepted         = "accepted"
	OutcomeDuplicate        = "duplicate"
	OutcomeIgnored          = "ignored"
	OutcomeInvalidSignature = "invalid_signature"
	OutcomeInvalid          = "invalid_webhook"
	OutcomeFailed           = "failed"
)

type Counter struct {
	client *redis.Client
}

func New(client *redis.Client) *Counter {
	return &Counter{client: client}
}

// WebhookCounts is a snapshot of both hashes.
type WebhookCounts struct {
	Outcomes map[string]int64 `json:"outcomes"`
	Events   map[string]int64 `json:"events"`
}

// AddWebhook counts one delivery by outcome and by event type. An empty
// event type is counted as "unknown".
func (c *Counter) AddWebhook(ctx context.Context, eventType, outcome string) error {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		eventType = "unknown"
	}
	pipe := c.client.Pipeline()
	pipe.HIncrBy(ctx, webhookOutcomesKey, outcome, 1)
	pipe.HIncrBy(ctx, webhookEventsKey, eventType, 1)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *Counter) Webhooks(ctx context.Context) (*WebhookCounts, error) {
	outcomes, err := c.readHash(ctx, webhookOutcomesKey)
	if err != nil {
		return nil, err
	}
	events, err := c.readHash(ctx, webhookEventsKey)
	if err != nil {
		return nil, err
	}
	return &WebhookCounts{Outcomes: outcomes, Events: events}, nil
}

func (c *Counter) readHash(ctx context.Context, key string) (map[string]int64, error) {
	data, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(data))
	for k, v := range data {
		n, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			continue
		}
		out[k] = n
	}
	return out, nil
}

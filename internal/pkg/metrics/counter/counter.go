package counter

import (
	"context"
	"log"
	"strconv"

	"github.com/ManuelReschke/SubSync/internal/pkg/cache"
)

const webhookOutcomesKey = "subsync:counters:webhook_outcomes"

// AddWebhookOutcome increments the counter for an (event type, outcome) pair
// in Redis. Counting is best-effort; a cache outage must never fail webhook
// processing.
func AddWebhookOutcome(eventType, outcome string) {
	ctx := context.Background()
	field := eventType + "|" + outcome
	if err := cache.GetClient().HIncrBy(ctx, webhookOutcomesKey, field, 1).Err(); err != nil {
		log.Printf("webhook outcome counter unavailable: %v", err)
	}
}

// WebhookOutcomeTotals returns the accumulated per-(event type, outcome)
// counters keyed as "<event_type>|<outcome>".
func WebhookOutcomeTotals() (map[string]int64, error) {
	ctx := context.Background()
	data, err := cache.GetClient().HGetAll(ctx, webhookOutcomesKey).Result()
	if err != nil {
		return nil, err
	}

	totals := make(map[string]int64, len(data))
	for field, raw := range data {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		totals[field] = n
	}
	return totals, nil
}

// ResetWebhookOutcomes clears the counters. Used by diagnostics tooling.
func ResetWebhookOutcomes() error {
	ctx := context.Background()
	return cache.GetClient().Del(ctx, webhookOutcomesKey).Err()
}

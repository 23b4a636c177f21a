package billing

import (
	"context"
	"log"
	"time"

	"github.com/ManuelReschke/SubSync/app/models"
	"github.com/redis/go-redis/v9"
)

const inFlightLockTTL = 30 * time.Second

// Ledger guarantees at-most-once effect per provider event ID despite the
// provider's at-least-once delivery. The durable check lives in the webhook
// event table; a Redis lock additionally serializes concurrent deliveries of
// the same event so two deliveries cannot both pass the applied check before
// either records.
type Ledger struct {
	repo Repository
	rdb  *redis.Client
}

func NewLedger(repo Repository, rdb *redis.Client) *Ledger {
	return &Ledger{repo: repo, rdb: rdb}
}

// Record persists the event idempotently. The returned bool is true when this
// delivery created the row, false when the event was seen before; the stored
// row is returned either way. Entries never expire.
func (l *Ledger) Record(ctx context.Context, event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	_ = ctx
	return l.repo.CreateWebhookEventIfNotExists(event)
}

// RecordApplied marks an event as applied. Called only after the record store
// write committed.
func (l *Ledger) RecordApplied(ctx context.Context, eventID uint, userID uint) error {
	_ = ctx
	return l.repo.MarkWebhookProcessed(eventID, userID, "")
}

// RecordDropped marks an event as terminally handled without a record
// mutation, keeping the drop reason for audit.
func (l *Ledger) RecordDropped(ctx context.Context, eventID uint, userID uint, reason string) error {
	_ = ctx
	return l.repo.MarkWebhookProcessed(eventID, userID, reason)
}

// AcquireInFlight takes a short-lived per-event lock. The returned release
// function must be called once processing finished. When Redis is unavailable
// the lock degrades to a no-op; the record store's compare-and-swap still
// keeps concurrent deliveries from double-applying.
func (l *Ledger) AcquireInFlight(ctx context.Context, provider, providerEventID string) (func(), bool) {
	if l.rdb == nil {
		return func() {}, true
	}
	key := "subsync:inflight:" + provider + ":" + providerEventID
	ok, err := l.rdb.SetNX(ctx, key, 1, inFlightLockTTL).Result()
	if err != nil {
		log.Printf("webhook in-flight lock unavailable for %s: %v", providerEventID, err)
		return func() {}, true
	}
	if !ok {
		return func() {}, false
	}
	return func() {
		if err := l.rdb.Del(context.Background(), key).Err(); err != nil {
			log.Printf("failed to release in-flight lock for %s: %v", providerEventID, err)
		}
	}, true
}

package billing

import (
	"fmt"
	"strings"

	"github.com/ManuelReschke/SubSync/app/models"
)

// Outcome classifies what applying an event to a record did (or would do).
type Outcome string

const (
	OutcomeApplied         Outcome = "applied"
	OutcomeDuplicate       Outcome = "duplicate"
	OutcomeOutOfOrder      Outcome = "out_of_order"
	OutcomeUnsupported     Outcome = "unsupported"
	OutcomeUnknownCustomer Outcome = "unknown_customer"
)

// Decision is the result of the reconciler's pure decision step. When the
// outcome is OutcomeApplied, Record holds the projected next record state
// including the advanced watermark and incremented version.
type Decision struct {
	Outcome Outcome                   `json:"outcome"`
	Record  models.SubscriptionRecord `json:"record"`
	Reason  string                    `json:"reason,omitempty"`
}

// Decide computes the record mutation a SubscriptionEvent would produce
// against the current record state. It is side-effect free: the webhook path
// and the diagnostics dry-run share it by construction.
//
// Events strictly older than the record's watermark never regress state; a
// redelivery of the watermark event itself is reported as a duplicate.
func Decide(rec models.SubscriptionRecord, ev SubscriptionEvent) Decision {
	if ev.Type == EventUnsupported {
		return Decision{Outcome: OutcomeUnsupported, Record: rec, Reason: "unsupported provider event type " + ev.ProviderType}
	}
	if ev.EventID != "" && ev.EventID == rec.LastEventID {
		return Decision{Outcome: OutcomeDuplicate, Record: rec, Reason: ErrDuplicateEvent.Error()}
	}
	if rec.LastEventAt != nil && ev.OccurredAt.Before(*rec.LastEventAt) {
		return Decision{
			Outcome: OutcomeOutOfOrder,
			Record:  rec,
			Reason:  fmt.Sprintf("%s: event occurred at %s, watermark is %s", ErrOutOfOrderEvent, ev.OccurredAt.Format("2006-01-02T15:04:05Z"), rec.LastEventAt.Format("2006-01-02T15:04:05Z")),
		}
	}

	next := rec
	switch ev.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		// A creation event under a different provider subscription ID replaces
		// the subscription identity and restarts the state machine from the new
		// event. Product policy: a plan change and an erroneous duplicate are
		// indistinguishable from the event alone.
		next.ProviderSubscriptionID = ev.Payload.ProviderSubscriptionID
		next.PlanID = ev.Payload.PlanID
		next.Status = NormalizeProviderStatus(ev.Payload.Status)
		if ev.Payload.CurrentPeriodEnd != nil {
			next.ExpiresAt = ev.Payload.CurrentPeriodEnd
		}
	case EventSubscriptionCanceled:
		// Expiry is retained; any grace period is already encoded by the
		// provider in the last known period end.
		next.Status = models.SubscriptionStatusCanceled
	case EventInvoicePaid:
		if rec.Status == models.SubscriptionStatusPastDue || rec.Status == models.SubscriptionStatusIncomplete {
			next.Status = models.SubscriptionStatusActive
		}
		if ev.Payload.CurrentPeriodEnd != nil && (next.ExpiresAt == nil || ev.Payload.CurrentPeriodEnd.After(*next.ExpiresAt)) {
			next.ExpiresAt = ev.Payload.CurrentPeriodEnd
		}
	case EventInvoiceFailed:
		// A failed invoice never cancels by itself; cancellation is an explicit
		// provider event.
		if rec.Status == models.SubscriptionStatusActive {
			next.Status = models.SubscriptionStatusPastDue
		}
	case EventPaymentMethodAttached:
		// Audit only, no subscription-state change.
	}

	occurredAt := ev.OccurredAt
	next.LastEventID = ev.EventID
	next.LastEventAt = &occurredAt
	next.Version = rec.Version + 1

	return Decision{Outcome: OutcomeApplied, Record: next}
}

// NormalizeProviderStatus maps provider subscription status strings onto the
// canonical record statuses.
func NormalizeProviderStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active", "trialing":
		return models.SubscriptionStatusActive
	case "past_due", "unpaid":
		return models.SubscriptionStatusPastDue
	case "canceled", "cancelled":
		return models.SubscriptionStatusCanceled
	case "incomplete", "incomplete_expired":
		return models.SubscriptionStatusIncomplete
	default:
		return models.SubscriptionStatusIncomplete
	}
}

package billing

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/SubSync/app/models"
	"github.com/ManuelReschke/SubSync/internal/pkg/env"
)

// Normalizer converts raw, signed provider notifications into canonical
// SubscriptionEvents. No event is ever normalized from an unverified payload.
type Normalizer struct {
	Provider      string
	WebhookSecret string

	now func() time.Time
}

func NewNormalizer(provider, webhookSecret string) *Normalizer {
	return &Normalizer{
		Provider:      strings.ToLower(strings.TrimSpace(provider)),
		WebhookSecret: webhookSecret,
		now:           time.Now,
	}
}

func NewNormalizerFromEnv() *Normalizer {
	return NewNormalizer(
		env.GetEnv("BILLING_PROVIDER", models.BillingProviderStripe),
		env.GetEnv("PROVIDER_WEBHOOK_SECRET", ""),
	)
}

// Normalize verifies the payload signature and maps it onto the canonical
// event shape. Unknown provider event types normalize to EventUnsupported so
// future provider types never break the pipeline.
func (n *Normalizer) Normalize(payload []byte, signatureHeader string) (*SubscriptionEvent, error) {
	if !VerifyWebhookSignature(payload, signatureHeader, n.WebhookSecret, n.now()) {
		return nil, ErrAuthenticationFailure
	}
	ev, err := n.parseProviderEvent(payload)
	if err != nil {
		return nil, err
	}
	return ev, nil
}

type rawProviderEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object struct {
			ID               string `json:"id"`
			Customer         string `json:"customer"`
			Subscription     string `json:"subscription"`
			Status           string `json:"status"`
			CurrentPeriodEnd int64  `json:"current_period_end"`
			PeriodEnd        int64  `json:"period_end"`
			Plan             struct {
				ID string `json:"id"`
			} `json:"plan"`
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
			LastPaymentError struct {
				Message string `json:"message"`
			} `json:"last_payment_error"`
			FailureMessage string `json:"failure_message"`
		} `json:"object"`
	} `json:"data"`
}

func (n *Normalizer) parseProviderEvent(payload []byte) (*SubscriptionEvent, error) {
	var raw rawProviderEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(raw.ID) == "" {
		return nil, fmt.Errorf("%w: missing event id", ErrInvalidPayload)
	}
	if raw.Created <= 0 {
		return nil, fmt.Errorf("%w: missing created timestamp", ErrInvalidPayload)
	}

	obj := raw.Data.Object
	ev := &SubscriptionEvent{
		EventID:            strings.TrimSpace(raw.ID),
		Provider:           n.Provider,
		ProviderCustomerID: strings.TrimSpace(obj.Customer),
		Type:               mapProviderEventType(raw.Type),
		ProviderType:       strings.TrimSpace(raw.Type),
		OccurredAt:         time.Unix(raw.Created, 0).UTC(),
	}

	switch ev.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionCanceled:
		ev.Payload.ProviderSubscriptionID = strings.TrimSpace(obj.ID)
		ev.Payload.Status = strings.ToLower(strings.TrimSpace(obj.Status))
		ev.Payload.PlanID = firstNonEmpty(obj.Plan.ID, obj.Price.ID)
		ev.Payload.CurrentPeriodEnd = unixTimePtr(obj.CurrentPeriodEnd)
	case EventInvoicePaid:
		ev.Payload.ProviderSubscriptionID = strings.TrimSpace(obj.Subscription)
		ev.Payload.CurrentPeriodEnd = unixTimePtr(firstNonZero(obj.PeriodEnd, obj.CurrentPeriodEnd))
	case EventInvoiceFailed:
		ev.Payload.ProviderSubscriptionID = strings.TrimSpace(obj.Subscription)
		ev.Payload.FailureReason = firstNonEmpty(obj.LastPaymentError.Message, obj.FailureMessage)
	case EventPaymentMethodAttached:
		ev.Payload.PaymentMethodID = strings.TrimSpace(obj.ID)
	}

	return ev, nil
}

// mapProviderEventType maps provider event type strings onto the canonical
// enumeration. Everything unknown maps to EventUnsupported.
func mapProviderEventType(providerType string) EventType {
	switch strings.ToLower(strings.TrimSpace(providerType)) {
	case "customer.subscription.created":
		return EventSubscriptionCreated
	case "customer.subscription.updated":
		return EventSubscriptionUpdated
	case "customer.subscription.deleted":
		return EventSubscriptionCanceled
	case "invoice.payment_succeeded", "invoice.paid":
		return EventInvoicePaid
	case "invoice.payment_failed":
		return EventInvoiceFailed
	case "payment_method.attached":
		return EventPaymentMethodAttached
	default:
		return EventUnsupported
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func firstNonZero(values ...int64) int64 {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}

func unixTimePtr(unix int64) *time.Time {
	if unix <= 0 {
		return nil
	}
	t := time.Unix(unix, 0).UTC()
	return &t
}

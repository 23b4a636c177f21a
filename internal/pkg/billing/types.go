package billing

import (
	"errors"
	"time"
)

// EventType enumerates the canonical, provider-agnostic subscription event
// types the reconciler understands.
type EventType string

const (
	EventSubscriptionCreated   EventType = "subscription_created"
	EventSubscriptionUpdated   EventType = "subscription_updated"
	EventSubscriptionCanceled  EventType = "subscription_canceled"
	EventInvoicePaid           EventType = "invoice_paid"
	EventInvoiceFailed         EventType = "invoice_failed"
	EventPaymentMethodAttached EventType = "payment_method_attached"
	EventUnsupported           EventType = "unsupported"
)

// SubscriptionEvent is the canonical form of an inbound provider notification.
// OccurredAt carries the provider's event timestamp, never receipt time, since
// ordering decisions depend on provider time.
type SubscriptionEvent struct {
	EventID            string       `json:"event_id"`
	Provider           string       `json:"provider"`
	ProviderCustomerID string       `json:"provider_customer_id"`
	Type               EventType    `json:"type"`
	ProviderType       string       `json:"provider_type"`
	OccurredAt         time.Time    `json:"occurred_at"`
	Payload            EventPayload `json:"payload"`
}

// EventPayload carries the type-specific fields of a SubscriptionEvent.
// Only the fields relevant for the event's type are populated.
type EventPayload struct {
	ProviderSubscriptionID string     `json:"provider_subscription_id,omitempty"`
	Status                 string     `json:"status,omitempty"`
	PlanID                 string     `json:"plan_id,omitempty"`
	CurrentPeriodEnd       *time.Time `json:"current_period_end,omitempty"`
	FailureReason          string     `json:"failure_reason,omitempty"`
	PaymentMethodID        string     `json:"payment_method_id,omitempty"`
}

// SetupIntent is the normalized result of a provider setup-intent creation.
type SetupIntent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
}

// ProviderCustomer is the normalized result of a provider customer creation.
type ProviderCustomer struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// ProviderSubscription is the normalized descriptor of a provider
// subscription entity. Record state is not derived from it; the confirming
// webhook event is the single mutation path.
type ProviderSubscription struct {
	ID               string     `json:"id"`
	CustomerID       string     `json:"customer_id"`
	PlanID           string     `json:"plan_id"`
	Status           string     `json:"status"`
	CurrentPeriodEnd *time.Time `json:"current_period_end,omitempty"`
}

// Error taxonomy of the synchronization engine. Handlers map these onto HTTP
// status codes; everything provider-side is surfaced, never silently
// swallowed.
var (
	ErrAuthenticationFailure  = errors.New("webhook signature verification failed")
	ErrInvalidPayload         = errors.New("provider event payload is not decodable")
	ErrUnknownCustomer        = errors.New("no subscription record for provider customer")
	ErrOutOfOrderEvent        = errors.New("event is older than the record watermark")
	ErrDuplicateEvent         = errors.New("event has already been applied")
	ErrConcurrentModification = errors.New("record version changed concurrently")
	ErrProviderUnavailable    = errors.New("payment provider unavailable")
	ErrInvalidCustomer        = errors.New("payment provider rejected the customer")
	ErrRateLimited            = errors.New("payment provider rate limited the request")
)

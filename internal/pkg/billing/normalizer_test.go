package billing

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func newTestNormalizer(secret string) *Normalizer {
	return NewNormalizer("stripe", secret)
}

func TestNormalize_RejectsUnverifiedPayload(t *testing.T) {
	n := newTestNormalizer("whsec_s")
	payload := []byte(`{"id":"evt_1","type":"customer.subscription.created","created":1700000000}`)

	_, err := n.Normalize(payload, "t=1,v1=deadbeef")
	if !errors.Is(err, ErrAuthenticationFailure) {
		t.Fatalf("expected ErrAuthenticationFailure, got %v", err)
	}

	_, err = n.Normalize(payload, "")
	if !errors.Is(err, ErrAuthenticationFailure) {
		t.Fatalf("expected missing signature to fail closed, got %v", err)
	}
}

func TestNormalize_SubscriptionEvent(t *testing.T) {
	secret := "whsec_s"
	n := newTestNormalizer(secret)
	created := time.Now().Add(-time.Minute).Truncate(time.Second)
	payload := []byte(fmt.Sprintf(`{
		"id": "evt_42",
		"type": "customer.subscription.created",
		"created": %d,
		"data": { "object": {
			"id": "sub_1",
			"customer": "cus_1",
			"status": "active",
			"plan": { "id": "p1" },
			"current_period_end": %d
		}}
	}`, created.Unix(), created.Add(30*24*time.Hour).Unix()))

	ev, err := n.Normalize(payload, signPayload(payload, secret, time.Now()))
	if err != nil {
		t.Fatalf("unexpected normalize error: %v", err)
	}
	if ev.EventID != "evt_42" || ev.Type != EventSubscriptionCreated {
		t.Fatalf("unexpected event: id=%q type=%q", ev.EventID, ev.Type)
	}
	if ev.ProviderCustomerID != "cus_1" {
		t.Fatalf("unexpected customer: %q", ev.ProviderCustomerID)
	}
	if !ev.OccurredAt.Equal(created.UTC()) {
		t.Fatalf("expected occurred_at from provider created timestamp, got %v", ev.OccurredAt)
	}
	if ev.Payload.ProviderSubscriptionID != "sub_1" || ev.Payload.PlanID != "p1" || ev.Payload.Status != "active" {
		t.Fatalf("unexpected payload: %+v", ev.Payload)
	}
	if ev.Payload.CurrentPeriodEnd == nil {
		t.Fatalf("expected current period end to be set")
	}
}

func TestNormalize_InvoiceEvents(t *testing.T) {
	secret := "whsec_s"
	n := newTestNormalizer(secret)

	paid := []byte(`{
		"id": "evt_inv", "type": "invoice.payment_succeeded", "created": 1700000000,
		"data": { "object": { "customer": "cus_1", "subscription": "sub_1", "period_end": 1702592000 } }
	}`)
	ev, err := n.Normalize(paid, signPayload(paid, secret, time.Now()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Type != EventInvoicePaid || ev.Payload.ProviderSubscriptionID != "sub_1" || ev.Payload.CurrentPeriodEnd == nil {
		t.Fatalf("unexpected invoice_paid event: %+v", ev)
	}

	failed := []byte(`{
		"id": "evt_fail", "type": "invoice.payment_failed", "created": 1700000000,
		"data": { "object": { "customer": "cus_1", "subscription": "sub_1", "last_payment_error": { "message": "card_declined" } } }
	}`)
	ev, err = n.Normalize(failed, signPayload(failed, secret, time.Now()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Type != EventInvoiceFailed || ev.Payload.FailureReason != "card_declined" {
		t.Fatalf("unexpected invoice_failed event: %+v", ev)
	}
}

func TestNormalize_UnknownTypeIsUnsupported(t *testing.T) {
	secret := "whsec_s"
	n := newTestNormalizer(secret)
	payload := []byte(`{
		"id": "evt_x", "type": "charge.refund.updated", "created": 1700000000,
		"data": { "object": { "customer": "cus_1" } }
	}`)

	ev, err := n.Normalize(payload, signPayload(payload, secret, time.Now()))
	if err != nil {
		t.Fatalf("unknown event types must not error, got %v", err)
	}
	if ev.Type != EventUnsupported {
		t.Fatalf("expected unsupported type, got %q", ev.Type)
	}
	if ev.ProviderType != "charge.refund.updated" {
		t.Fatalf("expected provider type to be preserved, got %q", ev.ProviderType)
	}
}

func TestNormalize_InvalidPayload(t *testing.T) {
	secret := "whsec_s"
	n := newTestNormalizer(secret)

	for _, payload := range [][]byte{
		[]byte(`not json`),
		[]byte(`{"type":"customer.subscription.created","created":1700000000}`),
		[]byte(`{"id":"evt_1","type":"customer.subscription.created"}`),
	} {
		_, err := n.Normalize(payload, signPayload(payload, secret, time.Now()))
		if !errors.Is(err, ErrInvalidPayload) {
			t.Fatalf("expected ErrInvalidPayload for %s, got %v", payload, err)
		}
	}
}

func TestMapProviderEventType(t *testing.T) {
	tests := []struct {
		in   string
		want EventType
	}{
		{in: "customer.subscription.created", want: EventSubscriptionCreated},
		{in: "customer.subscription.updated", want: EventSubscriptionUpdated},
		{in: "customer.subscription.deleted", want: EventSubscriptionCanceled},
		{in: "invoice.payment_succeeded", want: EventInvoicePaid},
		{in: "invoice.paid", want: EventInvoicePaid},
		{in: "invoice.payment_failed", want: EventInvoiceFailed},
		{in: "payment_method.attached", want: EventPaymentMethodAttached},
		{in: "customer.created", want: EventUnsupported},
		{in: "", want: EventUnsupported},
	}

	for _, tt := range tests {
		if got := mapProviderEventType(tt.in); got != tt.want {
			t.Fatalf("mapProviderEventType(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

package billing

import (
	"strings"
	"testing"
	"time"

	"github.com/ManuelReschke/SubSync/app/models"
)

func baseTime() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func activeRecord(t0 time.Time) models.SubscriptionRecord {
	expiry := t0.Add(30 * 24 * time.Hour)
	watermark := t0
	return models.SubscriptionRecord{
		UserID:                 1,
		PlanID:                 "p1",
		Status:                 models.SubscriptionStatusActive,
		ExpiresAt:              &expiry,
		ProviderCustomerID:     "cus_1",
		ProviderSubscriptionID: "sub_1",
		LastEventID:            "evt_0",
		LastEventAt:            &watermark,
		Version:                1,
	}
}

func TestDecide_FreshSubscriptionCreated(t *testing.T) {
	t0 := baseTime()
	expiry := t0.Add(30 * 24 * time.Hour)
	rec := models.SubscriptionRecord{
		UserID:             1,
		Status:             models.SubscriptionStatusNone,
		ProviderCustomerID: "cus_1",
	}
	ev := SubscriptionEvent{
		EventID:            "evt_1",
		Provider:           "stripe",
		ProviderCustomerID: "cus_1",
		Type:               EventSubscriptionCreated,
		OccurredAt:         t0,
		Payload: EventPayload{
			ProviderSubscriptionID: "sub_1",
			Status:                 "active",
			PlanID:                 "p1",
			CurrentPeriodEnd:       &expiry,
		},
	}

	d := Decide(rec, ev)
	if d.Outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %s (%s)", d.Outcome, d.Reason)
	}
	next := d.Record
	if next.PlanID != "p1" || next.Status != models.SubscriptionStatusActive {
		t.Fatalf("unexpected state: plan=%q status=%q", next.PlanID, next.Status)
	}
	if next.ExpiresAt == nil || !next.ExpiresAt.Equal(expiry) {
		t.Fatalf("unexpected expiry: %v", next.ExpiresAt)
	}
	if next.Version != 1 {
		t.Fatalf("expected version 1, got %d", next.Version)
	}
	if next.LastEventID != "evt_1" || next.LastEventAt == nil || !next.LastEventAt.Equal(t0) {
		t.Fatalf("watermark not advanced: id=%q at=%v", next.LastEventID, next.LastEventAt)
	}
}

func TestDecide_DuplicateEventID(t *testing.T) {
	rec := activeRecord(baseTime())
	ev := SubscriptionEvent{
		EventID:    "evt_0",
		Type:       EventSubscriptionUpdated,
		OccurredAt: baseTime(),
	}

	d := Decide(rec, ev)
	if d.Outcome != OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s", d.Outcome)
	}
	if d.Record.Version != rec.Version {
		t.Fatalf("duplicate must not change version")
	}
	if d.Reason != ErrDuplicateEvent.Error() {
		t.Fatalf("unexpected reason: %q", d.Reason)
	}
}

func TestDecide_OutOfOrderEventNeverRegresses(t *testing.T) {
	rec := activeRecord(baseTime())
	stale := SubscriptionEvent{
		EventID:    "evt_old",
		Type:       EventSubscriptionCanceled,
		OccurredAt: baseTime().Add(-time.Hour),
	}

	d := Decide(rec, stale)
	if d.Outcome != OutcomeOutOfOrder {
		t.Fatalf("expected out_of_order, got %s", d.Outcome)
	}
	if d.Record.Status != models.SubscriptionStatusActive {
		t.Fatalf("out-of-order event must not regress state, got %q", d.Record.Status)
	}
	if !strings.Contains(d.Reason, ErrOutOfOrderEvent.Error()) {
		t.Fatalf("unexpected reason: %q", d.Reason)
	}
}

func TestDecide_InvoiceFailedDemotesActive(t *testing.T) {
	rec := activeRecord(baseTime())
	ev := SubscriptionEvent{
		EventID:    "evt_f",
		Type:       EventInvoiceFailed,
		OccurredAt: baseTime().Add(time.Hour),
		Payload:    EventPayload{FailureReason: "card_declined"},
	}

	d := Decide(rec, ev)
	if d.Outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %s", d.Outcome)
	}
	next := d.Record
	if next.Status != models.SubscriptionStatusPastDue {
		t.Fatalf("expected past_due, got %q", next.Status)
	}
	if next.PlanID != rec.PlanID || !next.ExpiresAt.Equal(*rec.ExpiresAt) {
		t.Fatalf("invoice_failed must keep plan and expiry")
	}
	if next.Version != rec.Version+1 {
		t.Fatalf("expected version increment")
	}
}

func TestDecide_InvoicePaidRevivesAndExtends(t *testing.T) {
	t0 := baseTime()
	rec := activeRecord(t0)
	preFailureExpiry := *rec.ExpiresAt

	failed := SubscriptionEvent{EventID: "evt_f", Type: EventInvoiceFailed, OccurredAt: t0.Add(time.Hour)}
	d := Decide(rec, failed)
	if d.Outcome != OutcomeApplied || d.Record.Status != models.SubscriptionStatusPastDue {
		t.Fatalf("setup failed: %+v", d)
	}

	newEnd := preFailureExpiry.Add(30 * 24 * time.Hour)
	paid := SubscriptionEvent{
		EventID:    "evt_p",
		Type:       EventInvoicePaid,
		OccurredAt: t0.Add(2 * time.Hour),
		Payload:    EventPayload{CurrentPeriodEnd: &newEnd},
	}
	d = Decide(d.Record, paid)
	if d.Outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %s", d.Outcome)
	}
	if d.Record.Status != models.SubscriptionStatusActive {
		t.Fatalf("expected revival to active, got %q", d.Record.Status)
	}
	if !d.Record.ExpiresAt.After(preFailureExpiry) {
		t.Fatalf("expected expiry extended beyond pre-failure value")
	}
}

func TestDecide_InvoicePaidNeverShortensExpiry(t *testing.T) {
	rec := activeRecord(baseTime())
	earlier := rec.ExpiresAt.Add(-24 * time.Hour)
	ev := SubscriptionEvent{
		EventID:    "evt_p",
		Type:       EventInvoicePaid,
		OccurredAt: baseTime().Add(time.Hour),
		Payload:    EventPayload{CurrentPeriodEnd: &earlier},
	}

	d := Decide(rec, ev)
	if d.Outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %s", d.Outcome)
	}
	if !d.Record.ExpiresAt.Equal(*rec.ExpiresAt) {
		t.Fatalf("expiry must not move backwards")
	}
}

func TestDecide_CancellationRetainsExpiry(t *testing.T) {
	rec := activeRecord(baseTime())
	ev := SubscriptionEvent{
		EventID:    "evt_c",
		Type:       EventSubscriptionCanceled,
		OccurredAt: baseTime().Add(time.Hour),
	}

	d := Decide(rec, ev)
	if d.Record.Status != models.SubscriptionStatusCanceled {
		t.Fatalf("expected canceled, got %q", d.Record.Status)
	}
	if !d.Record.ExpiresAt.Equal(*rec.ExpiresAt) {
		t.Fatalf("cancellation must retain expiry for the grace period")
	}
}

func TestDecide_PaymentMethodAttachedIsAuditOnly(t *testing.T) {
	rec := activeRecord(baseTime())
	ev := SubscriptionEvent{
		EventID:    "evt_pm",
		Type:       EventPaymentMethodAttached,
		OccurredAt: baseTime().Add(time.Hour),
		Payload:    EventPayload{PaymentMethodID: "pm_1"},
	}

	d := Decide(rec, ev)
	if d.Outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %s", d.Outcome)
	}
	next := d.Record
	if next.Status != rec.Status || next.PlanID != rec.PlanID || !next.ExpiresAt.Equal(*rec.ExpiresAt) {
		t.Fatalf("payment_method_attached must not change subscription state")
	}
	if next.LastEventID != "evt_pm" || next.Version != rec.Version+1 {
		t.Fatalf("expected watermark and version to advance")
	}
}

func TestDecide_CreationReplacesSubscriptionIdentity(t *testing.T) {
	rec := activeRecord(baseTime())
	newEnd := baseTime().Add(60 * 24 * time.Hour)
	ev := SubscriptionEvent{
		EventID:    "evt_new",
		Type:       EventSubscriptionCreated,
		OccurredAt: baseTime().Add(time.Hour),
		Payload: EventPayload{
			ProviderSubscriptionID: "sub_2",
			Status:                 "incomplete",
			PlanID:                 "p2",
			CurrentPeriodEnd:       &newEnd,
		},
	}

	d := Decide(rec, ev)
	if d.Outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %s", d.Outcome)
	}
	next := d.Record
	if next.ProviderSubscriptionID != "sub_2" || next.PlanID != "p2" {
		t.Fatalf("expected subscription identity replaced, got %q/%q", next.ProviderSubscriptionID, next.PlanID)
	}
	if next.Status != models.SubscriptionStatusIncomplete {
		t.Fatalf("expected state machine reset from creation event, got %q", next.Status)
	}
}

func TestDecide_UnsupportedEvent(t *testing.T) {
	rec := activeRecord(baseTime())
	ev := SubscriptionEvent{
		EventID:      "evt_u",
		Type:         EventUnsupported,
		ProviderType: "charge.refund.updated",
		OccurredAt:   baseTime().Add(time.Hour),
	}

	d := Decide(rec, ev)
	if d.Outcome != OutcomeUnsupported {
		t.Fatalf("expected unsupported, got %s", d.Outcome)
	}
}

func TestNormalizeProviderStatus(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "active", want: models.SubscriptionStatusActive},
		{in: "trialing", want: models.SubscriptionStatusActive},
		{in: "past_due", want: models.SubscriptionStatusPastDue},
		{in: "unpaid", want: models.SubscriptionStatusPastDue},
		{in: "canceled", want: models.SubscriptionStatusCanceled},
		{in: "incomplete", want: models.SubscriptionStatusIncomplete},
		{in: "incomplete_expired", want: models.SubscriptionStatusIncomplete},
		{in: "something_new", want: models.SubscriptionStatusIncomplete},
	}

	for _, tt := range tests {
		if got := NormalizeProviderStatus(tt.in); got != tt.want {
			t.Fatalf("NormalizeProviderStatus(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

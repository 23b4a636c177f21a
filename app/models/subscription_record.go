package models

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// Billing provider constants used across subscription-related models.
const (
	BillingProviderStripe = "stripe"
)

const (
	SubscriptionStatusNone       = "none"
	SubscriptionStatusActive     = "active"
	SubscriptionStatusPastDue    = "past_due"
	SubscriptionStatusCanceled   = "canceled"
	SubscriptionStatusIncomplete = "incomplete"
)

// SubscriptionRecord is the durable per-user subscription state mirrored from
// the payment provider. It is created once per user (status "none"), mutated
// exclusively through the reconciler, and never hard-deleted: cancellation is
// a status transition, not removal.
type SubscriptionRecord struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	UserID                 uint       `gorm:"not null;uniqueIndex:ux_subscription_records_user" json:"user_id" validate:"required"`
	Provider               string     `gorm:"type:varchar(20);not null;default:'stripe';uniqueIndex:ux_subscription_records_customer,priority:1" json:"provider"`
	PlanID                 string     `gorm:"type:varchar(191);not null;default:''" json:"plan_id"`
	Status                 string     `gorm:"type:varchar(32);not null;default:'none';index" json:"status" validate:"oneof=none active past_due canceled incomplete"`
	ExpiresAt              *time.Time `gorm:"type:timestamp;default:null" json:"expires_at,omitempty"`
	ProviderCustomerID     string     `gorm:"type:varchar(191);not null;uniqueIndex:ux_subscription_records_customer,priority:2" json:"provider_customer_id" validate:"required"`
	ProviderSubscriptionID string     `gorm:"type:varchar(191);not null;default:'';index" json:"provider_subscription_id"`
	LastEventID            string     `gorm:"type:varchar(191);not null;default:''" json:"last_event_id"`
	LastEventAt            *time.Time `gorm:"type:timestamp;default:null" json:"last_event_at,omitempty"`
	Version                uint64     `gorm:"not null;default:0" json:"version"`
	CreatedAt              time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (r *SubscriptionRecord) Validate() error {
	v := validator.New()

	return v.Struct(r)
}

// HasSubscription reports whether the record currently references a provider
// subscription entity.
func (r *SubscriptionRecord) HasSubscription() bool {
	return r != nil && r.ProviderSubscriptionID != ""
}

// IsLapsed reports whether an active record must be treated as lapsed because
// its expiry has passed without a renewal event.
func (r *SubscriptionRecord) IsLapsed(now time.Time) bool {
	if r == nil || r.Status != SubscriptionStatusActive {
		return false
	}
	return r.ExpiresAt != nil && r.ExpiresAt.Before(now)
}

// IsValidSubscriptionStatus reports whether s is one of the canonical
// subscription statuses.
func IsValidSubscriptionStatus(s string) bool {
	switch s {
	case SubscriptionStatusNone, SubscriptionStatusActive, SubscriptionStatusPastDue,
		SubscriptionStatusCanceled, SubscriptionStatusIncomplete:
		return true
	default:
		return false
	}
}

package models

import "time"

// WebhookEvent stores provider webhook payloads with deduplication metadata
// for idempotent processing. The (provider, provider_event_id) pair is unique
// so redelivered events collapse onto the same row; an event counts as applied
// once ProcessedAt is set without a processing error.
type WebhookEvent struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Provider        string     `gorm:"type:varchar(20);not null;index:ux_webhook_events_provider_event,unique,priority:1;index" json:"provider"`
	ProviderEventID string     `gorm:"type:varchar(191);not null;default:'';index:ux_webhook_events_provider_event,unique,priority:2" json:"provider_event_id"`
	EventType       string     `gorm:"type:varchar(100);not null;index" json:"event_type"`
	PayloadJSON     string     `gorm:"type:longtext;not null" json:"payload_json"`
	UserID          uint       `gorm:"default:0;index" json:"user_id"`
	OccurredAt      *time.Time `gorm:"type:timestamp;default:null" json:"occurred_at,omitempty"`
	ProcessedAt     *time.Time `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	ProcessingError string     `gorm:"type:text" json:"processing_error"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Applied reports whether the event has already produced its effect.
func (e *WebhookEvent) Applied() bool {
	return e != nil && e.ProcessedAt != nil && e.ProcessingError == ""
}

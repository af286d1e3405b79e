package model

import "time"

// Webhook event processing states.
const (
	WebhookPending   = "pending"
	WebhookProcessed = "processed"
	WebhookIgnored   = "ignored"
	WebhookFailed    = "failed"
)

// WebhookEvent stores every verified processor event with deduplication
// metadata. The unique ProviderEventID makes redelivery a no-op and the row
// is the durable queue entry for asynchronous application.
type WebhookEvent struct {
	ID              uint64 `gorm:"primaryKey"`
	ProviderEventID string `gorm:"size:128;uniqueIndex;not null"`
	EventType       string `gorm:"size:64;not null;index"`
	Payload         string `gorm:"type:jsonb;not null"`
	SignatureValid  bool   `gorm:"not null;default:false"`
	Status          string `gorm:"size:16;not null;default:'pending';index"`
	Attempts        int    `gorm:"not null;default:0"`
	LastError       string `gorm:"size:512"`
	ProcessedAt     *time.Time
	CreatedAt       time.Time `gorm:"autoCreateTime"`
}

func (WebhookEvent) TableName() string { return "webhook_event" }

package model

import "time"

// Alert severities.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// FraudAlert is an anomaly flagged for operator review. DedupeKey is derived
// from the triggering transaction or processor event so that re-running
// analysis over the same window cannot create duplicates.
type FraudAlert struct {
	ID          uint64  `gorm:"primaryKey"`
	GiftCardID  *uint64 `gorm:"index"`
	AlertType   string  `gorm:"size:64;not null"`
	Severity    string  `gorm:"size:16;not null"`
	Description string  `gorm:"size:512"`
	Metadata    string  `gorm:"type:jsonb"`
	DedupeKey   string  `gorm:"size:128;uniqueIndex;not null"`
	Resolved    bool    `gorm:"not null;default:false"`
	ResolvedBy  *string `gorm:"size:64"`
	ResolvedAt  *time.Time
	CreatedAt   time.Time `gorm:"autoCreateTime"`
}

func (FraudAlert) TableName() string { return "fraud_alert" }

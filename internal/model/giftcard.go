package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// GiftCard is the authoritative monetary state of one card. Balance is only
// ever mutated through the ledger service; Version backs the optimistic lock.
// IntegrityHold freezes balance mutations once drift between the stored
// balance and the replayed log has been detected; only an operator clears it.
type GiftCard struct {
	ID             uint64          `gorm:"primaryKey"`
	Code           string          `gorm:"size:32;uniqueIndex;not null"`
	ExternalCardID *string         `gorm:"size:64;index"`
	CurrentBalance decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	InitialAmount  decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	IsActive       bool            `gorm:"not null;default:true"`
	IntegrityHold  bool            `gorm:"not null;default:false"`
	Version        uint64          `gorm:"not null;default:0"`
	CreatedAt      time.Time       `gorm:"autoCreateTime"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime"`
}

func (GiftCard) TableName() string { return "gift_card" }

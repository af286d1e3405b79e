package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction types. The sign of the effect on the card balance is derived
// from the type; Amount is positive except for adjustments, which carry the
// sign of the reconciliation delta.
const (
	TxIssue      = "issue"
	TxRedeem     = "redeem"
	TxRecharge   = "recharge"
	TxAdjustment = "adjustment"
	TxReversal   = "reversal"
)

// Transaction is one immutable ledger entry. Rows are append-only:
// corrections are new adjustment/reversal entries, never edits.
type Transaction struct {
	ID                uint64          `gorm:"primaryKey"`
	GiftCardID        uint64          `gorm:"not null;index"`
	Type              string          `gorm:"size:32;not null"`
	Amount            decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	BalanceBefore     decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	BalanceAfter      decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	ExternalReference *string         `gorm:"size:128;index"`
	IdempotencyKey    *string         `gorm:"size:128;index"`
	Actor             string          `gorm:"size:64"`
	CreatedAt         time.Time       `gorm:"autoCreateTime"`
}

func (Transaction) TableName() string { return "ledger_transaction" }

// SignedAmount returns the entry's effect on the balance.
func (t Transaction) SignedAmount() decimal.Decimal {
	switch t.Type {
	case TxRedeem, TxReversal:
		return t.Amount.Neg()
	default:
		return t.Amount
	}
}

package fraud

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cardforge/giftcard-ledger/internal/model"
)

// Alert is a rule hit before persistence. DedupeKey is stable for a given
// triggering transaction so repeated evaluation cannot duplicate alerts.
type Alert struct {
	GiftCardID  *uint64
	AlertType   string
	Severity    string
	Description string
	Metadata    map[string]interface{}
	DedupeKey   string
}

// ToModel converts a rule hit into the persisted shape.
func (a Alert) ToModel() *model.FraudAlert {
	meta, _ := json.Marshal(a.Metadata)
	return &model.FraudAlert{
		GiftCardID:  a.GiftCardID,
		AlertType:   a.AlertType,
		Severity:    a.Severity,
		Description: a.Description,
		Metadata:    string(meta),
		DedupeKey:   a.DedupeKey,
	}
}

// Config holds the rule thresholds.
type Config struct {
	// VelocityWindow bounds the sliding window; VelocityCount redemptions of
	// at least VelocityMinAmount by one actor inside it trips the rule.
	VelocityWindow    time.Duration
	VelocityCount     int
	VelocityMinAmount decimal.Decimal

	// LargeRedemption flags any single redemption at or above this amount.
	LargeRedemption decimal.Decimal
}

// Engine evaluates transaction windows against the rules. It holds no
// mutable state and never touches the ledger.
type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Lookback tells callers how much history the rules need.
func (e *Engine) Lookback() time.Duration { return e.cfg.VelocityWindow }

// Evaluate is a pure function of (actor history, current entry). The history
// slice is the actor's transactions inside the lookback window, ascending,
// and may or may not already contain the current entry.
func (e *Engine) Evaluate(history []model.Transaction, current model.Transaction) []Alert {
	var alerts []Alert
	if current.Type != model.TxRedeem {
		return alerts
	}

	if a := e.velocity(history, current); a != nil {
		alerts = append(alerts, *a)
	}
	if a := e.largeRedemption(current); a != nil {
		alerts = append(alerts, *a)
	}
	if a := e.rechargeDrain(history, current); a != nil {
		alerts = append(alerts, *a)
	}
	return alerts
}

func (e *Engine) velocity(history []model.Transaction, current model.Transaction) *Alert {
	cutoff := current.CreatedAt.Add(-e.cfg.VelocityWindow)
	count := 0
	for _, t := range history {
		if t.ID == current.ID {
			continue
		}
		if t.Type == model.TxRedeem && t.Actor == current.Actor &&
			!t.CreatedAt.Before(cutoff) && t.Amount.GreaterThanOrEqual(e.cfg.VelocityMinAmount) {
			count++
		}
	}
	if current.Amount.GreaterThanOrEqual(e.cfg.VelocityMinAmount) {
		count++
	}
	if count < e.cfg.VelocityCount {
		return nil
	}
	return &Alert{
		GiftCardID:  &current.GiftCardID,
		AlertType:   "redemption_velocity",
		Severity:    model.SeverityMedium,
		Description: fmt.Sprintf("%d redemptions of %s+ by %q within %s", count, e.cfg.VelocityMinAmount.StringFixed(2), current.Actor, e.cfg.VelocityWindow),
		Metadata: map[string]interface{}{
			"actor":  current.Actor,
			"count":  count,
			"window": e.cfg.VelocityWindow.String(),
		},
		DedupeKey: fmt.Sprintf("redemption_velocity:%d", current.ID),
	}
}

func (e *Engine) largeRedemption(current model.Transaction) *Alert {
	if current.Amount.LessThan(e.cfg.LargeRedemption) {
		return nil
	}
	return &Alert{
		GiftCardID:  &current.GiftCardID,
		AlertType:   "large_redemption",
		Severity:    model.SeverityLow,
		Description: fmt.Sprintf("single redemption of %s", current.Amount.StringFixed(2)),
		Metadata: map[string]interface{}{
			"amount": current.Amount.StringFixed(2),
			"actor":  current.Actor,
		},
		DedupeKey: fmt.Sprintf("large_redemption:%d", current.ID),
	}
}

// rechargeDrain flags a card recharged and then emptied inside the window, a
// common pattern for laundering stolen payment credentials.
func (e *Engine) rechargeDrain(history []model.Transaction, current model.Transaction) *Alert {
	if !current.BalanceAfter.IsZero() {
		return nil
	}
	cutoff := current.CreatedAt.Add(-e.cfg.VelocityWindow)
	for _, t := range history {
		if t.Type == model.TxRecharge && t.GiftCardID == current.GiftCardID && !t.CreatedAt.Before(cutoff) {
			return &Alert{
				GiftCardID:  &current.GiftCardID,
				AlertType:   "recharge_drain",
				Severity:    model.SeverityHigh,
				Description: fmt.Sprintf("card drained to zero within %s of a recharge", e.cfg.VelocityWindow),
				Metadata: map[string]interface{}{
					"recharge_tx": t.ID,
					"redeem_tx":   current.ID,
				},
				DedupeKey: fmt.Sprintf("recharge_drain:%d", current.ID),
			}
		}
	}
	return nil
}

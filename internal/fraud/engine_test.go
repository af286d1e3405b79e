package fraud

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/cardforge/giftcard-ledger/internal/model"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testEngine() *Engine {
	return NewEngine(Config{
		VelocityWindow:    10 * time.Minute,
		VelocityCount:     3,
		VelocityMinAmount: dec("50.00"),
		LargeRedemption:   dec("500.00"),
	})
}

func redeemTx(id uint64, actor, amount, after string, at time.Time) model.Transaction {
	return model.Transaction{
		ID:           id,
		GiftCardID:   1,
		Type:         model.TxRedeem,
		Amount:       dec(amount),
		BalanceAfter: dec(after),
		Actor:        actor,
		CreatedAt:    at,
	}
}

func TestVelocityRule(t *testing.T) {
	e := testEngine()
	now := time.Now()

	history := []model.Transaction{
		redeemTx(1, "actor-a", "60.00", "440.00", now.Add(-5*time.Minute)),
		redeemTx(2, "actor-a", "70.00", "370.00", now.Add(-3*time.Minute)),
	}
	current := redeemTx(3, "actor-a", "80.00", "290.00", now)

	alerts := e.Evaluate(history, current)
	if assert.Len(t, alerts, 1) {
		assert.Equal(t, "redemption_velocity", alerts[0].AlertType)
		assert.Equal(t, model.SeverityMedium, alerts[0].Severity)
		assert.Equal(t, "redemption_velocity:3", alerts[0].DedupeKey)
	}
}

func TestVelocityRule_BelowThreshold(t *testing.T) {
	e := testEngine()
	now := time.Now()

	// only two qualifying redemptions inside the window
	history := []model.Transaction{
		redeemTx(1, "actor-a", "60.00", "440.00", now.Add(-5*time.Minute)),
	}
	current := redeemTx(2, "actor-a", "70.00", "370.00", now)
	assert.Empty(t, e.Evaluate(history, current))
}

func TestVelocityRule_IgnoresOtherActorsAndStaleEntries(t *testing.T) {
	e := testEngine()
	now := time.Now()

	history := []model.Transaction{
		redeemTx(1, "actor-b", "60.00", "440.00", now.Add(-5*time.Minute)),
		redeemTx(2, "actor-a", "60.00", "380.00", now.Add(-30*time.Minute)),
		redeemTx(3, "actor-a", "60.00", "320.00", now.Add(-4*time.Minute)),
	}
	current := redeemTx(4, "actor-a", "60.00", "260.00", now)
	assert.Empty(t, e.Evaluate(history, current))
}

func TestVelocityRule_SmallAmountsDoNotCount(t *testing.T) {
	e := testEngine()
	now := time.Now()

	history := []model.Transaction{
		redeemTx(1, "actor-a", "10.00", "490.00", now.Add(-5*time.Minute)),
		redeemTx(2, "actor-a", "10.00", "480.00", now.Add(-4*time.Minute)),
		redeemTx(3, "actor-a", "10.00", "470.00", now.Add(-3*time.Minute)),
	}
	current := redeemTx(4, "actor-a", "10.00", "460.00", now)
	assert.Empty(t, e.Evaluate(history, current))
}

func TestLargeRedemptionRule(t *testing.T) {
	e := testEngine()
	current := redeemTx(9, "actor-a", "750.00", "250.00", time.Now())

	alerts := e.Evaluate(nil, current)
	if assert.Len(t, alerts, 1) {
		assert.Equal(t, "large_redemption", alerts[0].AlertType)
		assert.Equal(t, model.SeverityLow, alerts[0].Severity)
	}
}

func TestRechargeDrainRule(t *testing.T) {
	e := testEngine()
	now := time.Now()

	history := []model.Transaction{{
		ID:         1,
		GiftCardID: 1,
		Type:       model.TxRecharge,
		Amount:     dec("100.00"),
		Actor:      "processor",
		CreatedAt:  now.Add(-2 * time.Minute),
	}}
	current := redeemTx(2, "actor-a", "100.00", "0.00", now)

	alerts := e.Evaluate(history, current)
	if assert.Len(t, alerts, 1) {
		assert.Equal(t, "recharge_drain", alerts[0].AlertType)
		assert.Equal(t, model.SeverityHigh, alerts[0].Severity)
	}
}

func TestEvaluate_IsIdempotent(t *testing.T) {
	e := testEngine()
	now := time.Now()

	history := []model.Transaction{
		redeemTx(1, "actor-a", "60.00", "440.00", now.Add(-5*time.Minute)),
		redeemTx(2, "actor-a", "70.00", "370.00", now.Add(-3*time.Minute)),
	}
	current := redeemTx(3, "actor-a", "80.00", "290.00", now)

	first := e.Evaluate(history, current)
	second := e.Evaluate(history, current)
	assert.Equal(t, first, second, "same window must yield identical alerts and dedupe keys")
}

func TestEvaluate_NonRedeemIsQuiet(t *testing.T) {
	e := testEngine()
	current := model.Transaction{
		ID: 5, GiftCardID: 1, Type: model.TxRecharge,
		Amount: dec("900.00"), Actor: "processor", CreatedAt: time.Now(),
	}
	assert.Empty(t, e.Evaluate(nil, current))
}

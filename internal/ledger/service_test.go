package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/cardforge/giftcard-ledger/internal/fraud"
	"github.com/cardforge/giftcard-ledger/internal/logger"
	"github.com/cardforge/giftcard-ledger/internal/model"
	"github.com/cardforge/giftcard-ledger/internal/notify"
	"github.com/cardforge/giftcard-ledger/internal/repo"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestService(t *testing.T) (*Service, repo.RepositoryInterface, context.Context) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	sqlDB, err := db.DB()
	assert.NoError(t, err)
	// single connection keeps the in-memory db alive and serializes writers
	sqlDB.SetMaxOpenConns(1)
	assert.NoError(t, db.AutoMigrate(
		&model.GiftCard{}, &model.Transaction{}, &model.FraudAlert{},
		&model.WebhookEvent{}, &model.OutboxEvent{},
	))

	// no expectations: every cache op misses, which the service tolerates
	rdb, _ := redismock.NewClientMock()

	log, _ := logger.NewLogger()
	repository := repo.NewRepository(db, rdb, nil, log)
	engine := fraud.NewEngine(fraud.Config{
		VelocityWindow:    10 * time.Minute,
		VelocityCount:     3,
		VelocityMinAmount: dec("50.00"),
		LargeRedemption:   dec("500.00"),
	})
	svc := NewService(repository, engine, notify.Noop{}, log, Config{
		MinIssueAmount: dec("1.00"),
		MaxIssueAmount: dec("2000.00"),
		OpTimeout:      5 * time.Second,
	})
	return svc, repository, context.Background()
}

func TestLedgerService_FullFlow(t *testing.T) {
	svc, repository, ctx := newTestService(t)

	card, err := svc.Issue(ctx, dec("100.00"), "shop-1", map[string]string{"order": "A1"})
	assert.NoError(t, err)
	assert.True(t, card.CurrentBalance.Equal(dec("100.00")))
	assert.True(t, card.IsActive)

	hist, err := svc.History(ctx, card.ID)
	assert.NoError(t, err)
	assert.Len(t, hist, 1)
	assert.Equal(t, model.TxIssue, hist[0].Type)
	assert.True(t, hist[0].BalanceAfter.Equal(dec("100.00")))

	res, err := svc.Redeem(ctx, card.Code, dec("30.00"), "r1", "shop-1")
	assert.NoError(t, err)
	assert.True(t, res.NewBalance.Equal(dec("70.00")))

	hist, _ = svc.History(ctx, card.ID)
	assert.Len(t, hist, 2)
	assert.Equal(t, model.TxRedeem, hist[1].Type)
	assert.True(t, hist[1].BalanceAfter.Equal(dec("70.00")))

	// over-redemption rejected, balance untouched
	_, err = svc.Redeem(ctx, card.Code, dec("80.00"), "r2", "shop-1")
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	bal, active, err := svc.GetBalance(ctx, card.Code)
	assert.NoError(t, err)
	assert.True(t, bal.Equal(dec("70.00")))
	assert.True(t, active)

	deactivated, err := svc.Deactivate(ctx, card.ID, "customer report", "admin")
	assert.NoError(t, err)
	assert.False(t, deactivated.IsActive)
	assert.True(t, deactivated.CurrentBalance.Equal(dec("70.00")))

	_, err = svc.Redeem(ctx, card.Code, dec("10.00"), "r3", "shop-1")
	assert.ErrorIs(t, err, ErrInactive)

	// balance still reconstructs from the log
	sum, err := svc.RecomputeBalance(ctx, card.ID)
	assert.NoError(t, err)
	assert.True(t, sum.Equal(dec("70.00")))

	// deactivation wrote no ledger entry
	hist, _ = svc.History(ctx, card.ID)
	assert.Len(t, hist, 2)

	// outbox carries issue, redeem and deactivation
	events, err := repository.PollOutbox(ctx, 10)
	assert.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestIssue_Validation(t *testing.T) {
	svc, _, ctx := newTestService(t)

	_, err := svc.Issue(ctx, dec("0.50"), "shop-1", nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.Issue(ctx, dec("2000.01"), "shop-1", nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	// three fractional digits are rejected, never rounded
	_, err = svc.Issue(ctx, dec("10.555"), "shop-1", nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.Issue(ctx, dec("-5.00"), "shop-1", nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestRedeem_Idempotent(t *testing.T) {
	svc, _, ctx := newTestService(t)

	card, err := svc.Issue(ctx, dec("100.00"), "shop-1", nil)
	assert.NoError(t, err)

	first, err := svc.Redeem(ctx, card.Code, dec("30.00"), "same-key", "shop-1")
	assert.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := svc.Redeem(ctx, card.Code, dec("30.00"), "same-key", "shop-1")
	assert.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.True(t, second.NewBalance.Equal(dec("70.00")))

	// one transaction, one balance change
	hist, _ := svc.History(ctx, card.ID)
	assert.Len(t, hist, 2)
	bal, _, _ := svc.GetBalance(ctx, card.Code)
	assert.True(t, bal.Equal(dec("70.00")))
}

func TestRecharge_DedupesOnExternalReference(t *testing.T) {
	svc, _, ctx := newTestService(t)

	card, err := svc.Issue(ctx, dec("50.00"), "shop-1", nil)
	assert.NoError(t, err)

	first, err := svc.Recharge(ctx, card.Code, dec("25.00"), "sq-ref-1", "k1", "processor")
	assert.NoError(t, err)
	assert.True(t, first.NewBalance.Equal(dec("75.00")))

	// same processor reference under a different idempotency key
	second, err := svc.Recharge(ctx, card.Code, dec("25.00"), "sq-ref-1", "k2", "processor")
	assert.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.True(t, second.NewBalance.Equal(dec("75.00")))

	hist, _ := svc.History(ctx, card.ID)
	assert.Len(t, hist, 2)
}

func TestConcurrentRedeems_NeverOversell(t *testing.T) {
	svc, _, ctx := newTestService(t)

	card, err := svc.Issue(ctx, dec("100.00"), "shop-1", nil)
	assert.NoError(t, err)

	keys := []string{"c1", "c2", "c3"}
	var wg sync.WaitGroup
	errs := make([]error, len(keys))
	for i, key := range keys {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			_, errs[i] = svc.Redeem(ctx, card.Code, dec("40.00"), key, "shop-1")
		}(i, key)
	}
	wg.Wait()

	succeeded, insufficient := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrInsufficientBalance):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 2, succeeded)
	assert.Equal(t, 1, insufficient)

	bal, _, err := svc.GetBalance(ctx, card.Code)
	assert.NoError(t, err)
	assert.True(t, bal.Equal(dec("20.00")), "final balance must be exactly 20.00, got %s", bal)

	sum, err := svc.RecomputeBalance(ctx, card.ID)
	assert.NoError(t, err)
	assert.True(t, sum.Equal(dec("20.00")))
}

func TestRecompute_DriftRaisesCriticalAlert(t *testing.T) {
	svc, repository, ctx := newTestService(t)

	card, err := svc.Issue(ctx, dec("100.00"), "shop-1", nil)
	assert.NoError(t, err)

	// corrupt the stored balance behind the ledger's back
	assert.NoError(t, repository.DB(ctx).
		Model(&model.GiftCard{}).
		Where("id = ?", card.ID).
		Update("current_balance", dec("85.00")).Error)

	_, err = svc.RecomputeBalance(ctx, card.ID)
	assert.ErrorIs(t, err, ErrIntegrity)

	alerts, err := svc.OpenAlerts(ctx, 10)
	assert.NoError(t, err)
	assert.Len(t, alerts, 1)
	assert.Equal(t, model.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, "balance_drift", alerts[0].AlertType)

	// re-running the check must not duplicate the alert
	_, err = svc.RecomputeBalance(ctx, card.ID)
	assert.ErrorIs(t, err, ErrIntegrity)
	alerts, _ = svc.OpenAlerts(ctx, 10)
	assert.Len(t, alerts, 1)
}

func TestDetectedDrift_FreezesMutations(t *testing.T) {
	svc, repository, ctx := newTestService(t)

	card, err := svc.Issue(ctx, dec("100.00"), "shop-1", nil)
	assert.NoError(t, err)

	assert.NoError(t, repository.DB(ctx).
		Model(&model.GiftCard{}).
		Where("id = ?", card.ID).
		Update("current_balance", dec("900.00")).Error)

	_, err = svc.RecomputeBalance(ctx, card.ID)
	assert.ErrorIs(t, err, ErrIntegrity)

	// a drifted card refuses further automated processing
	_, err = svc.Redeem(ctx, card.Code, dec("10.00"), "h1", "shop-1")
	assert.ErrorIs(t, err, ErrIntegrity)
	_, err = svc.Recharge(ctx, card.Code, dec("10.00"), "ref-h1", "h2", "processor")
	assert.ErrorIs(t, err, ErrIntegrity)
	_, err = svc.ReconcileBalance(ctx, card.Code, dec("50.00"), "evt-h1", "processor")
	assert.ErrorIs(t, err, ErrIntegrity)

	// release refuses while the stored balance still disagrees with the log
	err = svc.ReleaseIntegrityHold(ctx, card.ID, "ops")
	assert.ErrorIs(t, err, ErrIntegrity)

	// operator corrects the stored balance, releases, processing resumes
	assert.NoError(t, repository.DB(ctx).
		Model(&model.GiftCard{}).
		Where("id = ?", card.ID).
		Update("current_balance", dec("100.00")).Error)
	assert.NoError(t, svc.ReleaseIntegrityHold(ctx, card.ID, "ops"))

	res, err := svc.Redeem(ctx, card.Code, dec("10.00"), "h3", "shop-1")
	assert.NoError(t, err)
	assert.True(t, res.NewBalance.Equal(dec("90.00")))
}

func TestReconcileBalance_AdjustsByLockedDelta(t *testing.T) {
	svc, _, ctx := newTestService(t)

	card, err := svc.Issue(ctx, dec("100.00"), "shop-1", nil)
	assert.NoError(t, err)

	res, err := svc.ReconcileBalance(ctx, card.Code, dec("80.00"), "evt-1", "processor")
	assert.NoError(t, err)
	assert.True(t, res.NewBalance.Equal(dec("80.00")))

	hist, _ := svc.History(ctx, card.ID)
	assert.Len(t, hist, 2)
	assert.Equal(t, model.TxAdjustment, hist[1].Type)
	assert.True(t, hist[1].Amount.Equal(dec("-20.00")))

	// replay under the same key is a no-op
	res, err = svc.ReconcileBalance(ctx, card.Code, dec("80.00"), "evt-1", "processor")
	assert.NoError(t, err)
	assert.True(t, res.Duplicate)

	// a matching report writes nothing
	res, err = svc.ReconcileBalance(ctx, card.Code, dec("80.00"), "evt-2", "processor")
	assert.NoError(t, err)
	assert.False(t, res.Duplicate)
	hist, _ = svc.History(ctx, card.ID)
	assert.Len(t, hist, 2)

	// the chain still replays cleanly with a signed adjustment in it
	sum, err := svc.RecomputeBalance(ctx, card.ID)
	assert.NoError(t, err)
	assert.True(t, sum.Equal(dec("80.00")))
}

func TestVelocityRedemptions_RaiseMediumAlert(t *testing.T) {
	svc, _, ctx := newTestService(t)

	card, err := svc.Issue(ctx, dec("500.00"), "shop-1", nil)
	assert.NoError(t, err)

	for i, key := range []string{"v1", "v2", "v3"} {
		_, err := svc.Redeem(ctx, card.Code, dec("60.00"), key, "hot-actor")
		assert.NoError(t, err, "redeem %d", i)
	}

	alerts, err := svc.OpenAlerts(ctx, 10)
	assert.NoError(t, err)
	assert.Len(t, alerts, 1)
	assert.Equal(t, "redemption_velocity", alerts[0].AlertType)
	assert.Equal(t, model.SeverityMedium, alerts[0].Severity)
}

func TestDeactivate_Idempotent(t *testing.T) {
	svc, _, ctx := newTestService(t)

	card, err := svc.Issue(ctx, dec("40.00"), "shop-1", nil)
	assert.NoError(t, err)

	first, err := svc.Deactivate(ctx, card.ID, "lost", "admin")
	assert.NoError(t, err)
	assert.False(t, first.IsActive)

	second, err := svc.Deactivate(ctx, card.ID, "lost again", "admin")
	assert.NoError(t, err)
	assert.False(t, second.IsActive)
	assert.Equal(t, first.Version, second.Version)
}

func TestRedeem_UnknownCode(t *testing.T) {
	svc, _, ctx := newTestService(t)

	_, err := svc.Redeem(ctx, "GC-AAAA-BBBB-CCCC", dec("10.00"), "k", "shop-1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.Redeem(ctx, "not-a-code", dec("10.00"), "k", "shop-1")
	assert.ErrorIs(t, err, ErrInvalidCode)
}

package repo

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/cardforge/giftcard-ledger/internal/logger"
	"github.com/cardforge/giftcard-ledger/internal/model"
)

func newTestRepo(t *testing.T) (*Repository, *gorm.DB) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	sqlDB, err := db.DB()
	assert.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	assert.NoError(t, db.AutoMigrate(&model.GiftCard{}, &model.Transaction{}, &model.FraudAlert{}))
	return NewRepository(db, nil, nil, must(logger.NewLogger())), db
}

func TestOptimisticLock_StaleVersionRejected(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	card := &model.GiftCard{
		Code:           "GC-TEST-AAAA-BBBB",
		CurrentBalance: decimal.NewFromInt(100),
		InitialAmount:  decimal.NewFromInt(100),
		IsActive:       true,
	}
	assert.NoError(t, db.Create(card).Error)

	assert.NoError(t, repo.UpdateCardBalance(ctx, db, card.ID, decimal.NewFromInt(90), 0))

	// second writer still holds version 0
	err := repo.UpdateCardBalance(ctx, db, card.ID, decimal.NewFromInt(80), 0)
	assert.ErrorIs(t, err, ErrVersionConflict)

	var final model.GiftCard
	assert.NoError(t, db.First(&final, card.ID).Error)
	assert.True(t, final.CurrentBalance.Equal(decimal.NewFromInt(90)))
	assert.Equal(t, uint64(1), final.Version)
}

func TestOptimisticLock_ConcurrentUpdate(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	card := &model.GiftCard{
		Code:           "GC-TEST-CCCC-DDDD",
		CurrentBalance: decimal.NewFromInt(100),
		InitialAmount:  decimal.NewFromInt(100),
		IsActive:       true,
	}
	assert.NoError(t, db.Create(card).Error)

	// both writers observe version 0 before either commits
	var wg sync.WaitGroup
	conflicts := 0
	var mu sync.Mutex
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := repo.UpdateCardBalance(ctx, db, card.ID,
				decimal.NewFromInt(int64(90-i*10)), 0)
			if err != nil {
				mu.Lock()
				conflicts++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, conflicts, "exactly one writer must lose the version race")

	var final model.GiftCard
	assert.NoError(t, db.First(&final, card.ID).Error)
	assert.Equal(t, uint64(1), final.Version)
}

func TestDeactivateCard_KeepsBalance(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	card := &model.GiftCard{
		Code:           "GC-TEST-EEEE-FFFF",
		CurrentBalance: decimal.NewFromInt(70),
		InitialAmount:  decimal.NewFromInt(100),
		IsActive:       true,
	}
	assert.NoError(t, db.Create(card).Error)

	assert.NoError(t, repo.DeactivateCard(ctx, db, card.ID, 0))

	var final model.GiftCard
	assert.NoError(t, db.First(&final, card.ID).Error)
	assert.False(t, final.IsActive)
	assert.True(t, final.CurrentBalance.Equal(decimal.NewFromInt(70)))
}

func TestCreateFraudAlert_DedupesByKey(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	alert := &model.FraudAlert{
		AlertType:   "dispute_opened",
		Severity:    model.SeverityHigh,
		Description: "processor dispute",
		DedupeKey:   "dispute:evt-1",
	}
	created, err := repo.CreateFraudAlert(ctx, alert)
	assert.NoError(t, err)
	assert.True(t, created)

	again, err := repo.CreateFraudAlert(ctx, &model.FraudAlert{
		AlertType: "dispute_opened",
		Severity:  model.SeverityHigh,
		DedupeKey: "dispute:evt-1",
	})
	assert.NoError(t, err)
	assert.False(t, again)

	alerts, err := repo.ListOpenAlerts(ctx, 10)
	assert.NoError(t, err)
	assert.Len(t, alerts, 1)
}

func must(l *zap.SugaredLogger, err error) *zap.SugaredLogger {
	if err != nil {
		panic(err)
	}
	return l
}

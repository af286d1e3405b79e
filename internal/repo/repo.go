package repo

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cardforge/giftcard-ledger/internal/model"
)

// ErrVersionConflict is returned when the optimistic card update lost the
// race; the ledger service retries a bounded number of times.
var ErrVersionConflict = errors.New("card version conflict")

// RepositoryInterface restricts repo methods for unit-test mocks.
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB

	CreateCard(ctx context.Context, tx *gorm.DB, card *model.GiftCard) error
	GetCardByID(ctx context.Context, tx *gorm.DB, cardID uint64) (*model.GiftCard, error)
	GetCardByCode(ctx context.Context, code string) (*model.GiftCard, error)
	GetCardByCodeForUpdate(ctx context.Context, tx *gorm.DB, code string) (*model.GiftCard, error)
	GetCardByIDForUpdate(ctx context.Context, tx *gorm.DB, cardID uint64) (*model.GiftCard, error)
	CodeTaken(ctx context.Context, tx *gorm.DB, code string) (bool, error)
	UpdateCardBalance(ctx context.Context, tx *gorm.DB, cardID uint64, newBalance decimal.Decimal, oldVersion uint64) error
	DeactivateCard(ctx context.Context, tx *gorm.DB, cardID uint64, oldVersion uint64) error
	SetIntegrityHold(ctx context.Context, tx *gorm.DB, cardID uint64, hold bool) error
	SetExternalCardID(ctx context.Context, tx *gorm.DB, cardID uint64, externalID *string) error
	ListCardIDs(ctx context.Context, afterID uint64, limit int) ([]uint64, error)

	CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error
	TxExists(ctx context.Context, tx *gorm.DB, cardID uint64, idemKey, txType string) (bool, *model.Transaction, error)
	TxExistsByExternalRef(ctx context.Context, tx *gorm.DB, cardID uint64, externalRef string) (bool, *model.Transaction, error)
	ListTransactionsByCard(ctx context.Context, cardID uint64) ([]model.Transaction, error)
	ListTransactionsByActorSince(ctx context.Context, actor string, since time.Time) ([]model.Transaction, error)

	CreateFraudAlert(ctx context.Context, alert *model.FraudAlert) (bool, error)
	ListOpenAlerts(ctx context.Context, limit int) ([]model.FraudAlert, error)
	ResolveAlert(ctx context.Context, alertID uint64, resolvedBy string) error

	InsertWebhookEvent(ctx context.Context, evt *model.WebhookEvent) (bool, error)
	GetWebhookEvent(ctx context.Context, id uint64) (*model.WebhookEvent, error)
	MarkWebhookEvent(ctx context.Context, id uint64, status string, attempts int, lastErr string) error

	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error

	CacheBalance(ctx context.Context, code string, bal decimal.Decimal, active bool) error
	GetCachedBalance(ctx context.Context, code string) (decimal.Decimal, bool, error)
	InvalidateBalance(ctx context.Context, code string) error
}

// Repository implements RepositoryInterface over gorm, redis and kafka.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// CreateCard inserts a new gift card row.
func (r *Repository) CreateCard(ctx context.Context, tx *gorm.DB, card *model.GiftCard) error {
	return tx.WithContext(ctx).Create(card).Error
}

// GetCardByID reads a card without locking.
func (r *Repository) GetCardByID(ctx context.Context, tx *gorm.DB, cardID uint64) (*model.GiftCard, error) {
	var c model.GiftCard
	if err := tx.WithContext(ctx).Where("id = ?", cardID).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCardByCode reads a card by redemption code without locking.
func (r *Repository) GetCardByCode(ctx context.Context, code string) (*model.GiftCard, error) {
	var c model.GiftCard
	if err := r.db.WithContext(ctx).Where("code = ?", code).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// forUpdate takes the row lock on dialects that have one; sqlite has no
// SELECT FOR UPDATE and serializes writers at the connection instead. The
// version check on write covers both either way.
func forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// GetCardByCodeForUpdate locks the card row by redemption code.
func (r *Repository) GetCardByCodeForUpdate(ctx context.Context, tx *gorm.DB, code string) (*model.GiftCard, error) {
	var c model.GiftCard
	if err := forUpdate(tx.WithContext(ctx)).
		Where("code = ?", code).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCardByIDForUpdate locks the card row by id.
func (r *Repository) GetCardByIDForUpdate(ctx context.Context, tx *gorm.DB, cardID uint64) (*model.GiftCard, error) {
	var c model.GiftCard
	if err := forUpdate(tx.WithContext(ctx)).
		Where("id = ?", cardID).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// CodeTaken reports whether a redemption code is already in use.
func (r *Repository) CodeTaken(ctx context.Context, tx *gorm.DB, code string) (bool, error) {
	var n int64
	err := tx.WithContext(ctx).Model(&model.GiftCard{}).Where("code = ?", code).Count(&n).Error
	return n > 0, err
}

// UpdateCardBalance applies the new balance with an optimistic version check.
func (r *Repository) UpdateCardBalance(ctx context.Context, tx *gorm.DB, cardID uint64, newBalance decimal.Decimal, oldVersion uint64) error {
	res := tx.WithContext(ctx).
		Model(&model.GiftCard{}).
		Where("id = ? AND version = ?", cardID, oldVersion).
		Updates(map[string]interface{}{
			"current_balance": newBalance,
			"version":         oldVersion + 1,
			"updated_at":      time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// DeactivateCard flips is_active under the same version discipline. The
// balance is left untouched; deactivation never zeroes a card.
func (r *Repository) DeactivateCard(ctx context.Context, tx *gorm.DB, cardID uint64, oldVersion uint64) error {
	res := tx.WithContext(ctx).
		Model(&model.GiftCard{}).
		Where("id = ? AND version = ?", cardID, oldVersion).
		Updates(map[string]interface{}{
			"is_active":  false,
			"version":    oldVersion + 1,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// SetIntegrityHold freezes (or releases) balance mutations on a card. The
// version bump invalidates any optimistic update still in flight against the
// pre-hold row.
func (r *Repository) SetIntegrityHold(ctx context.Context, tx *gorm.DB, cardID uint64, hold bool) error {
	return tx.WithContext(ctx).
		Model(&model.GiftCard{}).
		Where("id = ?", cardID).
		Updates(map[string]interface{}{
			"integrity_hold": hold,
			"version":        gorm.Expr("version + 1"),
			"updated_at":     time.Now(),
		}).Error
}

// SetExternalCardID records (or clears) the processor-side card reference.
func (r *Repository) SetExternalCardID(ctx context.Context, tx *gorm.DB, cardID uint64, externalID *string) error {
	return tx.WithContext(ctx).
		Model(&model.GiftCard{}).
		Where("id = ?", cardID).
		Update("external_card_id", externalID).Error
}

// ListCardIDs pages card ids for the integrity auditor.
func (r *Repository) ListCardIDs(ctx context.Context, afterID uint64, limit int) ([]uint64, error) {
	var ids []uint64
	err := r.db.WithContext(ctx).
		Model(&model.GiftCard{}).
		Where("id > ?", afterID).
		Order("id").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

// CreateTransaction appends a ledger entry.
func (r *Repository) CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	return tx.WithContext(ctx).Create(t).Error
}

// TxExists checks duplicate by idempotency key. Called while the card row
// lock is held, so check-then-insert is race-free per card.
func (r *Repository) TxExists(ctx context.Context, tx *gorm.DB, cardID uint64, idemKey, txType string) (bool, *model.Transaction, error) {
	if idemKey == "" {
		return false, nil, nil
	}
	var t model.Transaction
	err := tx.WithContext(ctx).
		Where("gift_card_id = ? AND idempotency_key = ? AND type = ?", cardID, idemKey, txType).
		First(&t).Error
	if err == nil {
		return true, &t, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil, nil
	}
	return false, nil, err
}

// TxExistsByExternalRef checks duplicate by processor correlation id.
func (r *Repository) TxExistsByExternalRef(ctx context.Context, tx *gorm.DB, cardID uint64, externalRef string) (bool, *model.Transaction, error) {
	if externalRef == "" {
		return false, nil, nil
	}
	var t model.Transaction
	err := tx.WithContext(ctx).
		Where("gift_card_id = ? AND external_reference = ?", cardID, externalRef).
		First(&t).Error
	if err == nil {
		return true, &t, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil, nil
	}
	return false, nil, err
}

// ListTransactionsByCard returns the full ledger for one card in creation order.
func (r *Repository) ListTransactionsByCard(ctx context.Context, cardID uint64) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := r.db.WithContext(ctx).
		Where("gift_card_id = ?", cardID).
		Order("id asc").
		Find(&txs).Error
	return txs, err
}

// ListTransactionsByActorSince feeds the fraud sliding window.
func (r *Repository) ListTransactionsByActorSince(ctx context.Context, actor string, since time.Time) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := r.db.WithContext(ctx).
		Where("actor = ? AND created_at >= ?", actor, since).
		Order("id asc").
		Find(&txs).Error
	return txs, err
}

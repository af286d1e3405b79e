package repo

import (
	"context"
	"time"

	"gorm.io/gorm/clause"

	"github.com/cardforge/giftcard-ledger/internal/model"
)

// InsertWebhookEvent stores a verified event. Redelivery of the same
// provider event id is absorbed by the unique index; returns false when the
// event was already recorded.
func (r *Repository) InsertWebhookEvent(ctx context.Context, evt *model.WebhookEvent) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "provider_event_id"}}, DoNothing: true}).
		Create(evt)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// GetWebhookEvent loads one stored event by row id.
func (r *Repository) GetWebhookEvent(ctx context.Context, id uint64) (*model.WebhookEvent, error) {
	var evt model.WebhookEvent
	if err := r.db.WithContext(ctx).First(&evt, id).Error; err != nil {
		return nil, err
	}
	return &evt, nil
}

// MarkWebhookEvent records the processing outcome of an event.
func (r *Repository) MarkWebhookEvent(ctx context.Context, id uint64, status string, attempts int, lastErr string) error {
	updates := map[string]interface{}{
		"status":     status,
		"attempts":   attempts,
		"last_error": lastErr,
	}
	if status == model.WebhookProcessed || status == model.WebhookIgnored {
		now := time.Now()
		updates["processed_at"] = &now
	}
	return r.db.WithContext(ctx).
		Model(&model.WebhookEvent{}).
		Where("id = ?", id).
		Updates(updates).Error
}

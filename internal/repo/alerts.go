package repo

import (
	"context"
	"time"

	"gorm.io/gorm/clause"

	"github.com/cardforge/giftcard-ledger/internal/model"
)

// CreateFraudAlert inserts an alert; the unique dedupe key makes re-running
// the same analysis a no-op. Returns false when the alert already existed.
func (r *Repository) CreateFraudAlert(ctx context.Context, alert *model.FraudAlert) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "dedupe_key"}}, DoNothing: true}).
		Create(alert)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListOpenAlerts returns unresolved alerts, newest first.
func (r *Repository) ListOpenAlerts(ctx context.Context, limit int) ([]model.FraudAlert, error) {
	var alerts []model.FraudAlert
	err := r.db.WithContext(ctx).
		Where("resolved = ?", false).
		Order("created_at desc").
		Limit(limit).
		Find(&alerts).Error
	return alerts, err
}

// ResolveAlert records the operator decision. Alerts are never deleted.
func (r *Repository) ResolveAlert(ctx context.Context, alertID uint64, resolvedBy string) error {
	now := time.Now()
	return r.db.WithContext(ctx).
		Model(&model.FraudAlert{}).
		Where("id = ?", alertID).
		Updates(map[string]interface{}{
			"resolved":    true,
			"resolved_by": &resolvedBy,
			"resolved_at": &now,
		}).Error
}

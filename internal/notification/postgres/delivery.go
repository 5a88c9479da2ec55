package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	datamodel "github.com/frahmantamala/mpesa-payments/internal/core/datamodel/notification"
	"github.com/frahmantamala/mpesa-payments/internal/notification"
)

type DeliveryRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewDeliveryRepository(db *gorm.DB) *DeliveryRepository {
	return &DeliveryRepository{db: db, now: time.Now}
}

// WithClock returns a copy of the repository stamping rows with now.
func (r *DeliveryRepository) WithClock(now func() time.Time) *DeliveryRepository {
	return &DeliveryRepository{db: r.db, now: now}
}

var _ notification.DeliveryRepository = (*DeliveryRepository)(nil)

func (r *DeliveryRepository) Open(ctx context.Context, d *datamodel.Delivery) (bool, error) {
	now := r.now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	if d.Status == "" {
		d.Status = datamodel.DeliveryPending
	}

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(d)
	if result.Error != nil {
		return false, fmt.Errorf("insert delivery: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// MarkDelivered and MarkFailed only touch a pending row that still carries
// the attempts count the caller read.
func (r *DeliveryRepository) MarkDelivered(ctx context.Context, id int64, attempts int) (bool, error) {
	now := r.now().UTC()
	return r.transition(ctx, id, attempts, map[string]interface{}{
		"status":          datamodel.DeliveryDelivered,
		"attempts":        attempts + 1,
		"delivered_at":    now,
		"next_attempt_at": nil,
		"last_error":      nil,
		"updated_at":      now,
	})
}

func (r *DeliveryRepository) MarkFailed(ctx context.Context, id int64, attempts int, lastErr string, next *time.Time) (bool, error) {
	status := datamodel.DeliveryPending
	var nextAt interface{}
	if next == nil {
		status = datamodel.DeliveryExhausted
	} else {
		nextAt = next.UTC()
	}

	return r.transition(ctx, id, attempts, map[string]interface{}{
		"status":          status,
		"attempts":        attempts + 1,
		"last_error":      lastErr,
		"next_attempt_at": nextAt,
		"updated_at":      r.now().UTC(),
	})
}

func (r *DeliveryRepository) transition(ctx context.Context, id int64, attempts int, updates map[string]interface{}) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&datamodel.Delivery{}).
		Where("id = ? AND attempts = ? AND status = ?", id, attempts, datamodel.DeliveryPending).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("update delivery %d: %w", id, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *DeliveryRepository) FindDue(ctx context.Context, now time.Time, limit int) ([]datamodel.Delivery, error) {
	if limit <= 0 {
		limit = 100
	}

	var due []datamodel.Delivery
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_attempt_at <= ?", datamodel.DeliveryPending, now.UTC()).
		Order("next_attempt_at ASC, id ASC").
		Limit(limit).
		Find(&due).Error
	if err != nil {
		return nil, fmt.Errorf("find due deliveries: %w", err)
	}
	return due, nil
}

func (r *DeliveryRepository) ListByReference(ctx context.Context, externalReference string) ([]datamodel.Delivery, error) {
	var deliveries []datamodel.Delivery
	err := r.db.WithContext(ctx).
		Where("external_reference = ?", externalReference).
		Order("id ASC").
		Find(&deliveries).Error
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	return deliveries, nil
}

package pasalsync

import (
	"context"

	"bitbucket.org/mmdatafocus/marketsync_backend/models"
	"gorm.io/gorm"
)

// BeginIdempotent claims a (handler, message) pair. Returns false when another
// delivery already succeeded or is in flight; a prior FAILED claim is re-opened
// so the redelivery can retry.
func BeginIdempotent(ctx context.Context, db *gorm.DB, businessId, handlerName, messageId string) (bool, error) {
	key := models.IdempotencyKey{
		BusinessId:  businessId,
		HandlerName: handlerName,
		MessageId:   messageId,
		Status:      models.IdempotencyStatusStarted,
	}
	err := db.WithContext(ctx).Create(&key).Error
	if err == nil {
		return true, nil
	}
	if !isDuplicateKeyErr(err) {
		return false, err
	}

	var existing models.IdempotencyKey
	if err := db.WithContext(ctx).
		Where("business_id = ? AND handler_name = ? AND message_id = ?", businessId, handlerName, messageId).
		Take(&existing).Error; err != nil {
		return false, err
	}
	if existing.Status != models.IdempotencyStatusFailed {
		return false, nil
	}

	res := db.WithContext(ctx).Model(&models.IdempotencyKey{}).
		Where("id = ? AND status = ?", existing.ID, models.IdempotencyStatusFailed).
		Update("status", models.IdempotencyStatusStarted)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func MarkIdempotentSucceeded(ctx context.Context, db *gorm.DB, businessId, handlerName, messageId string) error {
	return db.WithContext(ctx).Model(&models.IdempotencyKey{}).
		Where("business_id = ? AND handler_name = ? AND message_id = ?", businessId, handlerName, messageId).
		Updates(map[string]interface{}{
			"status":     models.IdempotencyStatusSucceeded,
			"last_error": nil,
		}).Error
}

func MarkIdempotentFailed(ctx context.Context, db *gorm.DB, businessId, handlerName, messageId string, cause error) error {
	msg := cause.Error()
	return db.WithContext(ctx).Model(&models.IdempotencyKey{}).
		Where("business_id = ? AND handler_name = ? AND message_id = ?", businessId, handlerName, messageId).
		Updates(map[string]interface{}{
			"status":     models.IdempotencyStatusFailed,
			"last_error": msg,
		}).Error
}

package models

import "time"

// WebhookEvent is one row of the push-event inbox. Rows are inserted on verified
// receipt and drained asynchronously; the unique idempotency key makes repeated
// delivery of the same event a no-op insert.
type WebhookEvent struct {
	ID             uint   `gorm:"primary_key" json:"id"`
	BusinessId     string `gorm:"uniqueIndex:idx_webhook_event_key,priority:1;not null" json:"business_id"`
	IdempotencyKey string `gorm:"uniqueIndex:idx_webhook_event_key,priority:2;size:128;not null" json:"idempotency_key"`
	EventType      string `gorm:"size:64;not null" json:"event_type"`
	EntityId       string `gorm:"size:128;index" json:"entity_id"`
	// MarketUpdateTime is the platform timestamp carried by the event, used for
	// anti-regression comparison downstream.
	MarketUpdateTime int64              `gorm:"default:0" json:"market_update_time"`
	Status           WebhookEventStatus `gorm:"size:20;not null;index" json:"status"`
	Attempts         int                `gorm:"default:0" json:"attempts"`
	NextRetryAt      *time.Time         `gorm:"index" json:"next_retry_at"`
	PayloadJSON      []byte             `gorm:"type:json" json:"payload"`
	LastError        *string            `gorm:"type:text" json:"last_error"`
	CreatedAt        time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

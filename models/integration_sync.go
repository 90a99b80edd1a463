package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/marketsync_backend/config"
)

const (
	IntegrationProviderPasal = "pasal"
)

const (
	IntegrationStatusConnected    = "connected"
	IntegrationStatusDisconnected = "disconnected"
	IntegrationStatusError        = "error"
)

const (
	SyncRunStatusQueued  = "queued"
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusFailed  = "failed"
	SyncRunStatusPartial = "partial"
)

const (
	SyncTriggeredManual  = "manual"
	SyncTriggeredRetry   = "retry"
	SyncTriggeredSystem  = "system"
	SyncTriggeredWebhook = "webhook"
)

type IntegrationConnection struct {
	ID         uint   `gorm:"primary_key" json:"id"`
	BusinessId string `gorm:"index;not null" json:"business_id"`
	Provider   string `gorm:"index;size:50;not null" json:"provider"`
	Status     string `gorm:"size:20;not null" json:"status"`
	// ShopId/PartnerId identify the marketplace shop; AuthSecretRef points at the
	// stored refresh credential (token lifecycle is owned by the token provider).
	ShopId        string `gorm:"size:100" json:"shop_id"`
	PartnerId     string `gorm:"size:100" json:"partner_id"`
	AuthSecretRef string `gorm:"type:text" json:"auth_secret_ref"`
	SettingsJSON  []byte `gorm:"type:json" json:"settings"`
	// SyncWatermark is the highest marketplace update_time (unix seconds)
	// successfully observed. It only ever moves forward.
	SyncWatermark     int64      `gorm:"default:0" json:"sync_watermark"`
	LastSyncAt        *time.Time `json:"last_sync_at"`
	LastSuccessSyncAt *time.Time `json:"last_success_sync_at"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type IntegrationSyncRun struct {
	ID           uint   `gorm:"primary_key" json:"id"`
	BusinessId   string `gorm:"index;not null" json:"business_id"`
	ConnectionId uint   `gorm:"index;not null" json:"connection_id"`
	Provider     string `gorm:"index;size:50;not null" json:"provider"`
	Status       string `gorm:"size:20;not null" json:"status"`
	TriggeredBy  string `gorm:"size:20" json:"triggered_by"`
	StatsJSON    []byte `gorm:"type:json" json:"stats"`
	// WindowFrom/WindowTo persist an explicit trigger window so a queued run
	// survives a lost nudge; zero means watermark-derived.
	WindowFrom    int64      `gorm:"default:0" json:"window_from"`
	WindowTo      int64      `gorm:"default:0" json:"window_to"`
	RecordsSynced int        `json:"records_synced"`
	ErrorCount    int        `json:"error_count"`
	ParentRunId   *uint      `gorm:"index" json:"parent_run_id"`
	StartedAt     *time.Time `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at"`
	DurationMs    int64      `json:"duration_ms"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IntegrationEntityMapping links an external entity to its local document.
// The composite unique index is the storage-layer backstop for the dedup
// resolver's check-then-write race: concurrent creates collide on insert.
type IntegrationEntityMapping struct {
	ID           uint       `gorm:"primary_key" json:"id"`
	BusinessId   string     `gorm:"uniqueIndex:idx_integration_mapping,priority:1;not null" json:"business_id"`
	ConnectionId uint       `gorm:"index;not null" json:"connection_id"`
	Provider     string     `gorm:"uniqueIndex:idx_integration_mapping,priority:2;size:50;not null" json:"provider"`
	EntityType   string     `gorm:"uniqueIndex:idx_integration_mapping,priority:3;size:50;not null" json:"entity_type"`
	ExternalId   string     `gorm:"uniqueIndex:idx_integration_mapping,priority:4;size:128;not null" json:"external_id"`
	InternalId   string     `gorm:"size:128;not null" json:"internal_id"`
	LastSeenAt   *time.Time `json:"last_seen_at"`
	// MarketUpdateTime records the newest platform update_time applied to the
	// internal document; older snapshots are skipped (anti-regression).
	MarketUpdateTime int64     `gorm:"default:0" json:"market_update_time"`
	MetadataJSON     []byte    `gorm:"type:json" json:"metadata"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type IntegrationSyncError struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	SyncRunId   uint      `gorm:"index;not null" json:"sync_run_id"`
	BusinessId  string    `gorm:"index;not null" json:"business_id"`
	EntityType  string    `gorm:"size:50" json:"entity_type"`
	ExternalId  string    `gorm:"size:128" json:"external_id"`
	ErrorCode   string    `gorm:"size:64" json:"error_code"`
	Message     string    `gorm:"type:text" json:"message"`
	PayloadJSON []byte    `gorm:"type:json" json:"payload"`
	Retryable   bool      `gorm:"default:false" json:"retryable"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// AdvanceSyncWatermark moves the connection watermark forward to newMark.
// The guarded WHERE keeps it monotonic even if an older cycle finishes late.
func AdvanceSyncWatermark(ctx context.Context, connectionId uint, newMark int64) error {
	if newMark <= 0 {
		return nil
	}
	db := config.GetDB()
	return db.WithContext(ctx).
		Model(&IntegrationConnection{}).
		Where("id = ? AND sync_watermark < ?", connectionId, newMark).
		Update("sync_watermark", newMark).Error
}

package pasalsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/marketsync_backend/config"
	"bitbucket.org/mmdatafocus/marketsync_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// retryBackoff is the fixed backoff schedule for failed events. Past the last
// tier the final delay repeats, so a poisoned event keeps re-queuing at a slow
// fixed cadence instead of retrying forever at full speed.
var retryBackoff = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	1 * time.Hour,
	3 * time.Hour,
}

func backoffDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > len(retryBackoff) {
		return retryBackoff[len(retryBackoff)-1]
	}
	return retryBackoff[attempts-1]
}

// knownEventTypes are the push types the inbox understands. The platform
// pushes more (chat messages, shop penalties); anything unrecognized is
// terminal skipped, never retried.
var knownEventTypes = map[string]struct{}{
	"order_status":   {},
	"order_tracking": {},
	"return_status":  {},
	"escrow_release": {},
}

// recognizedEventType reports whether the inbox should process the event type.
// Legacy pushes omit the type entirely; those pass through and the refetched
// order decides what happens.
func recognizedEventType(eventType string) bool {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return true
	}
	_, ok := knownEventTypes[eventType]
	return ok
}

// WebhookPayload is the minimal shape read off a push payload; everything else
// stays opaque in PayloadJSON.
type WebhookPayload struct {
	EventId        string `json:"event_id"`
	EventType      string `json:"event_type"`
	OrderSn        string `json:"order_sn"`
	ReturnSn       string `json:"return_sn"`
	TrackingNumber string `json:"tracking_number"`
	Status         string `json:"status"`
	UpdateTime     int64  `json:"update_time"`
}

// EntityId picks the first non-empty of order serial, return serial, tracking
// number. Events with none of them cannot be keyed to an entity.
func (p *WebhookPayload) EntityId() string {
	for _, id := range []string{p.OrderSn, p.ReturnSn, p.TrackingNumber} {
		if strings.TrimSpace(id) != "" {
			return strings.TrimSpace(id)
		}
	}
	return ""
}

// DeriveIdempotencyKey identifies one logical event. An explicit upstream event
// id wins; otherwise the key is a content hash over the fields that make the
// event distinct, so identical redeliveries collapse onto one inbox row.
func DeriveIdempotencyKey(p *WebhookPayload) string {
	if id := strings.TrimSpace(p.EventId); id != "" {
		return id
	}
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d", p.EventType, p.EntityId(), p.Status, p.UpdateTime)))
	return hex.EncodeToString(h[:])
}

// InboxProcessor drains queued webhook events. Claims are atomic status flips
// so concurrent sweepers never process the same row twice.
type InboxProcessor struct {
	db        *gorm.DB
	logger    *logrus.Logger
	processor OrderProcessor
	api       MarketAPI

	batchSize int
	now       func() time.Time
}

func NewInboxProcessor(db *gorm.DB, logger *logrus.Logger, processor OrderProcessor, api MarketAPI) *InboxProcessor {
	return &InboxProcessor{
		db:        db,
		logger:    logger,
		processor: processor,
		api:       api,
		batchSize: 50,
		now:       time.Now,
	}
}

// InsertEvent stores a verified push payload as a queued inbox row. A duplicate
// idempotency key means the event was already received; that is success.
func InsertEvent(ctx context.Context, db *gorm.DB, businessId string, payload *WebhookPayload, raw []byte) (*models.WebhookEvent, bool, error) {
	event := models.WebhookEvent{
		BusinessId:       businessId,
		IdempotencyKey:   DeriveIdempotencyKey(payload),
		EventType:        payload.EventType,
		EntityId:         payload.EntityId(),
		MarketUpdateTime: payload.UpdateTime,
		Status:           models.WebhookEventStatusQueued,
		PayloadJSON:      raw,
	}
	if err := db.WithContext(ctx).Create(&event).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &event, true, nil
}

// Sweep claims and processes due events for the business until the queue is
// empty or the batch limit is hit. Returns how many events it handled.
func (ip *InboxProcessor) Sweep(ctx context.Context, businessId string) (int, error) {
	handled := 0
	for handled < ip.batchSize {
		event, err := ip.claimNext(ctx, businessId)
		if err != nil {
			return handled, err
		}
		if event == nil {
			return handled, nil
		}
		ip.processEvent(ctx, event)
		handled++
	}
	return handled, nil
}

// ProcessOne processes a specific event by id (pubsub nudge path). Events
// already terminal or claimed elsewhere are skipped.
func (ip *InboxProcessor) ProcessOne(ctx context.Context, businessId string, eventId uint) error {
	event, err := ip.claimById(ctx, businessId, eventId)
	if err != nil {
		return err
	}
	if event == nil {
		return nil
	}
	ip.processEvent(ctx, event)
	return nil
}

// claimableEvent reports whether the event may be (re)claimed for processing.
// done and skipped are terminal, processing belongs to another worker, and
// failed waits out its backoff.
func claimableEvent(event *models.WebhookEvent, now time.Time) bool {
	switch event.Status {
	case models.WebhookEventStatusQueued:
		return event.NextRetryAt == nil || !event.NextRetryAt.After(now)
	case models.WebhookEventStatusFailed:
		return event.NextRetryAt != nil && !event.NextRetryAt.After(now)
	default:
		return false
	}
}

// claimNext atomically flips the oldest due event to processing: fresh queued
// rows, plus failed rows whose backoff has elapsed.
func (ip *InboxProcessor) claimNext(ctx context.Context, businessId string) (*models.WebhookEvent, error) {
	now := ip.now()
	var event models.WebhookEvent
	err := ip.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("business_id = ? AND ((status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)) OR (status = ? AND next_retry_at <= ?))",
			businessId, models.WebhookEventStatusQueued, now, models.WebhookEventStatusFailed, now).
			Order("id ASC").
			Take(&event).Error
		if err != nil {
			return err
		}
		res := tx.Model(&models.WebhookEvent{}).
			Where("id = ? AND status = ?", event.ID, event.Status).
			Updates(map[string]interface{}{
				"status":   models.WebhookEventStatusProcessing,
				"attempts": gorm.Expr("attempts + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	event.Status = models.WebhookEventStatusProcessing
	event.Attempts++
	return &event, nil
}

func (ip *InboxProcessor) claimById(ctx context.Context, businessId string, eventId uint) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	err := ip.db.WithContext(ctx).
		Where("business_id = ? AND id = ?", businessId, eventId).
		Take(&event).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	// Terminal or in-flight events short-circuit without reprocessing.
	if !claimableEvent(&event, ip.now()) {
		return nil, nil
	}

	res := ip.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ? AND status = ?", event.ID, event.Status).
		Updates(map[string]interface{}{
			"status":   models.WebhookEventStatusProcessing,
			"attempts": gorm.Expr("attempts + 1"),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	event.Status = models.WebhookEventStatusProcessing
	event.Attempts++
	return &event, nil
}

// processEvent resolves the event to a fresh order snapshot and runs the
// classifier. The event body is only a hint; the order detail fetch is the
// source of truth, so stale or partial push payloads cannot corrupt documents.
func (ip *InboxProcessor) processEvent(ctx context.Context, event *models.WebhookEvent) {
	if !recognizedEventType(event.EventType) {
		ip.markSkipped(ctx, event, "unrecognized event type "+event.EventType)
		return
	}
	if event.EntityId == "" {
		ip.markSkipped(ctx, event, "event has no entity id")
		return
	}

	orders, err := ip.api.GetOrderDetails(ctx, []string{event.EntityId})
	if err != nil {
		ip.markFailed(ctx, event, err)
		return
	}
	if len(orders) == 0 {
		ip.markSkipped(ctx, event, "order not found upstream")
		return
	}

	if _, err := ip.processor.Apply(ctx, &orders[0]); err != nil {
		ip.markFailed(ctx, event, err)
		return
	}
	ip.markDone(ctx, event)
}

func (ip *InboxProcessor) markDone(ctx context.Context, event *models.WebhookEvent) {
	ip.updateEvent(ctx, event.ID, map[string]interface{}{
		"status":        models.WebhookEventStatusDone,
		"next_retry_at": nil,
		"last_error":    nil,
	})
}

func (ip *InboxProcessor) markSkipped(ctx context.Context, event *models.WebhookEvent, reason string) {
	ip.updateEvent(ctx, event.ID, map[string]interface{}{
		"status":     models.WebhookEventStatusSkipped,
		"last_error": reason,
	})
}

// markFailed parks the event in failed with the next backoff delay. failed is
// a scheduling state, not a terminal one: the sweep re-claims the row once
// next_retry_at elapses, and the schedule's last tier repeats.
func (ip *InboxProcessor) markFailed(ctx context.Context, event *models.WebhookEvent, cause error) {
	nextRetry := ip.now().Add(backoffDelay(event.Attempts))
	msg := cause.Error()
	ip.updateEvent(ctx, event.ID, map[string]interface{}{
		"status":        models.WebhookEventStatusFailed,
		"next_retry_at": nextRetry,
		"last_error":    msg,
	})
	config.LogError(ip.logger, "inbox.go", "processEvent", "event failed", event.EntityId, cause)
}

func (ip *InboxProcessor) updateEvent(ctx context.Context, eventId uint, updates map[string]interface{}) {
	if err := ip.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ?", eventId).Updates(updates).Error; err != nil {
		config.LogError(ip.logger, "inbox.go", "updateEvent", "update", eventId, err)
	}
}

// DecodeWebhookPayload parses the interesting fields off a raw push body.
func DecodeWebhookPayload(raw []byte) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

package pasalsync

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/marketsync_backend/config"
	"github.com/gin-gonic/gin"
)

func syncTopicName() string {
	name := strings.TrimSpace(os.Getenv("PASAL_SYNC_TOPIC"))
	if name == "" {
		name = "pasal-sync"
	}
	return name
}

func inboxTopicName() string {
	name := strings.TrimSpace(os.Getenv("PASAL_INBOX_TOPIC"))
	if name == "" {
		name = "pasal-webhook-inbox"
	}
	return name
}

func publish(ctx context.Context, topicName string, createFlag string, obj interface{}) error {
	if envBoolDefault(createFlag, false) {
		client, err := config.GetClient(ctx)
		if err != nil {
			return err
		}
		if _, err := config.CreateTopicIfNotExists(client, topicName); err != nil {
			return err
		}
	}
	_, err := config.PublishJSON(ctx, topicName, obj)
	return err
}

// PublishSyncRun queues a sync run for a worker to pick up. Zero time bounds
// mean "use the watermark window".
func PublishSyncRun(ctx context.Context, runId uint, businessId string, connectionId uint, timeFrom, timeTo int64) error {
	return publish(ctx, syncTopicName(), "PASAL_SYNC_CREATE_TOPIC", SyncPubSubPayload{
		RunId:        runId,
		BusinessId:   businessId,
		ConnectionId: connectionId,
		TimeFrom:     timeFrom,
		TimeTo:       timeTo,
	})
}

// PublishInboxNudge wakes a worker to process one freshly inserted webhook
// event without waiting for the periodic sweep.
func PublishInboxNudge(ctx context.Context, businessId string, eventId uint) error {
	return publish(ctx, inboxTopicName(), "PASAL_INBOX_CREATE_TOPIC", InboxPubSubPayload{
		BusinessId: businessId,
		EventId:    eventId,
	})
}

// SyncPubSubPushHandler receives push-subscription deliveries for queued sync
// runs. Pub/Sub redelivers on non-2xx, so the handler always acks; the durable
// idempotency key keeps redeliveries from running the same run twice.
func SyncPubSubPushHandler(service *SyncService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !envBoolDefault("ENABLE_PASAL_PUBSUB_PUSH_ENDPOINT", true) {
			c.Status(204)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(204)
			return
		}

		var payload SyncPubSubPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			c.Status(204)
			return
		}
		if payload.RunId == 0 || payload.BusinessId == "" {
			c.Status(204)
			return
		}

		ctx := c.Request.Context()
		ok, err := BeginIdempotent(ctx, service.database(), payload.BusinessId, "pasal_sync_run", envelope.Message.ID)
		if err != nil || !ok {
			c.Status(204)
			return
		}

		if err := service.ExecuteRun(ctx, payload); err != nil {
			_ = MarkIdempotentFailed(ctx, service.database(), payload.BusinessId, "pasal_sync_run", envelope.Message.ID, err)
			config.LogError(service.logger, "pubsub.go", "SyncPubSubPushHandler", "ExecuteRun", payload.RunId, err)
			c.Status(204)
			return
		}
		_ = MarkIdempotentSucceeded(ctx, service.database(), payload.BusinessId, "pasal_sync_run", envelope.Message.ID)
		c.Status(204)
	}
}

// InboxPubSubPushHandler receives nudges for individual webhook events. The
// inbox row's own status machine is the idempotency layer here.
func InboxPubSubPushHandler(service *SyncService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !envBoolDefault("ENABLE_PASAL_PUBSUB_PUSH_ENDPOINT", true) {
			c.Status(204)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(204)
			return
		}

		var payload InboxPubSubPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			c.Status(204)
			return
		}
		if payload.EventId == 0 || payload.BusinessId == "" {
			c.Status(204)
			return
		}

		if err := service.ProcessInboxEvent(c.Request.Context(), payload.BusinessId, payload.EventId); err != nil {
			config.LogError(service.logger, "pubsub.go", "InboxPubSubPushHandler", "ProcessInboxEvent", payload.EventId, err)
		}
		c.Status(204)
	}
}

func envBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}

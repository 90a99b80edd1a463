package pasalsync

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/marketsync_backend/config"
	"bitbucket.org/mmdatafocus/marketsync_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	// defaultWindowOverlap tolerates clock skew and orders that become visible
	// late near the previous window boundary. Correctness depends on it being
	// non-zero, so configuration is floored at one second.
	defaultWindowOverlap = 5 * time.Minute
	minWindowOverlap     = time.Second

	// maxWindowSpan caps one cycle's window; older backlogs drain over
	// successive cycles instead of one unbounded pull.
	maxWindowSpan = 15 * 24 * time.Hour
)

// OrderProcessor is the classifier surface the scheduler drives.
type OrderProcessor interface {
	Apply(ctx context.Context, ord *MarketOrder) (ClassifyResult, error)
}

// syncWindow is one poll cycle's time range in unix seconds.
type syncWindow struct {
	From int64
	To   int64
}

// computeWindow derives the poll window from the watermark: start overlap
// seconds before the watermark (never below zero), end now, and cap the span.
func computeWindow(watermark int64, now time.Time, overlap, maxSpan time.Duration) syncWindow {
	from := watermark - int64(overlap.Seconds())
	if from < 0 {
		from = 0
	}
	return clampWindowSpan(syncWindow{From: from, To: now.Unix()}, maxSpan)
}

// clampWindowSpan truncates the window end so one cycle never covers more than
// maxSpan. Applies to explicit backfill windows too; a wider range drains over
// successive runs.
func clampWindowSpan(window syncWindow, maxSpan time.Duration) syncWindow {
	if maxSpan > 0 && window.To-window.From > int64(maxSpan.Seconds()) {
		window.To = window.From + int64(maxSpan.Seconds())
	}
	return window
}

type cycleStats struct {
	OrdersListed    int   `json:"orders_listed"`
	OrdersProcessed int   `json:"orders_processed"`
	OrdersSkipped   int   `json:"orders_skipped"`
	OrdersFailed    int   `json:"orders_failed"`
	FallbackUsed    bool  `json:"fallback_used"`
	WindowFrom      int64 `json:"window_from"`
	WindowTo        int64 `json:"window_to"`
	Watermark       int64 `json:"watermark"`
}

// Scheduler runs incremental poll cycles for one connection: window from the
// persisted watermark, drain paginated order lists, feed every order to the
// classifier, and advance the watermark as the last action of a successful
// cycle.
type Scheduler struct {
	db         *gorm.DB
	logger     *logrus.Logger
	api        MarketAPI
	processor  OrderProcessor
	businessId string
	connection *models.IntegrationConnection
	opts       SyncOptions

	overlap time.Duration
	maxSpan time.Duration
	now     func() time.Time
}

func NewScheduler(db *gorm.DB, logger *logrus.Logger, api MarketAPI, processor OrderProcessor, businessId string, connection *models.IntegrationConnection, opts SyncOptions) *Scheduler {
	overlap := defaultWindowOverlap
	if v := os.Getenv("PASAL_SYNC_OVERLAP_SECONDS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			overlap = time.Duration(n) * time.Second
		}
	}
	if overlap < minWindowOverlap {
		overlap = minWindowOverlap
	}
	return &Scheduler{
		db:         db,
		logger:     logger,
		api:        api,
		processor:  processor,
		businessId: businessId,
		connection: connection,
		opts:       NormalizeSyncOptions(opts),
		overlap:    overlap,
		maxSpan:    maxWindowSpan,
		now:        time.Now,
	}
}

// RunCycle executes one full poll cycle and records it as a sync run. Per-order
// failures are logged and recorded, never abort the cycle. The watermark only
// moves forward, and only after the cycle completes.
func (s *Scheduler) RunCycle(ctx context.Context, triggeredBy string, parentRunId *uint) (*models.IntegrationSyncRun, error) {
	startedAt := s.now()
	run := models.IntegrationSyncRun{
		BusinessId:   s.businessId,
		ConnectionId: s.connection.ID,
		Provider:     models.IntegrationProviderPasal,
		Status:       models.SyncRunStatusRunning,
		TriggeredBy:  triggeredBy,
		ParentRunId:  parentRunId,
		StartedAt:    &startedAt,
	}
	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		return nil, err
	}
	return s.executeRun(ctx, &run, startedAt, syncWindow{})
}

// ExecuteQueuedRun drives an already-created queued run (pubsub trigger path).
// An explicit window overrides the watermark-derived one when both bounds are
// set, which is how manual backfills pick their range.
func (s *Scheduler) ExecuteQueuedRun(ctx context.Context, run *models.IntegrationSyncRun, explicit syncWindow) (*models.IntegrationSyncRun, error) {
	startedAt := s.now()
	res := s.db.WithContext(ctx).Model(&models.IntegrationSyncRun{}).
		Where("id = ? AND status = ?", run.ID, models.SyncRunStatusQueued).
		Updates(map[string]interface{}{
			"status":     models.SyncRunStatusRunning,
			"started_at": startedAt,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// Another worker claimed it.
		return run, nil
	}
	run.Status = models.SyncRunStatusRunning
	run.StartedAt = &startedAt
	return s.executeRun(ctx, run, startedAt, explicit)
}

func (s *Scheduler) executeRun(ctx context.Context, run *models.IntegrationSyncRun, startedAt time.Time, explicit syncWindow) (*models.IntegrationSyncRun, error) {
	window := computeWindow(s.connection.SyncWatermark, startedAt, s.overlap, s.maxSpan)
	if explicit.From > 0 && explicit.To > explicit.From {
		window = clampWindowSpan(explicit, s.maxSpan)
	}
	stats := cycleStats{WindowFrom: window.From, WindowTo: window.To}

	highest := s.drainWindow(ctx, run, window, TimeFieldUpdateTime, &stats)

	// Upstream update-time indexes can lag; when a clean window comes back
	// empty, re-check by creation time before trusting it.
	if stats.OrdersListed == 0 && stats.OrdersFailed == 0 {
		stats.FallbackUsed = true
		if h := s.drainWindow(ctx, run, window, TimeFieldCreateTime, &stats); h > highest {
			highest = h
		}
	}

	if highest > 0 {
		if err := models.AdvanceSyncWatermark(ctx, s.connection.ID, highest); err != nil {
			config.LogError(s.logger, "scheduler.go", "RunCycle", "AdvanceSyncWatermark", s.connection.ID, err)
		} else if highest > s.connection.SyncWatermark {
			s.connection.SyncWatermark = highest
		}
	}
	stats.Watermark = s.connection.SyncWatermark

	status := models.SyncRunStatusSuccess
	if stats.OrdersFailed > 0 {
		status = models.SyncRunStatusPartial
		if stats.OrdersProcessed == 0 {
			status = models.SyncRunStatusFailed
		}
	}

	finishedAt := s.now()
	statsJSON, _ := json.Marshal(stats)
	updates := map[string]interface{}{
		"status":         status,
		"stats_json":     statsJSON,
		"records_synced": stats.OrdersProcessed,
		"error_count":    stats.OrdersFailed,
		"finished_at":    finishedAt,
		"duration_ms":    finishedAt.Sub(startedAt).Milliseconds(),
	}
	if err := s.db.WithContext(ctx).Model(&models.IntegrationSyncRun{}).
		Where("id = ?", run.ID).Updates(updates).Error; err != nil {
		config.LogError(s.logger, "scheduler.go", "RunCycle", "update run", run.ID, err)
	}
	run.Status = status
	run.RecordsSynced = stats.OrdersProcessed
	run.ErrorCount = stats.OrdersFailed
	run.FinishedAt = &finishedAt

	s.touchConnection(ctx, status)
	return run, nil
}

// drainWindow pulls every page of the window by the given time field and feeds
// each order to the classifier. Returns the highest update_time seen.
func (s *Scheduler) drainWindow(ctx context.Context, run *models.IntegrationSyncRun, window syncWindow, field TimeRangeField, stats *cycleStats) int64 {
	var highest int64
	cursor := ""
	for {
		page, err := s.api.GetOrderList(ctx, ListOrdersParams{
			TimeRangeField: field,
			TimeFrom:       window.From,
			TimeTo:         window.To,
			PageSize:       s.opts.PageSize,
			Cursor:         cursor,
		})
		if err != nil {
			stats.OrdersFailed++
			s.recordError(ctx, run, "order_list", "", "UPSTREAM_LIST_FAILED", err, true)
			return highest
		}
		if len(page.OrderSnList) == 0 && !page.More {
			return highest
		}
		stats.OrdersListed += len(page.OrderSnList)

		orders, err := s.api.GetOrderDetails(ctx, page.OrderSnList)
		if err != nil {
			stats.OrdersFailed++
			s.recordError(ctx, run, "order_detail", "", "UPSTREAM_DETAIL_FAILED", err, true)
		}

		for i := range orders {
			ord := &orders[i]
			if ord.UpdateTime > highest {
				highest = ord.UpdateTime
			}
			result, err := s.processor.Apply(ctx, ord)
			if err != nil {
				stats.OrdersFailed++
				s.recordError(ctx, run, "order", ord.OrderSn, "CLASSIFY_FAILED", err, true)
				config.LogError(s.logger, "scheduler.go", "drainWindow", "Apply", ord.OrderSn, err)
				continue
			}
			switch result.Action {
			case ActionSkippedStale, ActionSkippedOther:
				stats.OrdersSkipped++
			default:
				stats.OrdersProcessed++
			}
		}

		if !page.More {
			return highest
		}
		cursor = page.NextCursor
	}
}

func (s *Scheduler) recordError(ctx context.Context, run *models.IntegrationSyncRun, entityType, externalId, code string, cause error, retryable bool) {
	row := models.IntegrationSyncError{
		SyncRunId:  run.ID,
		BusinessId: s.businessId,
		EntityType: entityType,
		ExternalId: externalId,
		ErrorCode:  code,
		Message:    cause.Error(),
		Retryable:  retryable,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		config.LogError(s.logger, "scheduler.go", "recordError", "create sync error", externalId, err)
	}
}

func (s *Scheduler) touchConnection(ctx context.Context, status string) {
	now := s.now()
	updates := map[string]interface{}{"last_sync_at": now}
	if status == models.SyncRunStatusSuccess || status == models.SyncRunStatusPartial {
		updates["last_success_sync_at"] = now
	}
	if err := s.db.WithContext(ctx).Model(&models.IntegrationConnection{}).
		Where("id = ?", s.connection.ID).Updates(updates).Error; err != nil {
		config.LogError(s.logger, "scheduler.go", "touchConnection", "update connection", s.connection.ID, err)
	}
}

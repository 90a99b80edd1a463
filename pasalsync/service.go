package pasalsync

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/marketsync_backend/config"
	"bitbucket.org/mmdatafocus/marketsync_backend/models"
	"bitbucket.org/mmdatafocus/marketsync_backend/utils"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	ErrNotConnected   = errors.New("pasal integration is not connected")
	ErrSyncInProgress = errors.New("a sync cycle is already running for this connection")
)

const (
	pollLockType = "PasalPollCycle"
	pollLockTTL  = 10 * time.Minute
)

// SyncService composes the engine for one business on demand: connection
// config out of the database, signed API client, dedup resolver, document
// writer, classifier, scheduler, inbox. Constructed once per process; the
// per-business pieces are cheap and built per call.
type SyncService struct {
	db     *gorm.DB
	logger *logrus.Logger

	// newAPI is swapped out in tests to avoid real HTTP.
	newAPI func(conn *models.IntegrationConnection) (MarketAPI, error)
}

// database resolves the handle lazily: the HTTP server registers routes before
// the database connects, so a nil constructor argument defers to the global.
func (s *SyncService) database() *gorm.DB {
	if s.db != nil {
		return s.db
	}
	return config.GetDB()
}

func NewSyncService(db *gorm.DB, logger *logrus.Logger) *SyncService {
	return &SyncService{
		db:     db,
		logger: logger,
		newAPI: func(conn *models.IntegrationConnection) (MarketAPI, error) {
			partnerKey := strings.TrimSpace(os.Getenv("PASAL_PARTNER_KEY"))
			tokens := NewRedisTokenProvider(conn.ShopId)
			return NewMarketAPI(conn.PartnerId, partnerKey, conn.ShopId, tokens)
		},
	}
}

// Connection loads the active pasal connection for the business.
func (s *SyncService) Connection(ctx context.Context, businessId string) (*models.IntegrationConnection, error) {
	var conn models.IntegrationConnection
	err := s.database().WithContext(ctx).
		Where("business_id = ? AND provider = ?", businessId, models.IntegrationProviderPasal).
		Take(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotConnected
		}
		return nil, err
	}
	if conn.Status != models.IntegrationStatusConnected {
		return nil, ErrNotConnected
	}
	return &conn, nil
}

type engine struct {
	scheduler *Scheduler
	inbox     *InboxProcessor
}

func (s *SyncService) buildEngine(conn *models.IntegrationConnection, opts SyncOptions) (*engine, error) {
	api, err := s.newAPI(conn)
	if err != nil {
		return nil, err
	}

	dedup := NewDedupResolver(s.database(), conn.BusinessId, conn.ID)
	master := NewMasterDataResolver(s.logger, conn.BusinessId, dedup, opts.CreateMissingMasterData)
	writer := NewDocumentWriter(s.database(), s.logger, conn.BusinessId, dedup, master, opts)
	classifier := NewClassifier(writer, dedup, api, s.logger, utils.ObtainLock)

	return &engine{
		scheduler: NewScheduler(s.database(), s.logger, api, classifier, conn.BusinessId, conn, opts),
		inbox:     NewInboxProcessor(s.database(), s.logger, classifier, api),
	}, nil
}

// RunSync executes one poll cycle for the business.
func (s *SyncService) RunSync(ctx context.Context, businessId string, opts SyncOptions, triggeredBy string, parentRunId *uint) (*models.IntegrationSyncRun, error) {
	conn, err := s.Connection(ctx, businessId)
	if err != nil {
		return nil, err
	}
	lock, err := utils.ObtainLock(ctx, pollLockType, strconv.FormatUint(uint64(conn.ID), 10), pollLockTTL, "service.go", "RunSync")
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, ErrSyncInProgress
		}
		return nil, err
	}
	defer lock.Release(context.Background())

	eng, err := s.buildEngine(conn, opts)
	if err != nil {
		return nil, err
	}
	return eng.scheduler.RunCycle(ctx, triggeredBy, parentRunId)
}

// ExecuteRun drives a queued run created by the trigger or retry handlers.
// Runs already claimed or finished are left alone.
func (s *SyncService) ExecuteRun(ctx context.Context, payload SyncPubSubPayload) error {
	var run models.IntegrationSyncRun
	err := s.database().WithContext(ctx).
		Where("id = ? AND business_id = ?", payload.RunId, payload.BusinessId).
		Take(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if run.Status != models.SyncRunStatusQueued {
		return nil
	}

	conn, err := s.Connection(ctx, payload.BusinessId)
	if err != nil {
		return err
	}
	eng, err := s.buildEngine(conn, DecodeSyncOptions(run.StatsJSON))
	if err != nil {
		return err
	}
	_, err = eng.scheduler.ExecuteQueuedRun(ctx, &run, runWindow(&run, payload))
	return err
}

// runWindow picks the explicit window for a queued run. The persisted run row
// wins so a recovered run keeps its original range even when the nudge that
// carried it was lost.
func runWindow(run *models.IntegrationSyncRun, payload SyncPubSubPayload) syncWindow {
	if run.WindowFrom > 0 && run.WindowTo > run.WindowFrom {
		return syncWindow{From: run.WindowFrom, To: run.WindowTo}
	}
	return syncWindow{From: payload.TimeFrom, To: payload.TimeTo}
}

// RecoverQueuedRuns executes queued runs whose pubsub nudge never arrived.
// Only runs older than staleAfter are touched so a freshly published run is
// left to the push path.
func (s *SyncService) RecoverQueuedRuns(ctx context.Context, businessId string, staleAfter time.Duration) (int, error) {
	cutoff := time.Now().Add(-staleAfter)
	var runs []models.IntegrationSyncRun
	err := s.database().WithContext(ctx).
		Where("business_id = ? AND provider = ? AND status = ? AND created_at < ?",
			businessId, models.IntegrationProviderPasal, models.SyncRunStatusQueued, cutoff).
		Order("id ASC").
		Limit(10).
		Find(&runs).Error
	if err != nil {
		return 0, err
	}

	recovered := 0
	for i := range runs {
		run := &runs[i]
		payload := SyncPubSubPayload{
			RunId:        run.ID,
			BusinessId:   businessId,
			ConnectionId: run.ConnectionId,
			TimeFrom:     run.WindowFrom,
			TimeTo:       run.WindowTo,
		}
		if err := s.ExecuteRun(ctx, payload); err != nil {
			config.LogError(s.logger, "service.go", "RecoverQueuedRuns", "ExecuteRun", run.ID, err)
			continue
		}
		recovered++
	}
	return recovered, nil
}

// SweepInbox drains due webhook events for the business.
func (s *SyncService) SweepInbox(ctx context.Context, businessId string) (int, error) {
	conn, err := s.Connection(ctx, businessId)
	if err != nil {
		return 0, err
	}
	eng, err := s.buildEngine(conn, DecodeSyncOptions(conn.SettingsJSON))
	if err != nil {
		return 0, err
	}
	return eng.inbox.Sweep(ctx, businessId)
}

// ProcessInboxEvent handles one event by id (pubsub push path).
func (s *SyncService) ProcessInboxEvent(ctx context.Context, businessId string, eventId uint) error {
	conn, err := s.Connection(ctx, businessId)
	if err != nil {
		return err
	}
	eng, err := s.buildEngine(conn, DecodeSyncOptions(conn.SettingsJSON))
	if err != nil {
		return err
	}
	return eng.inbox.ProcessOne(ctx, businessId, eventId)
}

// ConnectedBusinessIds lists businesses with an active connection; the worker
// iterates this set each poll tick.
func (s *SyncService) ConnectedBusinessIds(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.database().WithContext(ctx).
		Model(&models.IntegrationConnection{}).
		Where("provider = ? AND status = ?", models.IntegrationProviderPasal, models.IntegrationStatusConnected).
		Pluck("business_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return utils.UniqueSlice(ids), nil
}

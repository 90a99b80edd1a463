package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/marketsync_backend/config"
	"bitbucket.org/mmdatafocus/marketsync_backend/models"
	"bitbucket.org/mmdatafocus/marketsync_backend/pasalsync"
	"bitbucket.org/mmdatafocus/marketsync_backend/utils"
	"github.com/sirupsen/logrus"
)

// The worker drives the periodic side of the engine: one watermark poll cycle
// per connected business every poll interval, plus a webhook inbox sweep every
// sweep interval. One-off triggers arrive via the service's pubsub push
// endpoints, not here.
func main() {
	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	}

	service := pasalsync.NewSyncService(db, logger)

	pollInterval := durationFromEnv("PASAL_POLL_INTERVAL_SECONDS", 5*time.Minute)
	sweepInterval := durationFromEnv("PASAL_INBOX_SWEEP_INTERVAL_SECONDS", time.Minute)

	pollTicker := time.NewTicker(pollInterval)
	defer pollTicker.Stop()
	sweepTicker := time.NewTicker(sweepInterval)
	defer sweepTicker.Stop()

	logger.WithFields(logrus.Fields{
		"poll_interval":  pollInterval.String(),
		"sweep_interval": sweepInterval.String(),
	}).Info("pasal sync worker started")

	// First poll immediately instead of waiting a full interval.
	runPollCycles(sigCtx, service, logger)

	for {
		select {
		case <-sigCtx.Done():
			logger.Info("pasal sync worker stopping")
			return
		case <-pollTicker.C:
			runPollCycles(sigCtx, service, logger)
		case <-sweepTicker.C:
			runInboxSweeps(sigCtx, service, logger)
		}
	}
}

func runPollCycles(ctx context.Context, service *pasalsync.SyncService, logger *logrus.Logger) {
	businessIds, err := service.ConnectedBusinessIds(ctx)
	if err != nil {
		config.LogError(logger, "main.go", "runPollCycles", "list connections", nil, err)
		return
	}

	for _, businessId := range businessIds {
		if ctx.Err() != nil {
			return
		}
		runCtx := utils.SetBusinessIdInContext(ctx, businessId)

		// Queued runs whose pubsub nudge was lost would otherwise sit forever.
		if recovered, err := service.RecoverQueuedRuns(runCtx, businessId, 10*time.Minute); err != nil {
			config.LogError(logger, "main.go", "runPollCycles", "RecoverQueuedRuns", businessId, err)
		} else if recovered > 0 {
			logger.WithFields(logrus.Fields{
				"business_id": businessId,
				"recovered":   recovered,
			}).Info("recovered stale queued runs")
		}

		run, err := service.RunSync(runCtx, businessId, pasalsync.DefaultSyncOptions(), models.SyncTriggeredSystem, nil)
		if err != nil {
			if errors.Is(err, pasalsync.ErrSyncInProgress) {
				continue
			}
			config.LogError(logger, "main.go", "runPollCycles", "RunSync", businessId, err)
			continue
		}
		logger.WithFields(logrus.Fields{
			"business_id":    businessId,
			"run_id":         run.ID,
			"status":         run.Status,
			"records_synced": run.RecordsSynced,
			"error_count":    run.ErrorCount,
		}).Info("poll cycle finished")
	}
}

func runInboxSweeps(ctx context.Context, service *pasalsync.SyncService, logger *logrus.Logger) {
	businessIds, err := service.ConnectedBusinessIds(ctx)
	if err != nil {
		config.LogError(logger, "main.go", "runInboxSweeps", "list connections", nil, err)
		return
	}

	for _, businessId := range businessIds {
		if ctx.Err() != nil {
			return
		}
		sweepCtx := utils.SetBusinessIdInContext(ctx, businessId)
		handled, err := service.SweepInbox(sweepCtx, businessId)
		if err != nil {
			config.LogError(logger, "main.go", "runInboxSweeps", "SweepInbox", businessId, err)
			continue
		}
		if handled > 0 {
			logger.WithFields(logrus.Fields{
				"business_id": businessId,
				"handled":     handled,
			}).Info("inbox sweep finished")
		}
	}
}

func durationFromEnv(key string, def time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

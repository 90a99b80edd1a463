package pasalsync

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/marketsync_backend/config"
	"bitbucket.org/mmdatafocus/marketsync_backend/models"
	"bitbucket.org/mmdatafocus/marketsync_backend/utils"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

func StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		db := config.GetDB().WithContext(ctx)

		conn, err := getConnection(db, businessId)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if conn == nil {
			c.JSON(http.StatusOK, StatusResponse{
				Connection: ConnectionResponse{
					Status: models.IntegrationStatusDisconnected,
				},
				Options: DefaultSyncOptions(),
			})
			return
		}

		c.JSON(http.StatusOK, StatusResponse{
			Connection: ConnectionResponse{
				Status:    conn.Status,
				ShopId:    conn.ShopId,
				PartnerId: conn.PartnerId,
			},
			SyncWatermark:     conn.SyncWatermark,
			LastSyncAt:        formatTime(conn.LastSyncAt),
			LastSuccessSyncAt: formatTime(conn.LastSuccessSyncAt),
			Options:           DecodeSyncOptions(conn.SettingsJSON),
		})
	}
}

func ConnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req ConnectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if strings.TrimSpace(req.ShopId) == "" || strings.TrimSpace(req.APIKey) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "shopId and apiKey are required"})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		db := config.GetDB().WithContext(ctx)

		conn, err := getConnection(db, businessId)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		now := time.Now()
		if conn == nil {
			conn = &models.IntegrationConnection{
				BusinessId:    businessId,
				Provider:      models.IntegrationProviderPasal,
				Status:        models.IntegrationStatusConnected,
				ShopId:        req.ShopId,
				PartnerId:     req.PartnerId,
				AuthSecretRef: req.APIKey,
				SettingsJSON:  EncodeSyncOptions(DefaultSyncOptions()),
				UpdatedAt:     now,
			}
			if err := db.Create(conn).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		} else {
			update := map[string]interface{}{
				"status":          models.IntegrationStatusConnected,
				"shop_id":         req.ShopId,
				"partner_id":      req.PartnerId,
				"auth_secret_ref": req.APIKey,
				"updated_at":      now,
			}
			if len(conn.SettingsJSON) == 0 {
				update["settings_json"] = EncodeSyncOptions(DefaultSyncOptions())
			}
			if err := db.Model(conn).Updates(update).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}

		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func DisconnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		db := config.GetDB().WithContext(ctx)

		conn, err := getConnection(db, businessId)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil {
			c.JSON(http.StatusOK, gin.H{"success": true})
			return
		}

		if err := db.Model(conn).Updates(map[string]interface{}{
			"status":          models.IntegrationStatusDisconnected,
			"auth_secret_ref": "",
			"updated_at":      time.Now(),
		}).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func UpdateSettingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req UpdateSettingsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		db := config.GetDB().WithContext(ctx)
		conn, err := getConnection(db, businessId)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		options := EncodeSyncOptions(req.Options)
		if conn == nil {
			conn = &models.IntegrationConnection{
				BusinessId:   businessId,
				Provider:     models.IntegrationProviderPasal,
				Status:       models.IntegrationStatusDisconnected,
				SettingsJSON: options,
			}
			if err := db.Create(conn).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		} else {
			if err := db.Model(conn).Updates(map[string]interface{}{
				"settings_json": options,
				"updated_at":    time.Now(),
			}).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func TriggerSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req TriggerSyncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		db := config.GetDB().WithContext(ctx)

		conn, err := getConnection(db, businessId)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil || conn.Status != models.IntegrationStatusConnected {
			c.JSON(http.StatusConflict, gin.H{"error": "pasal is not connected"})
			return
		}

		run := models.IntegrationSyncRun{
			BusinessId:   businessId,
			ConnectionId: conn.ID,
			Provider:     models.IntegrationProviderPasal,
			Status:       models.SyncRunStatusQueued,
			TriggeredBy:  models.SyncTriggeredManual,
			StatsJSON:    EncodeSyncOptions(req.Options),
			WindowFrom:   req.TimeFrom,
			WindowTo:     req.TimeTo,
		}
		if err := db.Create(&run).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		// A failed nudge is not fatal: the run row persists and the worker's
		// stale-queued sweep will pick it up.
		if err := PublishSyncRun(c.Request.Context(), run.ID, businessId, conn.ID, req.TimeFrom, req.TimeTo); err != nil {
			config.LogError(config.GetLogger(), "handlers.go", "TriggerSyncHandler", "PublishSyncRun", run.ID, err)
		}

		c.JSON(http.StatusOK, gin.H{"id": run.ID})
	}
}

func SyncHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		limit := 20
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		db := config.GetDB().WithContext(ctx)

		var runs []models.IntegrationSyncRun
		if err := db.Where("business_id = ? AND provider = ?", businessId, models.IntegrationProviderPasal).
			Order("id desc").
			Limit(limit).
			Find(&runs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		items := make([]SyncRunResponse, 0, len(runs))
		for _, run := range runs {
			items = append(items, mapRunToResponse(run))
		}
		c.JSON(http.StatusOK, SyncHistoryResponse{Items: items})
	}
}

func SyncRunDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		db := config.GetDB().WithContext(ctx)

		var run models.IntegrationSyncRun
		if err := db.Where("id = ? AND business_id = ?", id, businessId).Take(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		var errs []models.IntegrationSyncError
		if err := db.Where("sync_run_id = ?", run.ID).Order("id desc").Find(&errs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		resp := SyncRunDetailResponse{
			SyncRunResponse: mapRunToResponse(run),
			Errors:          mapErrors(errs),
		}
		c.JSON(http.StatusOK, resp)
	}
}

func RetrySyncRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		db := config.GetDB().WithContext(ctx)

		var run models.IntegrationSyncRun
		if err := db.Where("id = ? AND business_id = ?", id, businessId).Take(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		newRun := models.IntegrationSyncRun{
			BusinessId:   businessId,
			ConnectionId: run.ConnectionId,
			Provider:     run.Provider,
			Status:       models.SyncRunStatusQueued,
			TriggeredBy:  models.SyncTriggeredRetry,
			StatsJSON:    run.StatsJSON,
			WindowFrom:   run.WindowFrom,
			WindowTo:     run.WindowTo,
			ParentRunId:  &run.ID,
		}
		if err := db.Create(&newRun).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if err := PublishSyncRun(c.Request.Context(), newRun.ID, businessId, run.ConnectionId, run.WindowFrom, run.WindowTo); err != nil {
			config.LogError(config.GetLogger(), "handlers.go", "RetrySyncRunHandler", "PublishSyncRun", newRun.ID, err)
		}

		c.JSON(http.StatusOK, gin.H{"id": newRun.ID})
	}
}

func resolveBusinessID(c *gin.Context) (string, error) {
	businessId, ok := utils.GetBusinessIdFromContext(c.Request.Context())
	if !ok || strings.TrimSpace(businessId) == "" {
		return "", errors.New("unauthorized")
	}
	return strings.TrimSpace(businessId), nil
}

func getConnection(db *gorm.DB, businessId string) (*models.IntegrationConnection, error) {
	var conn models.IntegrationConnection
	err := db.Where("business_id = ? AND provider = ?", businessId, models.IntegrationProviderPasal).
		Take(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &conn, nil
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func mapRunToResponse(run models.IntegrationSyncRun) SyncRunResponse {
	return SyncRunResponse{
		ID:            run.ID,
		Status:        run.Status,
		StartedAt:     formatTime(run.StartedAt),
		FinishedAt:    formatTime(run.FinishedAt),
		DurationMs:    run.DurationMs,
		RecordsSynced: run.RecordsSynced,
		ErrorCount:    run.ErrorCount,
		TriggeredBy:   run.TriggeredBy,
	}
}

func mapErrors(errs []models.IntegrationSyncError) []SyncErrorResponse {
	items := make([]SyncErrorResponse, 0, len(errs))
	for _, e := range errs {
		items = append(items, SyncErrorResponse{
			ID:         e.ID,
			EntityType: e.EntityType,
			ExternalId: e.ExternalId,
			ErrorCode:  e.ErrorCode,
			Message:    e.Message,
			Retryable:  e.Retryable,
		})
	}
	return items
}

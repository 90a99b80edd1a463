package pasalsync

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/marketsync_backend/config"
	"bitbucket.org/mmdatafocus/marketsync_backend/models"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// VerifyWebhookSignature checks the push signature: HMAC-SHA256 over url|body
// with the partner key, hex-encoded in the Authorization header.
func VerifyWebhookSignature(partnerKey, url string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(partnerKey))
	mac.Write([]byte(url))
	mac.Write([]byte("|"))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature)))
}

// webhookBody is the envelope shape of a push delivery; the shop id routes the
// event to its connection, everything else is handed to the inbox.
type webhookBody struct {
	ShopId string `json:"shop_id"`
	WebhookPayload
}

// WebhookHandler ingests marketplace push events. On verified receipt the
// event is persisted and acknowledged immediately; processing happens
// asynchronously so upstream delivery never waits on document writes.
func WebhookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}

		if !config.PasalWebhookVerifyDisabled() {
			partnerKey := strings.TrimSpace(os.Getenv("PASAL_PARTNER_KEY"))
			callbackURL := strings.TrimSpace(os.Getenv("PASAL_WEBHOOK_CALLBACK_URL"))
			if callbackURL == "" {
				callbackURL = c.Request.URL.String()
			}
			signature := c.GetHeader("Authorization")
			if partnerKey == "" || !VerifyWebhookSignature(partnerKey, callbackURL, raw, signature) {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
				return
			}
		}

		var body webhookBody
		if err := json.Unmarshal(raw, &body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
		if strings.TrimSpace(body.ShopId) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "shop_id is required"})
			return
		}

		db := config.GetDB()
		businessId, err := businessIdForShop(db, body.ShopId)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				// Unknown shop: ack so upstream stops redelivering.
				c.JSON(http.StatusOK, gin.H{"success": true})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		event, created, err := InsertEvent(c.Request.Context(), db, businessId, &body.WebhookPayload, raw)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if created {
			// Best effort; the periodic sweep picks the event up regardless.
			_ = PublishInboxNudge(c.Request.Context(), businessId, event.ID)
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func businessIdForShop(db *gorm.DB, shopId string) (string, error) {
	var conn models.IntegrationConnection
	err := db.Where("provider = ? AND shop_id = ? AND status = ?",
		models.IntegrationProviderPasal, shopId, models.IntegrationStatusConnected).
		Take(&conn).Error
	if err != nil {
		return "", err
	}
	return conn.BusinessId, nil
}

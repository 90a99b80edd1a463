package middlewares

import (
	"net/http"

	"bitbucket.org/mmdatafocus/marketsync_backend/config"
	"bitbucket.org/mmdatafocus/marketsync_backend/utils"
	"github.com/gin-gonic/gin"
)

func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.Next()
			return
		}
		username, exists, err := config.GetRedisValue("Token:" + token)
		if err != nil || !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = utils.SetUsernameInContext(ctx, username)

		if parsed, err := utils.JwtValidate(token); err == nil && parsed.Valid {
			if claims, ok := parsed.Claims.(*utils.JwtCustomClaim); ok && claims.BusinessId != "" {
				ctx = utils.SetBusinessIdInContext(ctx, claims.BusinessId)
			}
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

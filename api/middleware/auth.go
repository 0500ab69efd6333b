package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/shepherd/models"
)

// ContextKeyAPIKey is where Auth stores the caller's key.
const ContextKeyAPIKey = "api_key"

// Auth accepts requests carrying one of apiKeys in X-API-Key or
// Authorization: Bearer. An empty key list disables the check.
func Auth(apiKeys []string) gin.HandlerFunc {
	keySet := make(map[string]struct{}, len(apiKeys))
	for _, k := range apiKeys {
		if k != "" {
			keySet[k] = struct{}{}
		}
	}
	if len(keySet) == 0 {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		key := apiKeyFrom(c)
		var msg string
		switch _, valid := keySet[key]; {
		case key == "":
			msg = "missing API key: send X-API-Key or Authorization: Bearer <key>"
		case !valid:
			msg = "invalid API key"
		}
		if msg != "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{
				Error: &models.ErrorDetail{Code: models.ErrCodeUnauthorized, Message: msg},
			})
			return
		}

		c.Set(ContextKeyAPIKey, key)
		c.Next()
	}
}

func apiKeyFrom(c *gin.Context) string {
	if key := c.GetHeader("X-API-Key"); key != "" {
		return key
	}
	if auth, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(auth)
	}
	return ""
}

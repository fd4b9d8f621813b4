package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"quipucords/internal/auth"
	"quipucords/internal/logger"
	"quipucords/internal/metrics"
	"quipucords/internal/models"
	"quipucords/internal/storage"
)

// apiKeyFromRequest reads the key from X-API-Key or from an
// "Authorization: Token <key>" (or Bearer) header
func apiKeyFromRequest(c *gin.Context) string {
	if apiKey := c.GetHeader("X-API-Key"); apiKey != "" {
		return apiKey
	}
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) == 2 {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// AuthMiddleware validates API keys and puts the user into the context
func AuthMiddleware(store storage.Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := apiKeyFromRequest(c)
		if apiKey == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "missing API key",
				"message": "Please provide an API key in the X-API-Key or Authorization header",
			})
			c.Abort()
			return
		}

		// Extract prefix for efficient lookup
		apiKeys, err := store.GetAPIKeyByPrefix(auth.GetKeyPrefix(apiKey))
		if err != nil {
			logger.Logger.Error().Err(err).Msg("Failed to look up API key")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "authentication error"})
			c.Abort()
			return
		}

		// Verify the key against all candidates with matching prefix
		var matchedKey *models.APIKey
		for _, key := range apiKeys {
			if auth.VerifyAPIKey(apiKey, key.KeyHash) {
				matchedKey = key
				break
			}
		}

		if matchedKey == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
			c.Abort()
			return
		}
		if auth.IsExpired(matchedKey.ExpiresAt) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "API key expired"})
			c.Abort()
			return
		}

		user, err := store.GetUserByID(matchedKey.UserID)
		if err != nil || !user.IsActive {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "user account is inactive"})
			c.Abort()
			return
		}

		c.Set("user_id", matchedKey.UserID)
		c.Set("api_key_id", matchedKey.ID)
		c.Set("user", user)
		metrics.APIKeysUsedTotal.Inc()

		// Update last used timestamp (async, don't wait)
		go func(id string) {
			if err := store.UpdateAPIKeyLastUsed(id); err != nil {
				logger.Logger.Warn().Err(err).Str("api_key_id", id).Msg("Failed to record API key use")
			}
		}(matchedKey.ID)

		c.Next()
	}
}

// AdminMiddleware rejects users without the admin flag. It must run after AuthMiddleware.
func AdminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		value, exists := c.Get("user")
		if !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		user, ok := value.(*models.User)
		if !ok || !user.IsAdmin {
			c.JSON(http.StatusForbidden, gin.H{"error": "admin access required"})
			c.Abort()
			return
		}

		c.Next()
	}
}

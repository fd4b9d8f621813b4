package handlers

import (
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"

	"quipucords/internal/auth"
	"quipucords/internal/models"
	"quipucords/internal/storage"
)

// tokenKeyName names the keys minted by the token endpoint
const tokenKeyName = "token"

// issueKey mints a key for userID and stores its hash. The plain token is
// only ever returned here.
func (h *Handlers) issueKey(c *gin.Context, userID, name string, expiresAt *time.Time) (string, *models.APIKey, bool) {
	token, keyHash, keyPrefix, err := auth.GenerateAPIKey()
	if err != nil {
		logError(c, err, "Failed to generate API key")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue API key"})
		return "", nil, false
	}
	key, err := h.storage.CreateAPIKey(userID, keyHash, keyPrefix, name, expiresAt)
	if err != nil {
		logError(c, err, "Failed to store API key")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue API key"})
		return "", nil, false
	}
	return token, key, true
}

// currentUserID returns the user set by the auth middleware
func currentUserID(c *gin.Context) (string, bool) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}

// Token exchanges a username and password for an API key
func (h *Handlers) Token(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// unknown users and bad passwords get the same answer
	user, passwordHash, err := h.storage.GetUserByUsername(req.Username)
	if err != nil || !auth.CheckPassword(req.Password, passwordHash) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	if !user.IsActive {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "account is inactive"})
		return
	}

	token, _, ok := h.issueKey(c, user.ID, tokenKeyName, nil)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, models.LoginResponse{Token: token})
}

// CreateAPIKey creates a named API key for the authenticated user
func (h *Handlers) CreateAPIKey(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	var req models.CreateAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ExpiresAt != nil && auth.IsExpired(req.ExpiresAt) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expires_at must be in the future"})
		return
	}

	token, key, ok := h.issueKey(c, userID, req.Name, req.ExpiresAt)
	if !ok {
		return
	}
	c.JSON(http.StatusCreated, models.CreateAPIKeyResponse{
		ID:        key.ID,
		Key:       token,
		Name:      key.Name,
		ExpiresAt: key.ExpiresAt,
		CreatedAt: key.CreatedAt,
	})
}

// ListAPIKeys lists the keys of the authenticated user
func (h *Handlers) ListAPIKeys(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	keys, err := h.storage.GetAPIKeysByUserID(userID)
	if err != nil {
		logError(c, err, "Failed to list API keys")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retrieve API keys"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"api_keys": keys, "total": len(keys)})
}

// DeleteAPIKey revokes a key owned by the authenticated user
func (h *Handlers) DeleteAPIKey(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	keyID := c.Param("id")

	keys, err := h.storage.GetAPIKeysByUserID(userID)
	if err != nil {
		logError(c, err, "Failed to list API keys")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify ownership"})
		return
	}
	// keys of other users are reported as missing
	owned := slices.ContainsFunc(keys, func(k *models.APIKey) bool { return k.ID == keyID })
	if !owned {
		c.JSON(http.StatusNotFound, gin.H{"error": "API key not found"})
		return
	}

	err = h.storage.DeleteAPIKey(keyID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "API key not found"})
	case err != nil:
		logError(c, err, "Failed to delete API key")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete API key"})
	default:
		c.Status(http.StatusNoContent)
	}
}

// GetMe returns the authenticated user
func (h *Handlers) GetMe(c *gin.Context) {
	user, exists := c.Get("user")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, user)
}

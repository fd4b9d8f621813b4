package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quipucords/internal/auth"
	"quipucords/internal/config"
	"quipucords/internal/models"
	"quipucords/internal/storage"
)

// authRouter mounts the account handlers; userID stands in for the auth middleware
func authRouter(store storage.Storage, user *models.User) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := New(store, nil, nil, nil, &config.Config{})
	r := gin.New()
	r.POST("/token", h.Token)
	authed := r.Group("")
	authed.Use(func(c *gin.Context) {
		if user != nil {
			c.Set("user_id", user.ID)
			c.Set("user", user)
		}
		c.Next()
	})
	authed.GET("/me", h.GetMe)
	authed.POST("/api-keys", h.CreateAPIKey)
	authed.GET("/api-keys", h.ListAPIKeys)
	authed.DELETE("/api-keys/:id", h.DeleteAPIKey)
	return r
}

func newUser(t *testing.T, store storage.Storage, username, password string) *models.User {
	t.Helper()
	hash, err := auth.HashPassword(password)
	require.NoError(t, err)
	user, err := store.CreateUser(username, hash, false)
	require.NoError(t, err)
	return user
}

func doJSON(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandlers_Token(t *testing.T) {
	tests := []struct {
		name           string
		body           any
		expectedStatus int
		expectedError  string
	}{
		{
			name:           "valid credentials",
			body:           models.LoginRequest{Username: "alice", Password: "password123"},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "wrong password",
			body:           models.LoginRequest{Username: "alice", Password: "nope"},
			expectedStatus: http.StatusUnauthorized,
			expectedError:  "invalid credentials",
		},
		{
			name:           "unknown user",
			body:           models.LoginRequest{Username: "bob", Password: "password123"},
			expectedStatus: http.StatusUnauthorized,
			expectedError:  "invalid credentials",
		},
		{
			name:           "missing password",
			body:           map[string]string{"username": "alice"},
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewMemoryStorage()
			user := newUser(t, store, "alice", "password123")
			r := authRouter(store, nil)

			w := doJSON(r, http.MethodPost, "/token", tt.body)
			assert.Equal(t, tt.expectedStatus, w.Code, w.Body.String())

			if tt.expectedError != "" {
				assert.Contains(t, w.Body.String(), tt.expectedError)
			}
			if tt.expectedStatus == http.StatusOK {
				var resp models.LoginResponse
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
				assert.NotEmpty(t, resp.Token)

				keys, err := store.GetAPIKeysByUserID(user.ID)
				require.NoError(t, err)
				require.Len(t, keys, 1)
				assert.True(t, auth.VerifyAPIKey(resp.Token, keys[0].KeyHash))
			}
		})
	}
}

func TestHandlers_CreateAPIKey(t *testing.T) {
	store := storage.NewMemoryStorage()
	user := newUser(t, store, "alice", "password123")

	t.Run("creates a key", func(t *testing.T) {
		w := doJSON(authRouter(store, user), http.MethodPost, "/api-keys", models.CreateAPIKeyRequest{Name: "ci"})
		assert.Equal(t, http.StatusCreated, w.Code)

		var resp models.CreateAPIKeyResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "ci", resp.Name)
		assert.NotEmpty(t, resp.Key)
	})

	t.Run("requires a name", func(t *testing.T) {
		w := doJSON(authRouter(store, user), http.MethodPost, "/api-keys", map[string]string{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("requires a user", func(t *testing.T) {
		w := doJSON(authRouter(store, nil), http.MethodPost, "/api-keys", models.CreateAPIKeyRequest{Name: "ci"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestHandlers_ListAndDeleteAPIKeys(t *testing.T) {
	store := storage.NewMemoryStorage()
	alice := newUser(t, store, "alice", "password123")
	bob := newUser(t, store, "bob", "password123")

	_, hash, prefix, err := auth.GenerateAPIKey()
	require.NoError(t, err)
	aliceKey, err := store.CreateAPIKey(alice.ID, hash, prefix, "laptop", nil)
	require.NoError(t, err)

	w := doJSON(authRouter(store, alice), http.MethodGet, "/api-keys", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var list struct {
		APIKeys []models.APIKey `json:"api_keys"`
		Total   int             `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)
	assert.NotContains(t, w.Body.String(), hash)

	w = doJSON(authRouter(store, bob), http.MethodDelete, "/api-keys/"+aliceKey.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "keys of other users are invisible")

	w = doJSON(authRouter(store, alice), http.MethodDelete, "/api-keys/"+aliceKey.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	keys, err := store.GetAPIKeysByUserID(alice.ID)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestHandlers_GetMe(t *testing.T) {
	store := storage.NewMemoryStorage()
	user := newUser(t, store, "alice", "password123")

	w := doJSON(authRouter(store, user), http.MethodGet, "/me", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var got models.User
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "alice", got.Username)

	w = doJSON(authRouter(store, nil), http.MethodGet, "/me", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

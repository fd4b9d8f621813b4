package testutils

import (
	"context"
	"fmt"

	"quipucords/internal/auth"
	"quipucords/internal/models"
	"quipucords/internal/secrets"
	"quipucords/internal/storage"
)

// TestSecretKey is a fixed 32 byte codec key for tests
var TestSecretKey = []byte("0123456789abcdef0123456789abcdef")

// NewTestCodec returns a codec built from TestSecretKey
func NewTestCodec() *secrets.Codec {
	codec, err := secrets.NewCodec(TestSecretKey)
	if err != nil {
		panic(err)
	}
	return codec
}

// CreateTestUser creates a test user in the database.
// If password is empty, it defaults to "testpassword123".
func CreateTestUser(store storage.Storage, username, password string, isAdmin bool) (*models.User, error) {
	if password == "" {
		password = "testpassword123"
	}

	passwordHash, err := auth.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user, err := store.CreateUser(username, passwordHash, isAdmin)
	if err != nil {
		return nil, fmt.Errorf("failed to create test user: %w", err)
	}
	return user, nil
}

// CreateTestAPIKey creates a test API key for a user.
// Returns the plain API key (to use in requests) and the APIKey model, or an error.
func CreateTestAPIKey(store storage.Storage, userID, name string) (string, *models.APIKey, error) {
	plainKey, keyHash, keyPrefix, err := auth.GenerateAPIKey()
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate API key: %w", err)
	}

	apiKey, err := store.CreateAPIKey(userID, keyHash, keyPrefix, name, nil)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create test API key: %w", err)
	}

	return plainKey, apiKey, nil
}

// CreateTestUserWithKey creates a user and an API key for it
func CreateTestUserWithKey(store storage.Storage, username, password string, isAdmin bool) (*models.User, string, error) {
	user, err := CreateTestUser(store, username, password, isAdmin)
	if err != nil {
		return nil, "", err
	}
	key, _, err := CreateTestAPIKey(store, user.ID, "test key")
	if err != nil {
		return nil, "", err
	}
	return user, key, nil
}

// CreateTestCredential stores a sealed password credential of the given type
func CreateTestCredential(ctx context.Context, store storage.Storage, name string, credType models.SourceType) (*models.Credential, error) {
	cred := &models.Credential{
		Name:     name,
		Type:     credType,
		Username: "scanner",
		Auth:     models.AuthMaterial{Kind: models.AuthPassword, Password: "secret"},
	}
	if credType.IsACS() {
		cred.Username = ""
		cred.Auth = models.AuthMaterial{Kind: models.AuthToken, AuthToken: "token"}
	}
	if err := NewTestCodec().SealCredential(cred); err != nil {
		return nil, err
	}
	if err := store.CreateCredential(ctx, cred); err != nil {
		return nil, fmt.Errorf("failed to create test credential: %w", err)
	}
	return cred, nil
}

// CreateTestSource stores a source with its own credential
func CreateTestSource(ctx context.Context, store storage.Storage, name string, sourceType models.SourceType, hosts ...string) (*models.Source, error) {
	cred, err := CreateTestCredential(ctx, store, name+"-cred", sourceType)
	if err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		hosts = []string{"192.0.2.10"}
	}
	src := &models.Source{Name: name, SourceType: sourceType, Hosts: hosts, CredentialIDs: []int64{cred.ID}}
	if err := store.CreateSource(ctx, src); err != nil {
		return nil, fmt.Errorf("failed to create test source: %w", err)
	}
	return src, nil
}

// CreateTestScan stores a scan over the given sources
func CreateTestScan(ctx context.Context, store storage.Storage, name string, scanType models.ScanType, sourceIDs ...int64) (*models.Scan, error) {
	scan := &models.Scan{Name: name, ScanType: scanType, SourceIDs: sourceIDs}
	if err := store.CreateScan(ctx, scan); err != nil {
		return nil, fmt.Errorf("failed to create test scan: %w", err)
	}
	return scan, nil
}

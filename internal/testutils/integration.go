package testutils

import (
	"database/sql"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quipucords/internal/storage"
)

// SetupTestStorage creates a postgres storage instance with a migrated, empty
// database. The test is skipped when the database is unreachable.
func SetupTestStorage(t *testing.T) (*sql.DB, storage.Storage) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database tests in short mode")
	}
	db, cleanup, err := SetupTestDB(t)
	if err != nil {
		t.Skipf("test database unavailable: %v", err)
	}
	require.NoError(t, CleanTestData(db))

	store, err := storage.NewPostgresStorage(GetTestDatabaseURL())
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
		cleanup()
	})
	return db, store
}

// AssertDatabaseState verifies that the database contains the expected number of records.
func AssertDatabaseState(t *testing.T, db *sql.DB, table string, expectedCount int) {
	t.Helper()
	var count int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", table)
	err := db.QueryRow(query).Scan(&count)
	require.NoError(t, err, "Failed to query %s", table)
	assert.Equal(t, expectedCount, count, "Expected %d records in %s, got %d", expectedCount, table, count)
}

// AssertListResponse asserts a {"results","count"} listing
func AssertListResponse(t *testing.T, w *httptest.ResponseRecorder, expectedCount int) []any {
	t.Helper()
	AssertHTTPStatus(t, w, 200)

	body := ReadBodyAsJSON(t, w)
	assert.Equal(t, float64(expectedCount), body["count"], "Unexpected count")
	results, ok := body["results"].([]any)
	require.True(t, ok, "Response should have a 'results' array. Body: %s", w.Body.String())
	assert.Len(t, results, expectedCount)
	return results
}

// AssertErrorResponse asserts that a response is an error response with expected status and error message.
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) {
	t.Helper()
	AssertHTTPStatus(t, w, expectedStatus)

	body := ReadBodyAsJSON(t, w)

	errorField, hasError := body["error"]
	assert.True(t, hasError, "Error response should have 'error' field")
	if hasError && expectedError != "" {
		assert.Contains(t, errorField, expectedError, "Error message should contain '%s'", expectedError)
	}
}

// AssertValidationDetail asserts a 400 validation failure listing detail
func AssertValidationDetail(t *testing.T, w *httptest.ResponseRecorder, detail string) {
	t.Helper()
	AssertErrorResponse(t, w, 400, "validation failed")
	assert.Contains(t, w.Body.String(), detail)
}

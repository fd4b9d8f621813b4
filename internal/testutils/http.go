package testutils

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quipucords/internal/config"
	"quipucords/internal/handlers"
	"quipucords/internal/models"
	"quipucords/internal/reports"
	"quipucords/internal/runners"
	"quipucords/internal/scheduler"
	"quipucords/internal/storage"
)

// TestClient is a helper for making authenticated HTTP requests in tests
type TestClient struct {
	router http.Handler
	apiKey string
}

// NewTestClient creates a new test client with an API key for authentication
func NewTestClient(router http.Handler, apiKey string) *TestClient {
	return &TestClient{router: router, apiKey: apiKey}
}

// DoRequest makes an HTTP request with optional authentication
func (tc *TestClient) DoRequest(method, path string, body any) *httptest.ResponseRecorder {
	return tc.DoRequestWithHeaders(method, path, body, nil)
}

// DoRequestWithHeaders makes an HTTP request with optional authentication and custom headers
func (tc *TestClient) DoRequestWithHeaders(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			panic(fmt.Sprintf("Failed to marshal body: %v", err))
		}
	}

	req := httptest.NewRequest(method, path, bytes.NewReader(bodyBytes))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tc.apiKey != "" {
		req.Header.Set("X-API-Key", tc.apiKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	tc.router.ServeHTTP(w, req)
	return w
}

// DoGzipRequest makes a gzip-compressed HTTP request
func (tc *TestClient) DoGzipRequest(method, path string, body any) *httptest.ResponseRecorder {
	jsonData, err := json.Marshal(body)
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal body: %v", err))
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	gz.Write(jsonData)
	gz.Close()

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	if tc.apiKey != "" {
		req.Header.Set("X-API-Key", tc.apiKey)
	}

	w := httptest.NewRecorder()
	tc.router.ServeHTTP(w, req)
	return w
}

// TestConfig returns a configuration suited to in-process servers
func TestConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		StorageBackend:         config.StorageMemory,
		GinMode:                gin.TestMode,
		DataDir:                t.TempDir(),
		MaskedReportsEnabled:   true,
		MinReportVersion:       "0.9.0",
		BuildVersion:           "1.9.0",
		BuildCommit:            "abc1234",
		InsightsSliceSize:      100,
		SchedulerBackend:       config.SchedulerEmbedded,
		MaxConcurrency:         50,
		DefaultScanConcurrency: 25,
		TaskTimeout:            time.Hour,
		HeartbeatInterval:      20 * time.Millisecond,
		HeartbeatStaleAfter:    time.Minute,
		CancelGracePeriod:      time.Second,
		SchedulerTick:          10 * time.Millisecond,
		HTTPConnectTimeout:     2 * time.Second,
		HTTPRequestTimeout:     5 * time.Second,
		PlaybookCommand:        "ansible-runner",
		ContentSecurityPolicy:  "default-src 'self'",
		RateLimitGeneral:       "10000-M",
		RateLimitLogin:         "10000-M",
		RateLimitUpload:        "10000-M",
		MaxRequestSizeUpload:   100 * 1024 * 1024,
		MaxRequestSizePost:     1024 * 1024,
		MaxRequestSizeGet:      100 * 1024,
	}
}

// TestServer is an in-process API with an embedded scheduler that is driven
// explicitly by the test instead of a background loop
type TestServer struct {
	Store    storage.Storage
	Config   *config.Config
	Registry *runners.Registry
	Coord    *scheduler.Coordinator
	Local    *scheduler.LocalDispatcher
	Reports  *reports.Service
	Router   *gin.Engine
	ctx      context.Context
}

// NewTestServer wires handlers, reports and the scheduler over store.
// A nil store gets a fresh in-memory store.
func NewTestServer(t *testing.T, store storage.Storage) *TestServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if store == nil {
		store = storage.NewMemoryStorage()
	}
	cfg := TestConfig(t)
	codec := NewTestCodec()

	ctx, cancel := context.WithCancel(context.Background())
	s := &TestServer{Store: store, Config: cfg, Registry: runners.Default(), ctx: ctx}

	signals := scheduler.NewMemorySignals()
	execOpts := scheduler.ExecutorOptionsFromConfig(cfg)
	exec := scheduler.NewExecutor(store, s.Registry, codec, signals, execOpts)
	s.Local = scheduler.NewLocalDispatcher(exec, cfg.CancelGracePeriod)
	s.Coord = scheduler.New(store, s.Local, signals, scheduler.OptionsFromConfig(cfg))

	rep, err := reports.New(store, reports.Options{
		DataDir:       cfg.DataDir,
		ServerVersion: cfg.ReportVersion(),
		SliceSize:     cfg.InsightsSliceSize,
		MaskEnabled:   cfg.MaskedReportsEnabled,
	})
	require.NoError(t, err)
	s.Reports = rep

	s.Router = handlers.New(store, s.Coord, rep, codec, cfg).Router()
	t.Cleanup(func() {
		cancel()
		s.Local.Wait()
	})
	return s
}

// Drive ticks the scheduler until the job reaches want
func (s *TestServer) Drive(t *testing.T, jobID int64, want models.Status) *models.ScanJob {
	t.Helper()
	var job *models.ScanJob
	require.Eventually(t, func() bool {
		assert.NoError(t, s.Coord.Tick(s.ctx))
		var err error
		job, err = s.Store.GetJob(s.ctx, jobID)
		return err == nil && job.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job %d never reached %s", jobID, want)
	return job
}

// Client creates a user with an API key and returns a client authenticated as it
func (s *TestServer) Client(t *testing.T, username string, isAdmin bool) *TestClient {
	t.Helper()
	_, key, err := CreateTestUserWithKey(s.Store, username, "", isAdmin)
	require.NoError(t, err)
	return NewTestClient(s.Router, key)
}

// AssertHTTPStatus asserts that a response has the expected HTTP status code
func AssertHTTPStatus(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int) {
	t.Helper()
	assert.Equal(t, expectedStatus, w.Code, "Unexpected status code. Body: %s", w.Body.String())
}

// UnmarshalJSONResponse unmarshals a JSON response into the provided type
func UnmarshalJSONResponse(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("Failed to unmarshal response: %v. Body: %s", err, w.Body.String())
	}
}

// ReadBodyAsJSON reads the response body and unmarshals it as JSON
func ReadBodyAsJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var result map[string]any
	UnmarshalJSONResponse(t, w, &result)
	return result
}

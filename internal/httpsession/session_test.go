package httpsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, srv *httptest.Server, opts Options) *Session {
	t.Helper()
	target, err := OptionsFromURL(srv.URL)
	require.NoError(t, err)
	opts.Host, opts.Port, opts.DisableSSL = target.Host, target.Port, target.DisableSSL
	s, err := New(opts)
	require.NoError(t, err)
	s.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return s
}

func TestBaseURL(t *testing.T) {
	assert.Equal(t, "https://vc.example.com:443", BaseURL("vc.example.com", 443, false))
	assert.Equal(t, "http://10.0.0.1:8080", BaseURL("10.0.0.1", 8080, true))
	assert.Equal(t, "https://[fd00::1]:6443", BaseURL("fd00::1", 6443, false))
	assert.Equal(t, "https://satellite", BaseURL("satellite", 0, false))
}

func TestTLSConfig(t *testing.T) {
	cfg, err := TLSConfig(true, "")
	require.NoError(t, err)
	assert.False(t, cfg.InsecureSkipVerify)

	cfg, err = TLSConfig(false, "TLSv1_2")
	require.NoError(t, err)
	assert.True(t, cfg.InsecureSkipVerify)
	assert.Equal(t, cfg.MinVersion, cfg.MaxVersion)

	_, err = TLSConfig(true, "SSLv2")
	assert.Error(t, err)
}

func TestGetDecodesAndSendsAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "abc", r.Header.Get("X-Session"))
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	s := newTestSession(t, srv, Options{Auth: Auth{Username: "admin", Password: "secret"}})
	s.SetHeader("X-Session", "abc")

	var out map[string]string
	require.NoError(t, s.Get(context.Background(), "/api/status", &out))
	assert.Equal(t, "ok", out["status"])
}

func TestBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	s := newTestSession(t, srv, Options{Auth: Auth{Token: "tok", Username: "ignored"}})
	require.NoError(t, s.Get(context.Background(), "/", nil))
}

func TestUnauthorized(t *testing.T) {
	for _, code := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		t.Run(strconv.Itoa(code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(code)
			}))
			defer srv.Close()

			s := newTestSession(t, srv, Options{MaxRetries: 3})
			err := s.Get(context.Background(), "/", nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrUnauthorized))

			var statusErr *StatusError
			require.True(t, errors.As(err, &statusErr))
			assert.Equal(t, code, statusErr.StatusCode)
		})
	}
}

func TestRetriesIdempotentRequests(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s := newTestSession(t, srv, Options{MaxRetries: 3, BackoffFactor: 0.5})
	var delays []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	require.NoError(t, s.Get(context.Background(), "/", nil))
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, delays)
}

func TestRetriesExhausted(t *testing.T) {
	for _, code := range []int{http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusTooManyRequests} {
		t.Run(strconv.Itoa(code), func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(code)
			}))
			defer srv.Close()

			s := newTestSession(t, srv, Options{MaxRetries: 2})
			err := s.Get(context.Background(), "/", nil)

			assert.True(t, errors.Is(err, ErrUnreachable))
			var statusErr *StatusError
			require.True(t, errors.As(err, &statusErr))
			assert.Equal(t, code, statusErr.StatusCode)
			assert.Equal(t, int32(3), calls.Load())
		})
	}
}

func TestNoRetryOnUnlistedStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := newTestSession(t, srv, Options{MaxRetries: 3})
	err := s.Get(context.Background(), "/missing", nil)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnreachable))
	assert.Equal(t, int32(1), calls.Load())
}

func TestPostIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := newTestSession(t, srv, Options{MaxRetries: 3})
	_, err := s.Post(context.Background(), "/session", map[string]string{"a": "b"}, nil)
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	s := newTestSession(t, srv, Options{MaxRetries: 1})
	srv.Close()

	err := s.Get(context.Background(), "/", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnreachable))
}

func TestBackoffHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := newTestSession(t, srv, Options{MaxRetries: 5, BackoffFactor: 60})
	s.sleep = sleepContext

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := s.Get(ctx, "/", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

type item struct {
	ID int `json:"id"`
}

func TestPaginate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page == 0 {
			page = 1
		}
		var items []item
		if page <= 3 {
			items = []item{{ID: page*10 + 1}, {ID: page*10 + 2}}
		}
		json.NewEncoder(w).Encode(map[string]any{"results": items, "page": page})
	}))
	defer srv.Close()

	s := newTestSession(t, srv, Options{})
	decode := func(body []byte, current *url.URL) (Page[item], error) {
		var payload struct {
			Results []item `json:"results"`
			Page    int    `json:"page"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return Page[item]{}, err
		}
		p := Page[item]{Items: payload.Results}
		if len(payload.Results) > 0 {
			p.Next = WithQuery(current, "page", strconv.Itoa(payload.Page+1))
		}
		return p, nil
	}

	items, err := Collect(Paginate(context.Background(), s, "/api/hosts?per_page=2", decode))
	require.NoError(t, err)
	require.Len(t, items, 6)
	assert.Equal(t, 11, items[0].ID)
	assert.Equal(t, 32, items[5].ID)
}

func TestPaginateStopsEarly(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		fmt.Fprintf(w, `{"items":[%d,%d],"next":"/page/%d"}`, n, n, n+1)
	}))
	defer srv.Close()

	s := newTestSession(t, srv, Options{})
	decode := func(body []byte, _ *url.URL) (Page[int], error) {
		var payload struct {
			Items []int  `json:"items"`
			Next  string `json:"next"`
		}
		err := json.Unmarshal(body, &payload)
		return Page[int]{Items: payload.Items, Next: payload.Next}, err
	}

	count := 0
	for _, err := range Paginate(context.Background(), s, "/page/1", decode) {
		require.NoError(t, err)
		count++
		if count == 3 {
			break
		}
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestPaginateYieldsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.RawQuery, "page=2") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"items":[1],"next":"/x?page=2"}`))
	}))
	defer srv.Close()

	s := newTestSession(t, srv, Options{})
	decode := func(body []byte, _ *url.URL) (Page[int], error) {
		var payload struct {
			Items []int  `json:"items"`
			Next  string `json:"next"`
		}
		err := json.Unmarshal(body, &payload)
		return Page[int]{Items: payload.Items, Next: payload.Next}, err
	}

	items, err := Collect(Paginate(context.Background(), s, "/x", decode))
	assert.Error(t, err)
	assert.Equal(t, []int{1}, items)
}

func TestOptionsFromURL(t *testing.T) {
	opts, err := OptionsFromURL("http://127.0.0.1:8443")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", opts.Host)
	assert.Equal(t, 8443, opts.Port)
	assert.True(t, opts.DisableSSL)

	_, err = OptionsFromURL("not a url")
	assert.Error(t, err)
}

package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpserver "github.com/mindatlas/mindatlas/internal/adapter/httpserver"
	"github.com/mindatlas/mindatlas/internal/app"
	"github.com/mindatlas/mindatlas/internal/config"
)

func TestParseOrigins(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want []string
	}{
		{"", []string{"*"}},
		{"*", []string{"*"}},
		{"https://a.example", []string{"https://a.example"}},
		{"https://a.example, https://b.example", []string{"https://a.example", "https://b.example"}},
		{" , ", []string{"*"}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, app.ParseOrigins(tc.in), "input %q", tc.in)
	}
}

func testRouter(t *testing.T, shared app.SharedLimiter) http.Handler {
	t.Helper()
	cfg := config.Config{RateLimitPerMin: 600, CORSAllowOrigins: "*"}
	return app.BuildRouter(cfg, &httpserver.Server{Cfg: cfg}, shared)
}

func TestBuildRouter_HealthMetricsReady(t *testing.T) {
	t.Parallel()
	router := testRouter(t, nil)

	for _, path := range []string{"/healthz", "/readyz"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Body.String())
}

func TestBuildRouter_SecurityHeadersAndRequestID(t *testing.T) {
	t.Parallel()
	router := testRouter(t, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	h := w.Header()
	assert.Equal(t, "nosniff", h.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", h.Get("X-Frame-Options"))
	assert.Equal(t, "default-src 'none'", h.Get("Content-Security-Policy"))
	assert.Equal(t, "no-referrer", h.Get("Referrer-Policy"))
	assert.NotEmpty(t, h.Get("X-Request-Id"))

	// A caller-supplied request id is echoed, not replaced.
	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	r.Header.Set("X-Request-Id", "caller-supplied-id")
	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, r)
	assert.Equal(t, "caller-supplied-id", w2.Header().Get("X-Request-Id"))
}

func TestBuildRouter_SharedLimiterDenies(t *testing.T) {
	t.Parallel()
	var gotKey string
	shared := func(_ context.Context, key string, _ int64) (bool, time.Duration, error) {
		gotKey = key
		return false, 7 * time.Second, nil
	}
	router := testRouter(t, shared)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/retrieval/query", nil))

	require.Equal(t, http.StatusTooManyRequests, w.Code, w.Body.String())
	assert.Equal(t, "8", w.Header().Get("Retry-After"))
	assert.Equal(t, "api:192.0.2.1", gotKey)
	var body struct {
		Code int `json:"code"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 42900, body.Code)
}

func TestBuildRouter_SharedLimiterFailsOpen(t *testing.T) {
	t.Parallel()
	shared := func(_ context.Context, _ string, _ int64) (bool, time.Duration, error) {
		return false, 0, errors.New("redis down")
	}
	router := testRouter(t, shared)

	// The request must reach the handler, which answers with the retrieval
	// feature gate rather than a rate-limit rejection.
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/retrieval/query", nil))

	require.Equal(t, http.StatusNotFound, w.Code, w.Body.String())
	var body struct {
		Code int `json:"code"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 40410, body.Code)
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type fakeRedisResult struct{ err error }

func (f fakeRedisResult) Err() error { return f.err }

type fakeRedis struct{ err error }

func (f fakeRedis) Ping(context.Context) app.RedisPingResult { return fakeRedisResult{err: f.err} }

func TestBuildReadinessChecks_WiresOnlyConfigured(t *testing.T) {
	t.Parallel()
	engine := func(context.Context) error { return nil }

	checks := app.BuildReadinessChecks(config.Config{}, nil, nil, nil, engine)
	assert.Nil(t, checks.DB)
	assert.Nil(t, checks.Redis)
	assert.Nil(t, checks.ObjStore)
	assert.Nil(t, checks.KGEngine, "engine probe only wired behind the feature flag")
	assert.Nil(t, checks.AI, "AI probe needs a base URL")

	cfg := config.Config{LightRAGEnabled: true, OpenAIBaseURL: "https://api.openai.com/v1"}
	checks = app.BuildReadinessChecks(cfg, fakePinger{}, fakeRedis{}, func(context.Context) error { return nil }, engine)
	require.NotNil(t, checks.DB)
	require.NotNil(t, checks.Redis)
	require.NotNil(t, checks.ObjStore)
	require.NotNil(t, checks.KGEngine)
	require.NotNil(t, checks.AI)
	assert.NoError(t, checks.DB(context.Background()))
	assert.NoError(t, checks.Redis(context.Background()))
}

func TestBuildReadinessChecks_SurfacesFailures(t *testing.T) {
	t.Parallel()
	boom := errors.New("dial refused")
	checks := app.BuildReadinessChecks(config.Config{}, fakePinger{err: boom}, fakeRedis{err: boom}, nil, nil)
	assert.ErrorIs(t, checks.DB(context.Background()), boom)
	assert.ErrorIs(t, checks.Redis(context.Background()), boom)
}

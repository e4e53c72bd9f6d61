package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"throttle-service/internal/guard"
	"throttle-service/internal/models"
	"throttle-service/internal/repository/memory"
	"throttle-service/internal/sweeper"
	"throttle-service/internal/throttle"
	"throttle-service/internal/util"
)

const testToken = "s3cret"

type fixedHealth struct{ err error }

func (h fixedHealth) HealthCheck(context.Context) error { return h.err }

type testServer struct {
	router chi.Router
	store  *memory.ThrottleStore
	engine *throttle.Engine
}

func newTestServer(t *testing.T, health HealthChecker) *testServer {
	t.Helper()
	util.Init("test", "error", "console")
	logger := util.Get()

	registry, err := throttle.NewRegistryWith(throttle.DefaultPolicies()...)
	require.NoError(t, err)
	store := memory.NewThrottleStore()
	engine := throttle.NewEngine(store, registry)
	sw := sweeper.New(store, registry)

	admin := NewAdminAuth(testToken, guard.MustNew(engine, AdminGuardConfig), logger)
	router := NewRouter(RouterConfig{MetricsEnabled: true}, NewThrottleHandler(engine, sw, logger), admin, health, logger)
	return &testServer{router: router, store: store, engine: engine}
}

func (s *testServer) do(method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "192.0.2.10:4000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, fixedHealth{})
	rec := s.do(http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	s = newTestServer(t, fixedHealth{err: errors.New("redis down")})
	rec = s.do(http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsRoute(t *testing.T) {
	s := newTestServer(t, fixedHealth{})
	rec := s.do(http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminTokenRequired(t *testing.T) {
	s := newTestServer(t, fixedHealth{})

	rec := s.do(http.MethodGet, "/api/v1/policies", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(http.MethodGet, "/api/v1/policies", nil, "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(http.MethodGet, "/api/v1/policies", nil, testToken)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminAuthFailuresAreThrottled(t *testing.T) {
	s := newTestServer(t, fixedHealth{})

	for i := 0; i < AdminGuardConfig.AllowedAttempts; i++ {
		rec := s.do(http.MethodGet, "/api/v1/policies", nil, "wrong")
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec := s.do(http.MethodGet, "/api/v1/policies", nil, testToken)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "300", rec.Header().Get("Retry-After"))
}

func TestGetPolicy(t *testing.T) {
	s := newTestServer(t, fixedHealth{})

	rec := s.do(http.MethodGet, "/api/v1/policies/register", nil, testToken)
	require.Equal(t, http.StatusOK, rec.Code)
	data := decode(t, rec)["data"].(map[string]interface{})
	assert.Equal(t, float64(600), data["base_window_seconds"])
	assert.Equal(t, float64(5), data["allowed_attempts"])

	rec = s.do(http.MethodGet, "/api/v1/policies/unknown", nil, testToken)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEvaluateAttemptResetFlow(t *testing.T) {
	s := newTestServer(t, fixedHealth{})
	body := map[string]string{"identity": "203.0.113.5"}

	for i := 0; i < 2; i++ {
		rec := s.do(http.MethodPost, "/api/v1/throttles/password_reset/attempts", body, testToken)
		require.Equal(t, http.StatusNoContent, rec.Code)
	}

	rec := s.do(http.MethodPost, "/api/v1/throttles/password_reset/evaluate", body, testToken)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, "throttled", out["error"])
	assert.Equal(t, "Too many requests. Try again in 5m.", out["detail"])
	assert.Equal(t, float64(300), out["retry_after"])

	rec = s.do(http.MethodPost, "/api/v1/throttles/password_reset/reset", body, testToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["data"].(map[string]interface{})["deleted"])

	rec = s.do(http.MethodGet, "/api/v1/throttles/password_reset/203.0.113.5", nil, testToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["data"].(map[string]interface{})["level"])

	rec = s.do(http.MethodDelete, "/api/v1/throttles/password_reset/203.0.113.5", nil, testToken)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodGet, "/api/v1/throttles/password_reset/203.0.113.5", nil, testToken)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodPost, "/api/v1/throttles/password_reset/evaluate", body, testToken)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEvaluateValidation(t *testing.T) {
	s := newTestServer(t, fixedHealth{})

	rec := s.do(http.MethodPost, "/api/v1/throttles/login/evaluate", map[string]string{}, testToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/v1/throttles/nope/evaluate", map[string]string{"identity": "x"}, testToken)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInspectUnknownScope(t *testing.T) {
	s := newTestServer(t, fixedHealth{})
	now := time.Now()
	require.NoError(t, s.store.Save(context.Background(), &models.ThrottleRecord{
		Identity: "203.0.113.5", Scope: "retired", Level: 1, ExpiresAt: now, LastBlockedAt: &now,
	}))

	rec := s.do(http.MethodGet, "/api/v1/throttles/retired/203.0.113.5", nil, testToken)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown throttle scope")
}

func TestForgiveLogOmitsIdentity(t *testing.T) {
	util.Init("test", "error", "console")
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)

	registry, err := throttle.NewRegistryWith(throttle.DefaultPolicies()...)
	require.NoError(t, err)
	store := memory.NewThrottleStore()
	engine := throttle.NewEngine(store, registry)

	router := chi.NewRouter()
	NewThrottleHandler(engine, sweeper.New(store, registry), logger).RegisterRoutes(router)

	req := httptest.NewRequest(http.MethodDelete, "/throttles/login/user:42", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	entries := logs.FilterMessage("Throttle record forgiven via HTTP").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "login", fields["scope"])
	for _, v := range fields {
		assert.NotEqual(t, "user:42", v)
	}
}

func TestSweepRoute(t *testing.T) {
	s := newTestServer(t, fixedHealth{})
	old := time.Now().Add(-48 * time.Hour)
	rec := models.NewThrottleRecord("u1", "login", models.RecordDefaults{Level: 1, ExpiresAt: old}, old)
	rec.LastBlockedAt = &old
	require.NoError(t, s.store.Save(context.Background(), rec))

	resp := s.do(http.MethodPost, "/api/v1/sweeps", nil, testToken)
	require.Equal(t, http.StatusOK, resp.Code)
	data := decode(t, resp)["data"].(map[string]interface{})
	assert.Equal(t, float64(1), data["deleted"])
	assert.Equal(t, 0, s.store.Len())
}

func TestNotFound(t *testing.T) {
	s := newTestServer(t, fixedHealth{})
	rec := s.do(http.MethodGet, "/nowhere", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

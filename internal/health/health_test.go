package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	up   = PingFunc(func(context.Context) error { return nil })
	down = PingFunc(func(context.Context) error { return errors.New("connection refused") })
)

func get(t *testing.T, fn http.HandlerFunc) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	fn(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestHealth_WithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	h := NewHandler(Config{Database: up, Redis: RedisPinger(client), Version: "1.2.3"})
	rec, body := get(t, h.Health)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "1.2.3", body["version"])
	services := body["services"].(map[string]interface{})
	assert.Equal(t, "up", services["redis"].(map[string]interface{})["status"])

	mr.Close()
	rec, body = get(t, h.Health)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", body["status"])
}

func TestReadiness_OnlyCriticalChecksCount(t *testing.T) {
	h := NewHandler(Config{Database: up, Storage: down})
	rec, body := get(t, h.Readiness)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ready"])

	rec, _ = get(t, h.Health)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h = NewHandler(Config{Database: down})
	rec, body = get(t, h.Readiness)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, false, body["ready"])
}

func TestReadiness_Draining(t *testing.T) {
	h := NewHandler(Config{Database: up})
	h.SetReady(false)
	rec, _ := get(t, h.Readiness)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec, body := get(t, h.Liveness)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["alive"])
}

func TestHealth_MissingDatabase(t *testing.T) {
	h := NewHandler(Config{})
	rec, body := get(t, h.Health)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	db := body["services"].(map[string]interface{})["database"].(map[string]interface{})
	assert.Equal(t, "not configured", db["error"])
}

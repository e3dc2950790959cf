package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(checks map[string]Pinger) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterHealthRoutes(r, NewHealthHandler("ledgerrelay", checks))
	return r
}

func get(t *testing.T, r *gin.Engine, path string) (int, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	r.ServeHTTP(w, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestHealth_LiveAndHealth(t *testing.T) {
	r := newRouter(nil)

	code, body := get(t, r, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ledgerrelay", body["data"].(map[string]any)["service"])

	code, body = get(t, r, "/health/live")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alive", body["data"].(map[string]any)["status"])
}

func TestHealth_ReadyAllOK(t *testing.T) {
	ok := PingerFunc(func(ctx context.Context) error { return nil })
	r := newRouter(map[string]Pinger{"outbox_store": ok, "broker": ok})

	code, body := get(t, r, "/health/ready")

	assert.Equal(t, http.StatusOK, code)
	checks := body["data"].(map[string]any)["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["outbox_store"])
	assert.Equal(t, "ok", checks["broker"])
}

func TestHealth_ReadyReportsFailingDependency(t *testing.T) {
	r := newRouter(map[string]Pinger{
		"outbox_store": PingerFunc(func(ctx context.Context) error { return nil }),
		"broker":       PingerFunc(func(ctx context.Context) error { return errors.New("connection refused") }),
	})

	code, body := get(t, r, "/health/ready")

	assert.Equal(t, http.StatusServiceUnavailable, code)
	details := body["error"].(map[string]any)["details"].(map[string]any)
	assert.Equal(t, "connection refused", details["broker"])
	assert.Equal(t, "ok", details["outbox_store"])
}

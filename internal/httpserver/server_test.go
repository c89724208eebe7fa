package httpserver

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	cfgpkg "github.com/taoyao-code/sfc-host/internal/config"
	appmetrics "github.com/taoyao-code/sfc-host/internal/metrics"
)

type pendingList []string

func (p pendingList) Pending() []string { return p }

func serve(srv *Server, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestHealthzReadyzMetrics(t *testing.T) {
	cfg := cfgpkg.HTTPConfig{Addr: ":0", ReadTimeout: time.Second, WriteTimeout: time.Second}
	handler := appmetrics.Handler(appmetrics.NewRegistry())
	srv := New(cfg, "/metrics", handler, pendingList(nil), nil)

	assert.Equal(t, http.StatusOK, serve(srv, "/healthz").Code)
	assert.Equal(t, http.StatusOK, serve(srv, "/readyz").Code)
	assert.Equal(t, http.StatusOK, serve(srv, "/metrics").Code)
}

func TestReadyz(t *testing.T) {
	cfg := cfgpkg.HTTPConfig{Addr: ":0"}
	tests := []struct {
		name  string
		ready Readiness
		code  int
		body  string
	}{
		{name: "未提供就绪来源", ready: nil, code: http.StatusOK, body: "ready"},
		{name: "全部就绪", ready: pendingList{}, code: http.StatusOK, body: "ready"},
		{name: "串口未识别", ready: pendingList{"sfc_link", "poll_loop"}, code: http.StatusServiceUnavailable,
			body: `{"ready":false,"pending":["sfc_link","poll_loop"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(New(cfg, "", nil, tt.ready, nil), "/readyz")
			assert.Equal(t, tt.code, rr.Code)
			if tt.code == http.StatusOK {
				assert.Equal(t, tt.body, rr.Body.String())
			} else {
				assert.JSONEq(t, tt.body, rr.Body.String())
			}
		})
	}
}

func TestEngineRoutes(t *testing.T) {
	srv := New(cfgpkg.HTTPConfig{Addr: ":0"}, "", nil, nil, nil)
	srv.Engine().GET("/api/v1/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	rr := serve(srv, "/api/v1/ping")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "pong", rr.Body.String())

	// 未挂 metrics handler 时不注册
	assert.Equal(t, http.StatusNotFound, serve(srv, "/metrics").Code)
}

func TestAccessLog(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	srv := New(cfgpkg.HTTPConfig{Addr: ":0"}, "", nil, nil, zap.New(core))
	srv.Engine().GET("/api/v1/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	serve(srv, "/healthz")
	serve(srv, "/api/v1/boom")

	entries := logs.All()
	if assert.Len(t, entries, 2) {
		assert.Equal(t, zapcore.DebugLevel, entries[0].Level, "探活请求只记 debug")
		assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
		assert.Equal(t, "/api/v1/boom", entries[1].ContextMap()["path"])
		assert.EqualValues(t, http.StatusInternalServerError, entries[1].ContextMap()["status"])
	}
}

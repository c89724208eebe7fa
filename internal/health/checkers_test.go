package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type detector bool

func (d detector) DeviceDetected() bool { return bool(d) }

type pollSource struct {
	last      time.Time
	suspended bool
}

func (p pollSource) LastTick() time.Time { return p.last }
func (p pollSource) Suspended() bool     { return p.suspended }

func TestDeviceChecker(t *testing.T) {
	assert.Equal(t, StatusHealthy, NewDeviceChecker(detector(true), "/dev/ttyACM0").Check(context.Background()).Status)

	res := NewDeviceChecker(detector(false), "/dev/ttyACM0").Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Equal(t, "/dev/ttyACM0", res.Details["port"])
}

func TestPollerChecker(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		src  pollSource
		want Status
	}{
		{name: "正常推进", src: pollSource{last: now.Add(-100 * time.Millisecond)}, want: StatusHealthy},
		{name: "尚未开始", src: pollSource{}, want: StatusDegraded},
		{name: "升级暂停", src: pollSource{last: now.Add(-time.Hour), suspended: true}, want: StatusDegraded},
		{name: "停滞", src: pollSource{last: now.Add(-time.Minute)}, want: StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewPollerChecker(tt.src, 5*time.Second)
			c.now = func() time.Time { return now }
			assert.Equal(t, tt.want, c.Check(context.Background()).Status)
		})
	}
}

func TestPoolStatus(t *testing.T) {
	assert.Equal(t, 0.0, utilization(3, 0))
	s, _ := poolStatus(utilization(1, 4))
	assert.Equal(t, StatusHealthy, s)
	s, _ = poolStatus(utilization(4, 4))
	assert.Equal(t, StatusDegraded, s)
}

func TestRegisterHTTPRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterHTTPRoutes(r, NewAggregator(NewDeviceChecker(detector(false), "x")))

	tests := []struct {
		path string
		code int
	}{
		{"/health", http.StatusServiceUnavailable},
		{"/health/ready", http.StatusServiceUnavailable},
		{"/health/live", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.code, rr.Code)
		})
	}
}

type updating bool

func (u updating) Running() bool { return bool(u) }

func TestFirmwareChecker(t *testing.T) {
	c := NewFirmwareChecker(updating(true))
	assert.Equal(t, "firmware", c.Name())
	assert.Equal(t, StatusDegraded, c.Check(context.Background()).Status)
	assert.Equal(t, StatusHealthy, NewFirmwareChecker(updating(false)).Check(context.Background()).Status)
}

func TestReadyRoute_ListsFailingLink(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	agg := NewAggregator(NewDeviceChecker(detector(false), "/dev/ttyACM0"), NewFirmwareChecker(updating(true)))
	RegisterHTTPRoutes(r, agg)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.JSONEq(t, `{"ready":false,"failing":["sfc_link"]}`, rr.Body.String())
}

func TestReadiness(t *testing.T) {
	r := New()
	assert.False(t, r.Ready())
	assert.Equal(t, []string{"sfc_link", "poll_loop"}, r.Pending())

	r.SetDeviceReady(true)
	assert.Equal(t, []string{"poll_loop"}, r.Pending(), "串口已识别，轮询未启动")

	r.SetPollReady(true)
	assert.True(t, r.Ready())
	assert.Empty(t, r.Pending())
}

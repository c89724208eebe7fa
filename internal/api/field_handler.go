package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/sfc-host/internal/outbound"
	"github.com/taoyao-code/sfc-host/internal/poller"
	"github.com/taoyao-code/sfc-host/internal/protocol/sfc"
	"github.com/taoyao-code/sfc-host/internal/telemetry"
)

// Poller 接口层需要的轮询器能力
type Poller interface {
	Store() *telemetry.Store
	State() poller.State
	Focus() poller.Focus
	SetFocus(poller.Focus) error
	Submit(poller.Job) <-chan error
	PendingJobs() int
	Suspended() bool
}

// History 单元历史记录查询
type History interface {
	MCTHistory(ctx context.Context, t sfc.Target, since time.Time, limit int) ([]telemetry.MCTRecord, error)
}

// JobWait 作业结果的最长等待时间，超时返回 202
const JobWait = 5 * time.Second

// FieldHandler 现场数据与控制命令
type FieldHandler struct {
	poller  Poller
	history History
	logger  *zap.Logger
	wait    time.Duration
}

// NewFieldHandler 创建 FieldHandler
func NewFieldHandler(p Poller, h History, logger *zap.Logger) *FieldHandler {
	return &FieldHandler{poller: p, history: h, logger: logger, wait: JobWait}
}

// GetField 当前快照与轮询状态
// GET /api/v1/field
func (h *FieldHandler) GetField(c *gin.Context) {
	f := h.poller.Focus()
	c.JSON(http.StatusOK, gin.H{
		"snapshot":    h.poller.Store().Snapshot(),
		"state":       h.poller.State().String(),
		"suspended":   h.poller.Suspended(),
		"pendingJobs": h.poller.PendingJobs(),
		"focus":       gin.H{"view": f.View.String(), "string": f.String, "mct": f.MCT},
	})
}

// GetMCT 单元最新记录
// GET /api/v1/strings/:str/mcts/:mct
func (h *FieldHandler) GetMCT(c *gin.Context) {
	t, ok := parseTarget(c)
	if !ok {
		return
	}
	rec, found := h.poller.Store().MCT(t)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "no data for " + t.Label()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// GetHistory 单元历史记录
// GET /api/v1/strings/:str/mcts/:mct/history?since=RFC3339&limit=N
func (h *FieldHandler) GetHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history storage disabled"})
		return
	}
	t, ok := parseTarget(c)
	if !ok {
		return
	}
	since := time.Now().Add(-24 * time.Hour)
	if s := c.Query("since"); s != "" {
		v, err := time.Parse(time.RFC3339, s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since"})
			return
		}
		since = v
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 1 || limit > 10000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}

	recs, err := h.history.MCTHistory(c.Request.Context(), t, since, limit)
	if err != nil {
		h.logger.Error("query mct history failed", zap.String("target", t.Label()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"target": t, "records": recs})
}

// FocusRequest 关注视图
type FocusRequest struct {
	View   string `json:"view" binding:"required"`
	String int    `json:"string"`
	MCT    int    `json:"mct"`
}

// PutFocus 设置操作端关注的视图
// PUT /api/v1/focus
func (h *FieldHandler) PutFocus(c *gin.Context) {
	var req FocusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	view, err := poller.ParseView(req.View)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	f := poller.Focus{View: view, String: req.String, MCT: req.MCT}
	if err := h.poller.SetFocus(f); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"view": view.String(), "string": f.String, "mct": f.MCT})
}

// ParamRequest 参数写入
type ParamRequest struct {
	Value   *int16 `json:"value" binding:"required"`
	MaxAddr byte   `json:"maxAddr"`
}

// WriteParam 写 MCT 参数
// POST /api/v1/strings/:str/mcts/:mct/params/:num
func (h *FieldHandler) WriteParam(c *gin.Context) {
	t, ok := parseTarget(c)
	if !ok {
		return
	}
	num, err := strconv.ParseUint(c.Param("num"), 10, 8)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid param number"})
		return
	}
	var req ParamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.submit(c, poller.ParamWriteJob{Target: t, Num: byte(num), Value: *req.Value, MaxAddr: req.MaxAddr})
}

// MirrorRequest 镜面命令；Mirror 取 1 或 2
type MirrorRequest struct {
	Mirror int    `json:"mirror" binding:"required,oneof=1 2"`
	Value  uint16 `json:"value"`
	Track  byte   `json:"track"`
}

func (r MirrorRequest) sel() byte {
	if r.Mirror == 2 {
		return sfc.Mirror2
	}
	return sfc.Mirror1
}

// WriteTarget 设置镜面目标位置
// POST /api/v1/strings/:str/mcts/:mct/target
func (h *FieldHandler) WriteTarget(c *gin.Context) {
	t, ok := parseTarget(c)
	if !ok {
		return
	}
	var req MirrorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.submit(c, poller.TargetWriteJob{Target: t, Mirror: req.sel(), Value: req.Value})
}

// SetTrack 切换跟踪模式
// POST /api/v1/strings/:str/mcts/:mct/track
func (h *FieldHandler) SetTrack(c *gin.Context) {
	t, ok := parseTarget(c)
	if !ok {
		return
	}
	var req MirrorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.submit(c, poller.TrackJob{Target: t, Mirror: req.sel(), Track: req.Track})
}

// RTCRequest 时钟同步；At 为空时取主机当前时间
type RTCRequest struct {
	At *time.Time `json:"at"`
}

// SyncRTC 设置 SFC 时钟
// POST /api/v1/rtc
func (h *FieldHandler) SyncRTC(c *gin.Context) {
	var req RTCRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	job := poller.RTCSyncJob{}
	if req.At != nil {
		job.At = *req.At
	}
	h.submit(c, job)
}

// Test 发送 SFC 测试命令
// POST /api/v1/test
func (h *FieldHandler) Test(c *gin.Context) {
	h.submit(c, poller.TestJob{})
}

// submit 排队作业并在 wait 内等待结果
func (h *FieldHandler) submit(c *gin.Context, job poller.Job) {
	done := h.poller.Submit(job)
	timer := time.NewTimer(h.wait)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			h.logger.Warn("job failed", zap.String("job", job.Kind()), zap.Error(err))
			c.JSON(jobStatus(err), gin.H{"job": job.Kind(), "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"job": job.Kind(), "status": "done"})
	case <-timer.C:
		c.JSON(http.StatusAccepted, gin.H{"job": job.Kind(), "status": "queued"})
	case <-c.Request.Context().Done():
		c.JSON(http.StatusAccepted, gin.H{"job": job.Kind(), "status": "queued"})
	}
}

func jobStatus(err error) int {
	switch {
	case errors.Is(err, poller.ErrJobRejected):
		return http.StatusConflict
	case errors.Is(err, outbound.ErrTimeout),
		errors.Is(err, outbound.ErrNoBusReply),
		errors.Is(err, outbound.ErrTransportFailure),
		errors.Is(err, outbound.ErrPIDMismatch),
		errors.Is(err, outbound.ErrChecksum):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// parseTarget 解析路径中的串号与单元地址，失败时已写入 400
func parseTarget(c *gin.Context) (sfc.Target, bool) {
	t, err := targetFrom(c.Param("str"), c.Param("mct"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return sfc.Target{}, false
	}
	return t, true
}

func targetFrom(str, mct string) (sfc.Target, error) {
	s, err := strconv.Atoi(str)
	if err != nil {
		return sfc.Target{}, fmt.Errorf("invalid string %q", str)
	}
	m, err := strconv.Atoi(mct)
	if err != nil {
		return sfc.Target{}, fmt.Errorf("invalid mct %q", mct)
	}
	t := sfc.Target{String: s, MCT: m}
	if err := t.Valid(); err != nil {
		return t, err
	}
	if t.MCT < 1 {
		return t, fmt.Errorf("mct must be >= 1")
	}
	return t, nil
}

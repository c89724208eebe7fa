package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/sfc-host/internal/firmware"
	"github.com/taoyao-code/sfc-host/internal/protocol/sfc"
)

// MaxImageSize 上传镜像的大小上限
const MaxImageSize = 1 << 20

// Updater 固件升级器
type Updater interface {
	Run(ctx context.Context, req firmware.Request) (firmware.Run, error)
	Running() bool
	Last() (firmware.Run, bool)
}

// RunLister 升级记录查询
type RunLister interface {
	ListRuns(ctx context.Context, target *sfc.Target, limit int) ([]firmware.Run, error)
}

// FirmwareHandler 固件升级接口
type FirmwareHandler struct {
	ctx     context.Context
	updater Updater
	runs    RunLister
	logger  *zap.Logger
}

// NewFirmwareHandler 创建 FirmwareHandler；升级在 ctx 下后台执行
func NewFirmwareHandler(ctx context.Context, u Updater, runs RunLister, logger *zap.Logger) *FirmwareHandler {
	return &FirmwareHandler{ctx: ctx, updater: u, runs: runs, logger: logger}
}

// Start 上传 S-record 镜像并启动升级
// POST /api/v1/firmware  (multipart: image, string, mct, kind)
func (h *FirmwareHandler) Start(c *gin.Context) {
	t, err := targetFrom(c.PostForm("string"), c.PostForm("mct"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	kind, err := firmware.ParseKind(c.DefaultPostForm("kind", "master"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	fh, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file required"})
		return
	}
	if fh.Size > MaxImageSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	data, err := io.ReadAll(io.LimitReader(f, MaxImageSize))
	_ = f.Close()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	// 先整体校验一遍，格式错误直接返回 400
	if _, err := firmware.ReadAll(bytes.NewReader(data)); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if h.updater.Running() {
		c.JSON(http.StatusConflict, gin.H{"error": firmware.ErrUpdateInProgress.Error()})
		return
	}

	req := firmware.Request{Target: t, Kind: kind, Image: bytes.NewReader(data), Name: fh.Filename}
	go func() {
		run, err := h.updater.Run(h.ctx, req)
		switch {
		case errors.Is(err, firmware.ErrUpdateInProgress):
			h.logger.Warn("firmware update rejected", zap.String("target", t.Label()), zap.Error(err))
		case err != nil:
			h.logger.Error("firmware update failed", zap.String("run_id", run.ID), zap.Error(err))
		}
	}()

	h.logger.Info("firmware update accepted",
		zap.String("target", t.Label()), zap.String("kind", kind.String()),
		zap.String("image", fh.Filename), zap.Int("bytes", len(data)))
	c.JSON(http.StatusAccepted, gin.H{"status": "started", "target": t, "kind": kind.String(), "image": fh.Filename})
}

// Status 当前或最近一次升级
// GET /api/v1/firmware
func (h *FirmwareHandler) Status(c *gin.Context) {
	run, ok := h.updater.Last()
	resp := gin.H{"running": h.updater.Running()}
	if ok {
		resp["last"] = run
	}
	c.JSON(http.StatusOK, resp)
}

// ListRuns 历史升级记录
// GET /api/v1/firmware/runs?string=&mct=&limit=
func (h *FirmwareHandler) ListRuns(c *gin.Context) {
	if h.runs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "run storage disabled"})
		return
	}
	var target *sfc.Target
	if s, m := c.Query("string"), c.Query("mct"); s != "" || m != "" {
		t, err := targetFrom(s, m)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		target = &t
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	runs, err := h.runs.ListRuns(c.Request.Context(), target, limit)
	if err != nil {
		h.logger.Error("list firmware runs failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list runs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

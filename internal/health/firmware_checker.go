package health

import (
	"context"
	"time"
)

// UpdateSource 固件升级器
type UpdateSource interface {
	Running() bool
}

// FirmwareChecker 升级进行中时降级：轮询暂停，单元可能停在引导程序
type FirmwareChecker struct {
	src UpdateSource
}

func NewFirmwareChecker(src UpdateSource) *FirmwareChecker {
	return &FirmwareChecker{src: src}
}

func (c *FirmwareChecker) Name() string { return "firmware" }

func (c *FirmwareChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	if c.src.Running() {
		return CheckResult{Status: StatusDegraded, Message: "firmware update in progress", Latency: time.Since(start)}
	}
	return CheckResult{Status: StatusHealthy, Message: "idle", Latency: time.Since(start)}
}

package health

import (
	"context"
	"time"
)

// Detector 能报告 SFC 是否在线的组件（transport / executor）
type Detector interface {
	DeviceDetected() bool
}

// DeviceChecker SFC 串口链路检查：设备掉线后轮询与升级都无法进行
type DeviceChecker struct {
	det  Detector
	port string
}

// NewDeviceChecker port 只用于展示
func NewDeviceChecker(det Detector, port string) *DeviceChecker {
	return &DeviceChecker{det: det, port: port}
}

func (c *DeviceChecker) Name() string { return "sfc_link" }

func (c *DeviceChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	details := map[string]any{"port": c.port}
	if !c.det.DeviceDetected() {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "sfc not detected on serial link",
			Details: details,
			Latency: time.Since(start),
		}
	}
	return CheckResult{Status: StatusHealthy, Message: "ok", Details: details, Latency: time.Since(start)}
}

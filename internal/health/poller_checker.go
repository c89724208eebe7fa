package health

import (
	"context"
	"time"
)

// PollSource 轮询调度器的运行状态
type PollSource interface {
	LastTick() time.Time
	Suspended() bool
}

// PollerChecker 轮询是否仍在推进。
// 暂停（固件升级）或尚未完成首个 tick 为降级；超过 maxAge 没有 tick 为不健康。
type PollerChecker struct {
	src    PollSource
	maxAge time.Duration
	now    func() time.Time
}

func NewPollerChecker(src PollSource, maxAge time.Duration) *PollerChecker {
	return &PollerChecker{src: src, maxAge: maxAge, now: time.Now}
}

func (c *PollerChecker) Name() string { return "poll_loop" }

func (c *PollerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	last := c.src.LastTick()
	details := map[string]any{"suspended": c.src.Suspended()}
	if !last.IsZero() {
		details["last_tick"] = last
	}

	result := CheckResult{Status: StatusHealthy, Message: "ok", Details: details}
	switch {
	case c.src.Suspended():
		result.Status, result.Message = StatusDegraded, "polling suspended"
	case last.IsZero():
		result.Status, result.Message = StatusDegraded, "no tick yet"
	case c.maxAge > 0 && c.now().Sub(last) > c.maxAge:
		result.Status, result.Message = StatusUnhealthy, "polling stalled"
		details["age"] = c.now().Sub(last).String()
	}
	result.Latency = time.Since(start)
	return result
}

package outbound

import (
	"context"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Pacer 基于 Token Bucket 的发送节流，控制打到 SFC 的事务速率
type Pacer struct {
	limiter    *rate.Limiter
	ratePerSec int
	burst      int
	waited     atomic.Int64
}

// NewPacer ratePerSec<=0 时返回 nil（不节流）
func NewPacer(ratePerSec int, burst int) *Pacer {
	if ratePerSec <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &Pacer{
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), burst),
		ratePerSec: ratePerSec,
		burst:      burst,
	}
}

// Wait 阻塞直到允许发送；nil Pacer 直接放行
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	p.waited.Add(1)
	return nil
}

// PacerStats 节流统计
type PacerStats struct {
	RatePerSecond int   `json:"rate_per_second"`
	Burst         int   `json:"burst"`
	PacedTotal    int64 `json:"paced_total"`
}

// Stats 获取统计信息
func (p *Pacer) Stats() PacerStats {
	if p == nil {
		return PacerStats{}
	}
	return PacerStats{RatePerSecond: p.ratePerSec, Burst: p.burst, PacedTotal: p.waited.Load()}
}

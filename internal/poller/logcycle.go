package poller

import (
	"context"
	"errors"
	"slices"

	"go.uber.org/zap"

	"github.com/taoyao-code/sfc-host/internal/protocol/sfc"
	"github.com/taoyao-code/sfc-host/internal/telemetry"
)

// logCycle 按两个独立周期把遥测写入 sink。
// MCT 记录只在完整轮询过一遍（dataValid）后写出，写出后清除 dataValid 和待写记录，
// 已不在轮询范围内的单元不会被重复写出。
func (p *Poller) logCycle(ctx context.Context) {
	if p.sink == nil {
		return
	}
	now := p.now()

	if p.cfg.MCTLogInterval > 0 && p.dataValid && now.Sub(p.lastMCTLog) >= p.cfg.MCTLogInterval {
		recs := p.pendingRecords()
		clear(p.pending)
		p.lastMCTLog = now
		p.dataValid = false
		if len(recs) > 0 {
			if err := p.sink.WriteMCT(ctx, recs); err != nil {
				p.sinkFailed("mct", err)
			}
		}
	}

	if p.cfg.SFCLogInterval > 0 && !p.sfcRec.At.IsZero() && now.Sub(p.lastSFCLog) >= p.cfg.SFCLogInterval {
		p.lastSFCLog = now
		if err := p.sink.WriteSFC(ctx, p.sfcRec); err != nil {
			p.sinkFailed("sfc", err)
		}
	}
}

// pendingRecords 最近一轮采集到的单元记录，按串号、地址排序
func (p *Poller) pendingRecords() []telemetry.MCTRecord {
	keys := make([]sfc.Target, 0, len(p.pending))
	for k := range p.pending {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b sfc.Target) int {
		if a.String != b.String {
			return a.String - b.String
		}
		return a.MCT - b.MCT
	})
	out := make([]telemetry.MCTRecord, len(keys))
	for i, k := range keys {
		out[i] = p.pending[k]
	}
	return out
}

func (p *Poller) sinkFailed(kind string, err error) {
	p.log.Warn("telemetry write failed", zap.String("kind", kind), zap.Error(err))
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		for _, e := range joined.Unwrap() {
			p.sinkErrorMetric(e)
		}
		return
	}
	p.sinkErrorMetric(err)
}

func (p *Poller) sinkErrorMetric(err error) {
	var se *telemetry.SinkError
	if errors.As(err, &se) {
		p.metrics.SinkError(se.Sink)
		return
	}
	p.metrics.SinkError(p.sink.Name())
}

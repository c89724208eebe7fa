package poller

import (
	"context"
	"errors"
	"maps"
	"slices"

	"go.uber.org/zap"

	"github.com/taoyao-code/sfc-host/internal/outbound"
	"github.com/taoyao-code/sfc-host/internal/protocol/sfc"
	"github.com/taoyao-code/sfc-host/internal/telemetry"
)

// State 轮询状态
type State int32

const (
	StateFieldState State = iota
	StateFCE
	StateRTU
	StateSFCTemp
	StateStringInfo
	StatePerMCT
)

func (s State) String() string {
	switch s {
	case StateFieldState:
		return "field_state"
	case StateFCE:
		return "fce"
	case StateRTU:
		return "rtu"
	case StateSFCTemp:
		return "sfc_temp"
	case StateStringInfo:
		return "string_info"
	case StatePerMCT:
		return "per_mct"
	default:
		return "unknown"
	}
}

// State 当前轮询状态
func (p *Poller) State() State { return State(p.published.Load()) }

// positionReply POSN 应答负载：镜面选择 + int32
var positionReply = outbound.ReplyLen(5)

// step 执行当前状态；传输失败时停留在原状态，由下一个 tick 重试
func (p *Poller) step(ctx context.Context) {
	st := p.state
	p.metrics.PollState(st.String())

	var err error
	switch st {
	case StateFieldState:
		err = p.pollFieldState(ctx)
	case StateFCE:
		err = p.pollFCE(ctx)
	case StateRTU:
		err = p.pollRTU(ctx)
	case StateSFCTemp:
		err = p.pollClimate(ctx)
	case StateStringInfo:
		err = p.pollString(ctx, p.str)
	case StatePerMCT:
		if p.sweepIdx < len(p.sweep) {
			err = p.pollMCT(ctx, p.sweep[p.sweepIdx])
		}
	}
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, outbound.ErrTransportFailure) {
			p.log.Debug("poll deferred", zap.String("state", st.String()), zap.Error(err))
			return
		}
		p.log.Warn("poll failed", zap.String("state", st.String()), zap.Int("string", p.str), zap.Error(err))
	}
	p.advance()
}

func (p *Poller) setState(s State) {
	p.state = s
	p.published.Store(int32(s))
}

func (p *Poller) advance() {
	switch p.state {
	case StateFieldState:
		p.setState(StateFCE)
	case StateFCE:
		p.setState(StateRTU)
	case StateRTU:
		p.setState(StateSFCTemp)
	case StateSFCTemp:
		p.str = 0
		p.setState(StateStringInfo)
	case StateStringInfo:
		if p.str < sfc.MaxStrings-1 {
			p.str++
			return
		}
		p.sweep, p.sweepIdx = p.targets(), 0
		if len(p.sweep) == 0 {
			p.completeSweep()
			return
		}
		p.setState(StatePerMCT)
	case StatePerMCT:
		p.sweepIdx++
		if p.sweepIdx >= len(p.sweep) {
			p.completeSweep()
		}
	}
}

func (p *Poller) completeSweep() {
	p.dataValid = true
	p.store.SetDataValid(true)
	p.metrics.PollCycle()
	p.setState(StateFieldState)
}

// targets 本轮需要轮询的单元：串内有单元、在记录列表内且标志非 0
func (p *Poller) targets() []sfc.Target {
	var out []sfc.Target
	for s := 0; s < sfc.MaxStrings; s++ {
		for a := 1; a <= p.units[s] && a <= sfc.MaxUnits; a++ {
			if p.logEnabled(s, a) {
				out = append(out, sfc.Target{String: s, MCT: a})
			}
		}
	}
	return out
}

func (p *Poller) logEnabled(str, addr int) bool {
	if list, ok := p.cfg.LogUnits[str]; ok && !slices.Contains(list, addr) {
		return false
	}
	if f := p.flags[str]; len(f) >= addr && f[addr-1] == 0 {
		return false
	}
	return true
}

// decode 解码失败的应答静默丢弃，只记调试日志和指标
func (p *Poller) decode(f sfc.Frame) sfc.Reading {
	r, err := sfc.Decode(f, p.names)
	if err != nil {
		if errors.Is(err, sfc.ErrMalformed) {
			p.metrics.Malformed(sfc.CommandName(sfc.LevelUSB, f.Cmd()))
		}
		p.log.Debug("response discarded", zap.String("frame", f.Hex()), zap.Error(err))
		return nil
	}
	return r
}

// busValue 转发应答里的总线读数
func (p *Poller) busValue(f sfc.Frame) sfc.Reading {
	if br, ok := p.decode(f).(sfc.BusReply); ok {
		return br.Value
	}
	return nil
}

func (p *Poller) query(ctx context.Context, f sfc.Frame) (sfc.Reading, error) {
	resp, err := p.ex.Execute(ctx, f, true)
	if err != nil {
		return nil, err
	}
	return p.decode(resp), nil
}

func (p *Poller) updateSFC(apply func(*telemetry.SFCRecord)) {
	apply(&p.sfcRec)
	p.sfcRec.At = p.now()
	p.store.UpdateSFC(p.sfcRec)
}

func (p *Poller) pollFieldState(ctx context.Context) error {
	r, err := p.query(ctx, sfc.FieldState())
	if err != nil {
		return err
	}
	if fs, ok := r.(sfc.FieldStatus); ok {
		p.units = fs.Units
		p.updateSFC(func(rec *telemetry.SFCRecord) {
			rec.Field = &fs
			rec.Strings = fs.Units
		})
	}
	return nil
}

func (p *Poller) pollFCE(ctx context.Context) error {
	r, err := p.query(ctx, sfc.GetFCE())
	if err != nil {
		return err
	}
	if v, ok := r.(sfc.FCEIO); ok {
		p.updateSFC(func(rec *telemetry.SFCRecord) { rec.FCE = &v })
	}
	return nil
}

func (p *Poller) pollRTU(ctx context.Context) error {
	r, err := p.query(ctx, sfc.GetRTU())
	if err != nil {
		return err
	}
	if v, ok := r.(sfc.RTU); ok {
		p.updateSFC(func(rec *telemetry.SFCRecord) { rec.RTU = &v })
	}
	return nil
}

func (p *Poller) pollClimate(ctx context.Context) error {
	r, err := p.query(ctx, sfc.Desiccant())
	if err != nil {
		return err
	}
	if v, ok := r.(sfc.SFCClimate); ok {
		p.updateSFC(func(rec *telemetry.SFCRecord) { rec.Climate = &v })
	}
	return nil
}

func (p *Poller) pollString(ctx context.Context, str int) error {
	r, err := p.query(ctx, sfc.GetString(str))
	if err != nil {
		return err
	}
	if si, ok := r.(sfc.StringInfo); ok && si.String == str {
		p.units[str] = si.Units
		p.flags[str] = si.Flags
		p.updateSFC(func(rec *telemetry.SFCRecord) { rec.Strings[str] = si.Units })
	}
	return nil
}

// pollMCT 通道值、跟踪状态与两面镜子的位置
func (p *Poller) pollMCT(ctx context.Context, t sfc.Target) error {
	rec := p.recordFor(t)

	r, err := p.query(ctx, sfc.GetChan(t))
	if err != nil {
		return err
	}
	if ch, ok := r.(sfc.Channels); ok {
		setChannels(&rec, ch)
	}

	r, err = p.query(ctx, sfc.GetMirrors(t))
	if err != nil {
		return err
	}
	if m, ok := r.(sfc.Mirrors); ok {
		rec.Mirrors = &m
	}

	for i, sel := range []byte{sfc.Mirror1, sfc.Mirror2} {
		resp, err := p.ex.Forward(ctx, sfc.PosnRead(t, sel), positionReply)
		if err != nil {
			if errors.Is(err, outbound.ErrNoBusReply) || errors.Is(err, outbound.ErrTimeout) {
				p.log.Debug("position unavailable", zap.Int("string", t.String), zap.Int("mct", t.MCT), zap.Error(err))
				continue
			}
			return err
		}
		if pos, ok := p.busValue(resp).(sfc.Position); ok {
			rec.Position[i] = &pos
		}
	}

	rec.At = p.now()
	p.store.UpdateMCT(rec)
	p.pending[t] = rec
	return nil
}

// setChannels 原始通道值与按 RTD 解释的温度
func setChannels(rec *telemetry.MCTRecord, ch sfc.Channels) {
	rec.Channels = ch.Raw
	rec.Temps = make([]int, len(ch.Raw))
	for i := range ch.Raw {
		rec.Temps[i] = ch.Temp(i)
	}
}

// recordFor 取单元现有记录的副本，map 复制后再修改
func (p *Poller) recordFor(t sfc.Target) telemetry.MCTRecord {
	rec, ok := p.store.MCT(t)
	if !ok {
		return telemetry.MCTRecord{String: t.String, MCT: t.MCT}
	}
	rec.Params = maps.Clone(rec.Params)
	rec.Extra = maps.Clone(rec.Extra)
	return rec
}

// mergeMCT 在现有记录上应用修改并写回快照
func (p *Poller) mergeMCT(t sfc.Target, apply func(*telemetry.MCTRecord)) {
	rec := p.recordFor(t)
	apply(&rec)
	rec.At = p.now()
	p.store.UpdateMCT(rec)
}

package poller

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/taoyao-code/sfc-host/internal/outbound"
	"github.com/taoyao-code/sfc-host/internal/protocol/sfc"
	"github.com/taoyao-code/sfc-host/internal/telemetry"
)

// View 外部选择的关注视图
type View int

const (
	ViewNone View = iota
	ViewString
	ViewMCT
	ViewFirmware
	ViewParams
)

var viewNames = map[View]string{
	ViewNone:     "none",
	ViewString:   "string",
	ViewMCT:      "mct",
	ViewFirmware: "firmware",
	ViewParams:   "params",
}

func (v View) String() string {
	if s, ok := viewNames[v]; ok {
		return s
	}
	return fmt.Sprintf("view(%d)", int(v))
}

// ParseView 按名称解析视图（大小写不敏感）
func ParseView(s string) (View, error) {
	for v, name := range viewNames {
		if strings.EqualFold(s, name) {
			return v, nil
		}
	}
	return ViewNone, fmt.Errorf("unknown view %q", s)
}

// ErrInvalidFocus 关注目标超出串号/地址范围
var ErrInvalidFocus = errors.New("invalid focus")

// Focus 当前关注的上下文，由外部（操作端）提供
type Focus struct {
	View   View `json:"view"`
	String int  `json:"string"`
	MCT    int  `json:"mct"`
}

// Active 是否需要关注调度
func (f Focus) Active() bool { return f.View != ViewNone }

// Target 关注的单元
func (f Focus) Target() sfc.Target { return sfc.Target{String: f.String, MCT: f.MCT} }

// Validate 串视图只要求串号合法，单元视图要求地址合法
func (f Focus) Validate() error {
	switch f.View {
	case ViewNone:
		return nil
	case ViewString:
		if f.String < 0 || f.String >= sfc.MaxStrings {
			return fmt.Errorf("%w: string %d", ErrInvalidFocus, f.String)
		}
		return nil
	case ViewMCT, ViewFirmware, ViewParams:
		if err := f.Target().Valid(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidFocus, err)
		}
		if f.MCT < 1 {
			return fmt.Errorf("%w: mct address %d", ErrInvalidFocus, f.MCT)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrInvalidFocus, f.View)
	}
}

// SetFocus 替换关注上下文，轮转从头开始
func (p *Poller) SetFocus(f Focus) error {
	if err := f.Validate(); err != nil {
		return err
	}
	p.focusMu.Lock()
	p.focus = f
	p.focusIdx = 0
	p.focusMu.Unlock()
	p.log.Info("focus changed", zap.String("view", f.View.String()), zap.Int("string", f.String), zap.Int("mct", f.MCT))
	return nil
}

// Focus 当前关注上下文
func (p *Poller) Focus() Focus {
	p.focusMu.Lock()
	defer p.focusMu.Unlock()
	return p.focus
}

// nextFocusIndex 轮转到下一个请求；关注上下文变化后从 0 开始
func (p *Poller) nextFocusIndex(f Focus, n int) int {
	p.focusMu.Lock()
	defer p.focusMu.Unlock()
	if p.focus != f || n == 0 {
		return -1
	}
	i := p.focusIdx % n
	p.focusIdx = i + 1
	return i
}

type focusRequest func(ctx context.Context) error

// focusStep 在关注视图的请求列表里轮转执行一个
func (p *Poller) focusStep(ctx context.Context, f Focus) {
	reqs := p.focusRequests(f)
	i := p.nextFocusIndex(f, len(reqs))
	if i < 0 {
		return
	}
	p.metrics.PollState("focus_" + f.View.String())
	if err := reqs[i](ctx); err != nil && ctx.Err() == nil {
		p.log.Debug("focus poll failed", zap.String("view", f.View.String()), zap.Int("request", i), zap.Error(err))
	}
}

func (p *Poller) focusRequests(f Focus) []focusRequest {
	t := f.Target()
	switch f.View {
	case ViewString:
		reqs := []focusRequest{
			func(ctx context.Context) error { return p.pollString(ctx, f.String) },
			func(ctx context.Context) error { return p.pollVersion(ctx, f.String) },
		}
		for a := 1; a <= p.units[f.String]; a++ {
			u := sfc.Target{String: f.String, MCT: a}
			reqs = append(reqs, func(ctx context.Context) error { return p.pollMirrors(ctx, u) })
		}
		return reqs

	case ViewMCT:
		return []focusRequest{
			func(ctx context.Context) error { return p.pollChannels(ctx, t) },
			func(ctx context.Context) error { return p.pollMirrors(ctx, t) },
			func(ctx context.Context) error { return p.pollPosition(ctx, t, sfc.Mirror1, false) },
			func(ctx context.Context) error { return p.pollPosition(ctx, t, sfc.Mirror2, false) },
			func(ctx context.Context) error { return p.pollPosition(ctx, t, sfc.Mirror1, true) },
			func(ctx context.Context) error { return p.pollPosition(ctx, t, sfc.Mirror2, true) },
		}

	case ViewFirmware:
		return []focusRequest{
			func(ctx context.Context) error { return p.pollVersion(ctx, f.String) },
			func(ctx context.Context) error { return p.pollMCTVersion(ctx, t, sfc.SelectMaster) },
			func(ctx context.Context) error { return p.pollMCTVersion(ctx, t, sfc.SelectSlave) },
		}

	case ViewParams:
		defs := p.names.Params()
		reqs := make([]focusRequest, 0, len(defs))
		for _, d := range defs {
			num := d.Num
			reqs = append(reqs, func(ctx context.Context) error { return p.pollParam(ctx, t, num) })
		}
		return reqs
	}
	return nil
}

func (p *Poller) pollVersion(ctx context.Context, str int) error {
	r, err := p.query(ctx, sfc.GetVString(str))
	if err != nil {
		return err
	}
	if v, ok := r.(sfc.Version); ok {
		p.updateSFC(func(rec *telemetry.SFCRecord) { rec.Versions[str] = v.Text })
	}
	return nil
}

func (p *Poller) pollChannels(ctx context.Context, t sfc.Target) error {
	r, err := p.query(ctx, sfc.GetChan(t))
	if err != nil {
		return err
	}
	if ch, ok := r.(sfc.Channels); ok {
		p.mergeMCT(t, func(rec *telemetry.MCTRecord) { setChannels(rec, ch) })
	}
	return nil
}

func (p *Poller) pollMirrors(ctx context.Context, t sfc.Target) error {
	r, err := p.query(ctx, sfc.GetMirrors(t))
	if err != nil {
		return err
	}
	if m, ok := r.(sfc.Mirrors); ok {
		p.mergeMCT(t, func(rec *telemetry.MCTRecord) { rec.Mirrors = &m })
	}
	return nil
}

func (p *Poller) pollPosition(ctx context.Context, t sfc.Target, sel byte, target bool) error {
	build := sfc.PosnRead(t, sel)
	if target {
		build = sfc.TargetRead(t, sel)
	}
	resp, err := p.ex.Forward(ctx, build, positionReply)
	if err != nil {
		return err
	}
	pos, ok := p.busValue(resp).(sfc.Position)
	if !ok {
		return nil
	}
	i := 0
	if sel == sfc.Mirror2 {
		i = 1
	}
	p.mergeMCT(t, func(rec *telemetry.MCTRecord) {
		if target {
			rec.Target[i] = &pos
		} else {
			rec.Position[i] = &pos
		}
	})
	return nil
}

func (p *Poller) pollMCTVersion(ctx context.Context, t sfc.Target, which byte) error {
	resp, err := p.ex.Forward(ctx, sfc.MCTGetString(t, which), outbound.ReplyLen(1))
	if err != nil {
		return err
	}
	v, ok := p.busValue(resp).(sfc.Version)
	if !ok {
		return nil
	}
	key := "masterVersion"
	if which == sfc.SelectSlave {
		key = "slaveVersion"
	}
	p.mergeMCT(t, func(rec *telemetry.MCTRecord) {
		if rec.Extra == nil {
			rec.Extra = make(map[string]string)
		}
		rec.Extra[key] = v.Text
	})
	return nil
}

func (p *Poller) pollParam(ctx context.Context, t sfc.Target, num byte) error {
	resp, err := p.ex.Forward(ctx, sfc.ParamRead(t, num), outbound.ReplyLen(3))
	if err != nil {
		return err
	}
	if pr, ok := p.busValue(resp).(sfc.Param); ok && pr.Num == num {
		p.storeParam(t, pr)
	}
	return nil
}

func (p *Poller) storeParam(t sfc.Target, pr sfc.Param) {
	p.mergeMCT(t, func(rec *telemetry.MCTRecord) {
		if rec.Params == nil {
			rec.Params = make(map[byte]int16)
		}
		rec.Params[pr.Num] = pr.Value
	})
}

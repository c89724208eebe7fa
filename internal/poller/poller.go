package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/sfc-host/internal/metrics"
	"github.com/taoyao-code/sfc-host/internal/names"
	"github.com/taoyao-code/sfc-host/internal/protocol/sfc"
	"github.com/taoyao-code/sfc-host/internal/telemetry"
)

// Executor 轮询使用的事务执行器（避免依赖具体实现）
type Executor interface {
	Execute(ctx context.Context, f sfc.Frame, expectResponse bool) (sfc.Frame, error)
	Forward(ctx context.Context, build sfc.Builder, minReply int) (sfc.Frame, error)
	DeviceDetected() bool
}

// Config 轮询与记录周期
type Config struct {
	// Interval tick 间隔，上一个 tick 完成后才重新计时
	Interval time.Duration
	// MCTLogInterval / SFCLogInterval 两个独立的记录周期
	MCTLogInterval time.Duration
	SFCLogInterval time.Duration
	// LogUnits 每串需要记录的单元地址；没有列出的串记录全部单元
	LogUnits map[int][]int
}

// DefaultConfig 50ms tick，MCT 每分钟、SFC 每 5 分钟记录一次
func DefaultConfig() Config {
	return Config{
		Interval:       50 * time.Millisecond,
		MCTLogInterval: time.Minute,
		SFCLogInterval: 5 * time.Minute,
	}
}

// Poller 轮询调度器：每个 tick 先执行一个排队作业，再推进一个轮询状态
type Poller struct {
	cfg     Config
	ex      Executor
	store   *telemetry.Store
	sink    telemetry.Sink
	names   *names.Tables
	log     *zap.Logger
	metrics *metrics.AppMetrics
	now     func() time.Time

	// sem 同时只有一个 tick 在执行；Suspend 借它等待在途 tick 结束
	sem       chan struct{}
	suspended atomic.Bool
	lastTick  atomic.Int64
	published atomic.Int32

	jobs *jobQueue

	focusMu  sync.Mutex
	focus    Focus
	focusIdx int

	// 以下字段只在 tick 内访问
	state      State
	str        int
	sweep      []sfc.Target
	sweepIdx   int
	units      [sfc.MaxStrings]int
	flags      [sfc.MaxStrings][]byte
	sfcRec     telemetry.SFCRecord
	pending    map[sfc.Target]telemetry.MCTRecord
	dataValid  bool
	focusTurn  bool
	lastMCTLog time.Time
	lastSFCLog time.Time
}

// New 创建轮询器。sink、tables、log、m 都可以为 nil。
func New(ex Executor, store *telemetry.Store, sink telemetry.Sink, tables *names.Tables, cfg Config, log *zap.Logger, m *metrics.AppMetrics) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if log == nil {
		log = zap.NewNop()
	}
	if store == nil {
		store = telemetry.NewStore()
	}
	return &Poller{
		cfg:     cfg,
		ex:      ex,
		store:   store,
		sink:    sink,
		names:   tables,
		log:     log.Named("poller"),
		metrics: m,
		now:     time.Now,
		sem:     make(chan struct{}, 1),
		jobs:    newJobQueue(),
		pending: make(map[sfc.Target]telemetry.MCTRecord),
	}
}

// Store 遥测快照
func (p *Poller) Store() *telemetry.Store { return p.store }

// Run 周期执行 Tick，直到 ctx 结束
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info("poller started", zap.Duration("interval", p.cfg.Interval),
		zap.Duration("mct_log_interval", p.cfg.MCTLogInterval),
		zap.Duration("sfc_log_interval", p.cfg.SFCLogInterval))

	timer := time.NewTimer(p.cfg.Interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			p.log.Info("poller stopped", zap.String("state", p.State().String()))
			return nil
		case <-timer.C:
			p.Tick(ctx)
			timer.Reset(p.cfg.Interval)
		}
	}
}

// Tick 执行一个 tick：一个作业、一个轮询状态、一次记录检查
func (p *Poller) Tick(ctx context.Context) {
	if p.suspended.Load() {
		return
	}
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-p.sem }()
	if p.suspended.Load() {
		return
	}
	defer func() { p.lastTick.Store(p.now().UnixNano()) }()

	p.metrics.SetDeviceDetected(p.ex.DeviceDetected())
	p.runJob(ctx)

	if f := p.Focus(); f.Active() && p.focusTurn {
		p.focusStep(ctx, f)
		p.focusTurn = false
	} else {
		p.step(ctx)
		p.focusTurn = f.Active()
	}
	p.logCycle(ctx)
}

// Suspend 停止轮询（固件升级期间），等待在途 tick 结束后返回
func (p *Poller) Suspend(ctx context.Context) error {
	p.suspended.Store(true)
	select {
	case p.sem <- struct{}{}:
		<-p.sem
		p.log.Info("poller suspended")
		return nil
	case <-ctx.Done():
		p.suspended.Store(false)
		return ctx.Err()
	}
}

// Resume 恢复轮询
func (p *Poller) Resume() {
	if p.suspended.Swap(false) {
		p.log.Info("poller resumed")
	}
}

// Suspended 是否处于升级暂停
func (p *Poller) Suspended() bool { return p.suspended.Load() }

// LastTick 最近一次完成 tick 的时间，从未执行返回零值
func (p *Poller) LastTick() time.Time {
	n := p.lastTick.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

package outbound

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/sfc-host/internal/metrics"
	"github.com/taoyao-code/sfc-host/internal/protocol/sfc"
	"github.com/taoyao-code/sfc-host/internal/transport"
)

var (
	// ErrTransportFailure 发送失败或设备不在，不在执行器内重试
	ErrTransportFailure = errors.New("transport failure")
	// ErrPIDMismatch 应答事务号与请求不符
	ErrPIDMismatch = errors.New("pid mismatch")
	// ErrTimeout 所有尝试都没有等到匹配的应答
	ErrTimeout = errors.New("transaction timeout")
	// ErrChecksum 开启校验时应答校验失败
	ErrChecksum = errors.New("response checksum mismatch")
)

// Config 事务参数
type Config struct {
	MaxAttempts     int
	WaitCycles      int
	WaitCycle       time.Duration
	BusPolls        int
	BusPollInterval time.Duration
	VerifyChecksum  bool
}

// DefaultConfig 3 次尝试，每次等待 200×1ms，转发后最多取回 500 次
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		WaitCycles:      200,
		WaitCycle:       time.Millisecond,
		BusPolls:        500,
		BusPollInterval: time.Millisecond,
	}
}

func (c Config) window() time.Duration {
	return time.Duration(c.WaitCycles) * c.WaitCycle
}

// Executor 单飞事务执行器：同一时刻只有一个事务在途
type Executor struct {
	cfg     Config
	tr      transport.Transport
	log     *zap.Logger
	metrics *metrics.AppMetrics
	pacer   *Pacer

	mu  sync.Mutex
	pid atomic.Uint32
}

// NewExecutor 创建执行器。log、m 可以为 nil。
func NewExecutor(tr transport.Transport, cfg Config, log *zap.Logger, m *metrics.AppMetrics) *Executor {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.WaitCycles <= 0 {
		cfg.WaitCycles = def.WaitCycles
	}
	if cfg.WaitCycle <= 0 {
		cfg.WaitCycle = def.WaitCycle
	}
	if cfg.BusPolls <= 0 {
		cfg.BusPolls = def.BusPolls
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{cfg: cfg, tr: tr, log: log, metrics: m}
}

// SetPacer 安装发送节流
func (e *Executor) SetPacer(p *Pacer) { e.pacer = p }

// SetPID 设置事务号种子，下一次事务使用 pid+1
func (e *Executor) SetPID(pid byte) { e.pid.Store(uint32(pid)) }

// PID 最近一次事务的事务号
func (e *Executor) PID() byte { return byte(e.pid.Load()) }

// DeviceDetected 传输层设备状态
func (e *Executor) DeviceDetected() bool { return e.tr.DeviceDetected() }

// Execute 发送已构造好的帧（USB 层命令），执行器写入事务号并重新计算校验
func (e *Executor) Execute(ctx context.Context, f sfc.Frame, expectResponse bool) (sfc.Frame, error) {
	return e.Do(ctx, func(byte) sfc.Frame { return f.Clone() }, expectResponse)
}

// Do 分配事务号后再构造帧，嵌套包与 USB 帧共用同一个事务号
func (e *Executor) Do(ctx context.Context, build sfc.Builder, expectResponse bool) (sfc.Frame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	resp, _, err := e.transact(ctx, build, expectResponse, e.cfg.MaxAttempts)
	return resp, err
}

func (e *Executor) nextPID() byte {
	return byte(e.pid.Add(1))
}

// transact 调用方持有 mu；attempts 为同一帧的最多发送次数
func (e *Executor) transact(ctx context.Context, build sfc.Builder, expect bool, attempts int) (sfc.Frame, byte, error) {
	if err := e.pacer.Wait(ctx); err != nil {
		return nil, 0, err
	}
	pid := e.nextPID()
	f := build(pid)
	if len(f) < sfc.MinFrameSize {
		return nil, pid, fmt.Errorf("build frame: %w", sfc.ErrShort)
	}
	f.SetPID(pid)
	if err := f.Seal(); err != nil {
		return nil, pid, fmt.Errorf("build frame: %w", err)
	}
	cmd := sfc.CommandName(sfc.LevelUSB, f.Cmd())
	log := e.log.With(zap.Uint8("pid", pid), zap.String("cmd", cmd), zap.Int("string", f.StringNo()))

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		e.drain()
		log.Debug("sfc send", zap.Int("attempt", attempt), zap.String("frame", f.Hex()))
		if err := e.tr.Send(ctx, f.Bytes()); err != nil {
			if ctx.Err() != nil {
				return nil, pid, ctx.Err()
			}
			e.metrics.Transaction(cmd, "transport")
			log.Warn("sfc send failed", zap.Error(err))
			return nil, pid, fmt.Errorf("%w: %v", ErrTransportFailure, err)
		}
		if !expect {
			e.metrics.Transaction(cmd, "ok")
			return nil, pid, nil
		}

		resp, err := e.await(ctx, pid)
		if err == nil {
			e.metrics.Transaction(cmd, "ok")
			return resp, pid, nil
		}
		if ctx.Err() != nil {
			return nil, pid, ctx.Err()
		}
		last = err
		e.metrics.Retry(retryReason(err))
		log.Debug("sfc attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	}

	e.metrics.Transaction(cmd, "timeout")
	log.Warn("sfc transaction timed out", zap.Int("attempts", attempts), zap.Error(last))
	if errors.Is(last, ErrTimeout) {
		return nil, pid, fmt.Errorf("%w after %d attempts", ErrTimeout, attempts)
	}
	return nil, pid, fmt.Errorf("%w after %d attempts: %w", ErrTimeout, attempts, last)
}

// await 在等待窗口内接收应答；事务号不符或校验失败立即结束本次尝试
func (e *Executor) await(ctx context.Context, pid byte) (sfc.Frame, error) {
	timer := time.NewTimer(e.cfg.window())
	defer timer.Stop()
	select {
	case f := <-e.tr.Responses():
		if err := f.Valid(); err != nil {
			return nil, err
		}
		if e.cfg.VerifyChecksum && f.Verify() != nil {
			return nil, ErrChecksum
		}
		if f.PID() != pid {
			return nil, fmt.Errorf("%w: want 0x%02X got 0x%02X", ErrPIDMismatch, pid, f.PID())
		}
		return f, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// drain 丢弃发送前残留的应答
func (e *Executor) drain() {
	for {
		select {
		case f := <-e.tr.Responses():
			e.log.Debug("sfc stale response dropped", zap.Uint8("pid", f.PID()))
		default:
			return
		}
	}
}

func retryReason(err error) string {
	switch {
	case errors.Is(err, ErrPIDMismatch):
		return "pid"
	case errors.Is(err, ErrChecksum):
		return "checksum"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "bad_frame"
	}
}

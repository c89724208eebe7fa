package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/taoyao-code/sfc-host/internal/protocol/sfc"
)

// Responder 根据请求生成应答，返回空表示不应答
type Responder func(req sfc.Frame) []sfc.Frame

// Fake 内存传输：记录发送的帧，按 Responder 同步生成应答
type Fake struct {
	mu        sync.Mutex
	sent      []sfc.Frame
	responder Responder
	sendErr   error

	respC  chan sfc.Frame
	lost   atomic.Bool
	closed atomic.Bool
}

// NewFake responder 可以为 nil
func NewFake(responder Responder) *Fake {
	return &Fake{responder: responder, respC: make(chan sfc.Frame, responseBuffer)}
}

// SetResponder 替换应答逻辑
func (f *Fake) SetResponder(r Responder) {
	f.mu.Lock()
	f.responder = r
	f.mu.Unlock()
}

// SetSendError 之后的 Send 都返回 err（nil 恢复）
func (f *Fake) SetSendError(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

// SetDetected 模拟设备拔出/插入
func (f *Fake) SetDetected(ok bool) { f.lost.Store(!ok) }

// Inject 注入一帧非请求的上行数据
func (f *Fake) Inject(fr sfc.Frame) { deliver(f.respC, fr) }

func (f *Fake) Send(ctx context.Context, b []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.closed.Load() {
		return ErrClosed
	}
	if f.lost.Load() {
		return ErrNoDevice
	}
	req := sfc.Frame(append([]byte(nil), b...))

	f.mu.Lock()
	f.sent = append(f.sent, req)
	err, r := f.sendErr, f.responder
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if r == nil {
		return nil
	}
	for _, out := range r(req.Clone()) {
		deliver(f.respC, out)
	}
	return nil
}

func (f *Fake) Responses() <-chan sfc.Frame { return f.respC }

func (f *Fake) DeviceDetected() bool { return !f.lost.Load() && !f.closed.Load() }

func (f *Fake) Close() error {
	f.closed.Store(true)
	return nil
}

// Sent 已发送帧的副本
func (f *Fake) Sent() []sfc.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sfc.Frame, len(f.sent))
	for i, s := range f.sent {
		out[i] = s.Clone()
	}
	return out
}

// Reset 清空发送记录
func (f *Fake) Reset() {
	f.mu.Lock()
	f.sent = nil
	f.mu.Unlock()
}

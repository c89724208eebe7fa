package outbound

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/sfc-host/internal/protocol/sfc"
)

// ErrNoBusReply RS-485 上的单元在取回次数内没有应答
var ErrNoBusReply = errors.New("no bus reply")

// ReplyLen 一层总线包的最小应答长度
func ReplyLen(payload int) int { return sfc.MinBusPacket + payload }

// SlaveReplyLen 经主机转发的从机应答最小长度
func SlaveReplyLen(payload int) int { return 2*sfc.MinBusPacket + payload }

// Forward 发送 SEND_MCT485 转发命令，然后反复 GET_MCT485 直到取回不短于 minReply 字节、
// 且事务号与转发时一致的总线应答。minReply<=0 表示只发送不取回。
// 返回的是 GET_MCT485 的应答帧，可直接交给 sfc.Decode。
func (e *Executor) Forward(ctx context.Context, build sfc.Builder, minReply int) (sfc.Frame, error) {
	return e.forward(ctx, build, minReply, e.cfg.MaxAttempts)
}

// ForwardOnce 同 Forward，但其中每个 USB 事务只发送一次
func (e *Executor) ForwardOnce(ctx context.Context, build sfc.Builder, minReply int) (sfc.Frame, error) {
	return e.forward(ctx, build, minReply, 1)
}

func (e *Executor) forward(ctx context.Context, build sfc.Builder, minReply, attempts int) (sfc.Frame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var str int
	_, busPID, err := e.transact(ctx, func(pid byte) sfc.Frame {
		f := build(pid)
		str = f.StringNo()
		return f
	}, true, attempts)
	if err != nil {
		return nil, err
	}
	if minReply <= 0 {
		return nil, nil
	}

	poll := sfc.GetMCT485(str)
	for i := 1; i <= e.cfg.BusPolls; i++ {
		resp, _, err := e.transact(ctx, func(byte) sfc.Frame { return poll.Clone() }, true, attempts)
		if err != nil {
			return nil, err
		}
		d := resp.Data()
		if len(d) >= minReply && len(d) >= sfc.MinBusPacket && d[1] == busPID {
			e.metrics.ObserveBusPolls(i)
			return resp, nil
		}
		if e.cfg.BusPollInterval > 0 {
			select {
			case <-time.After(e.cfg.BusPollInterval):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	e.metrics.ObserveBusPolls(e.cfg.BusPolls)
	e.log.Warn("sfc bus reply missing", zap.Uint8("pid", busPID), zap.Int("string", str), zap.Int("polls", e.cfg.BusPolls))
	return nil, fmt.Errorf("%w: pid 0x%02X after %d polls", ErrNoBusReply, busPID, e.cfg.BusPolls)
}

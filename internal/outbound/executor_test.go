package outbound

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/sfc-host/internal/protocol/sfc"
	"github.com/taoyao-code/sfc-host/internal/simulator"
	"github.com/taoyao-code/sfc-host/internal/transport"
)

func testConfig() Config {
	return Config{MaxAttempts: 3, WaitCycles: 5, WaitCycle: time.Millisecond, BusPolls: 10}
}

// echo 按请求事务号应答（pidOffset 非 0 时制造错位）
func echo(req sfc.Frame, pidOffset byte) sfc.Frame {
	out := sfc.NewFrame(req.StringNo(), req.MCTAddr(), req.Cmd()|sfc.RespFlag, []byte{0, 1, 0, 0})
	out.SetPID(req.PID() + pidOffset)
	out.Seal()
	return out
}

func TestExecutor_PIDMonotonic(t *testing.T) {
	fake := transport.NewFake(func(req sfc.Frame) []sfc.Frame { return []sfc.Frame{echo(req, 0)} })
	ex := NewExecutor(fake, testConfig(), nil, nil)
	ex.SetPID(0xFE)

	for i := 0; i < 3; i++ {
		resp, err := ex.Execute(context.Background(), sfc.GetFCE(), true)
		require.NoError(t, err)
		assert.Equal(t, ex.PID(), resp.PID())
	}

	sent := fake.Sent()
	require.Len(t, sent, 3)
	assert.Equal(t, []byte{0xFF, 0x00, 0x01}, []byte{sent[0].PID(), sent[1].PID(), sent[2].PID()})
	for _, f := range sent {
		assert.NoError(t, f.Verify(), "发送前必须重新计算校验")
	}
}

func TestExecutor_RetryAfterPIDMismatch(t *testing.T) {
	calls := 0
	fake := transport.NewFake(func(req sfc.Frame) []sfc.Frame {
		calls++
		if calls <= 2 {
			return []sfc.Frame{echo(req, 1)}
		}
		return []sfc.Frame{echo(req, 0)}
	})
	ex := NewExecutor(fake, testConfig(), nil, nil)

	resp, err := ex.Execute(context.Background(), sfc.GetFCE(), true)
	require.NoError(t, err)
	assert.Equal(t, byte(1), resp.PID())

	sent := fake.Sent()
	require.Len(t, sent, 3)
	for _, f := range sent {
		assert.Equal(t, byte(1), f.PID(), "重发不递增事务号")
	}
}

func TestExecutor_Failures(t *testing.T) {
	tests := []struct {
		name      string
		responder transport.Responder
		sendErr   error
		wantErr   []error
		wantSends int
	}{
		{
			name:      "无应答三次后超时",
			wantErr:   []error{ErrTimeout},
			wantSends: 3,
		},
		{
			name:      "三次事务号错位",
			responder: func(req sfc.Frame) []sfc.Frame { return []sfc.Frame{echo(req, 7)} },
			wantErr:   []error{ErrTimeout, ErrPIDMismatch},
			wantSends: 3,
		},
		{
			name:      "发送失败不重试",
			sendErr:   errors.New("usb gone"),
			wantErr:   []error{ErrTransportFailure},
			wantSends: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := transport.NewFake(tt.responder)
			fake.SetSendError(tt.sendErr)
			ex := NewExecutor(fake, testConfig(), nil, nil)

			_, err := ex.Execute(context.Background(), sfc.GetRTU(), true)
			for _, want := range tt.wantErr {
				assert.ErrorIs(t, err, want)
			}
			assert.Len(t, fake.Sent(), tt.wantSends)
		})
	}
}

func TestExecutor_DeviceLost(t *testing.T) {
	fake := transport.NewFake(nil)
	fake.SetDetected(false)
	ex := NewExecutor(fake, testConfig(), nil, nil)

	_, err := ex.Execute(context.Background(), sfc.FieldState(), true)
	assert.ErrorIs(t, err, ErrTransportFailure)
	assert.False(t, ex.DeviceDetected())
}

func TestExecutor_FireAndForget(t *testing.T) {
	fake := transport.NewFake(nil)
	ex := NewExecutor(fake, testConfig(), nil, nil)

	resp, err := ex.Execute(context.Background(), sfc.Test(), false)
	assert.NoError(t, err)
	assert.Nil(t, resp)
	assert.Len(t, fake.Sent(), 1)
}

func TestExecutor_VerifyChecksum(t *testing.T) {
	calls := 0
	fake := transport.NewFake(func(req sfc.Frame) []sfc.Frame {
		calls++
		out := echo(req, 0)
		if calls == 1 {
			out[len(out)-1] ^= 0xFF
		}
		return []sfc.Frame{out}
	})
	cfg := testConfig()
	cfg.VerifyChecksum = true
	ex := NewExecutor(fake, cfg, nil, nil)

	_, err := ex.Execute(context.Background(), sfc.GetFCE(), true)
	require.NoError(t, err)
	assert.Len(t, fake.Sent(), 2)
}

func TestExecutor_DrainsStaleResponses(t *testing.T) {
	fake := transport.NewFake(func(req sfc.Frame) []sfc.Frame { return []sfc.Frame{echo(req, 0)} })
	ex := NewExecutor(fake, testConfig(), nil, nil)

	// 上一次事务遗留的应答
	stale := echo(sfc.GetFCE(), 0)
	fake.Inject(stale)

	_, err := ex.Execute(context.Background(), sfc.GetFCE(), true)
	require.NoError(t, err)
	assert.Len(t, fake.Sent(), 1)
}

func TestExecutor_ContextCanceled(t *testing.T) {
	fake := transport.NewFake(nil)
	cfg := testConfig()
	cfg.WaitCycles = 1000
	ex := NewExecutor(fake, cfg, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := ex.Execute(ctx, sfc.GetFCE(), true)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecutor_Forward(t *testing.T) {
	cfg := simulator.DefaultConfig()
	cfg.BusDelay = 3
	field := simulator.New(cfg)
	fake := transport.NewFake(field.Respond)
	ex := NewExecutor(fake, testConfig(), nil, nil)
	tg := sfc.Target{String: 0, MCT: 2}

	resp, err := ex.Forward(context.Background(), sfc.ParamWrite(tg, 3, 1, 250), ReplyLen(3))
	require.NoError(t, err)

	r, err := sfc.Decode(resp, nil)
	require.NoError(t, err)
	assert.Equal(t, sfc.Param{Num: 1, Value: 250}, r.(sfc.BusReply).Value)

	// 1 次转发 + 3 次空取回 + 1 次成功取回
	sent := fake.Sent()
	require.Len(t, sent, 5)
	assert.Equal(t, sfc.USBCmdSendMCT485, sent[0].Cmd())
	for _, f := range sent[1:] {
		assert.Equal(t, sfc.USBCmdGetMCT485, f.Cmd())
	}
	// 转发帧内总线包的事务号与 USB 帧一致
	p, err := sfc.ParseBusPacket(sent[0].Data())
	require.NoError(t, err)
	assert.Equal(t, sent[0].PID(), p.PID)
}

func TestExecutor_ForwardNoBusReply(t *testing.T) {
	field := simulator.New(simulator.DefaultConfig())
	fake := transport.NewFake(field.Respond)
	ex := NewExecutor(fake, testConfig(), nil, nil)

	// 第 3 串没有单元，总线上无人应答
	_, err := ex.Forward(context.Background(), sfc.ParamRead(sfc.Target{String: 3, MCT: 1}, 1), ReplyLen(3))
	assert.ErrorIs(t, err, ErrNoBusReply)
	assert.Len(t, fake.Sent(), 1+testConfig().BusPolls)
}

func TestExecutor_BadBuilderFrame(t *testing.T) {
	fake := transport.NewFake(func(req sfc.Frame) []sfc.Frame { return []sfc.Frame{echo(req, 0)} })
	ex := NewExecutor(fake, testConfig(), nil, nil)

	_, err := ex.Do(context.Background(), func(byte) sfc.Frame { return sfc.Frame{0, 0} }, true)
	assert.ErrorIs(t, err, sfc.ErrShort)
	_, err = ex.Do(context.Background(), func(byte) sfc.Frame { return sfc.Frame{0, 0, 1, 0, 0x61, 0, 0} }, true)
	assert.ErrorIs(t, err, sfc.ErrBad)
	assert.Empty(t, fake.Sent())
}

func TestExecutor_ForwardAttempts(t *testing.T) {
	tests := []struct {
		name  string
		once  bool
		sends int
	}{
		{name: "普通转发重发三次", sends: 3},
		{name: "单次转发只发一次", once: true, sends: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// SFC 对转发帧不给 USB 应答
			fake := transport.NewFake(nil)
			ex := NewExecutor(fake, testConfig(), nil, nil)
			fwd := ex.Forward
			if tt.once {
				fwd = ex.ForwardOnce
			}

			_, err := fwd(context.Background(), sfc.EraseApp(sfc.Target{String: 0, MCT: 1}), ReplyLen(0))
			assert.ErrorIs(t, err, ErrTimeout)
			assert.Len(t, fake.Sent(), tt.sends)
		})
	}
}

func TestExecutor_ForwardFireAndForget(t *testing.T) {
	field := simulator.New(simulator.DefaultConfig())
	fake := transport.NewFake(field.Respond)
	ex := NewExecutor(fake, testConfig(), nil, nil)

	resp, err := ex.Forward(context.Background(), sfc.EraseApp(sfc.Target{String: 0, MCT: 1}), 0)
	assert.NoError(t, err)
	assert.Nil(t, resp)
	assert.Len(t, fake.Sent(), 1)
}

func TestPacer(t *testing.T) {
	var p *Pacer
	assert.NoError(t, p.Wait(context.Background()))
	assert.Nil(t, NewPacer(0, 0))

	p = NewPacer(1000, 5)
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Wait(context.Background()))
	}
	assert.Equal(t, int64(5), p.Stats().PacedTotal)
}

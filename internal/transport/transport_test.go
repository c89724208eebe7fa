package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/sfc-host/internal/protocol/sfc"
)

func TestFake_RespondsAndRecords(t *testing.T) {
	f := NewFake(func(req sfc.Frame) []sfc.Frame {
		return []sfc.Frame{sfc.NewFrame(0, 0, req.Cmd()|sfc.RespFlag, []byte{1, 2, 0, 0, 0, 0})}
	})
	req := sfc.FieldState()
	require.NoError(t, f.Send(context.Background(), req))

	got := <-f.Responses()
	assert.Equal(t, sfc.USBRespFieldState, got.Cmd())
	require.Len(t, f.Sent(), 1)
	assert.Equal(t, req, f.Sent()[0])

	f.Reset()
	assert.Empty(t, f.Sent())
}

func TestFake_Failures(t *testing.T) {
	f := NewFake(nil)
	ctx := context.Background()

	t.Run("设备丢失", func(t *testing.T) {
		f.SetDetected(false)
		assert.False(t, f.DeviceDetected())
		assert.ErrorIs(t, f.Send(ctx, sfc.FieldState()), ErrNoDevice)
		f.SetDetected(true)
		assert.NoError(t, f.Send(ctx, sfc.FieldState()))
	})

	t.Run("发送错误", func(t *testing.T) {
		boom := errors.New("boom")
		f.SetSendError(boom)
		assert.ErrorIs(t, f.Send(ctx, sfc.FieldState()), boom)
		f.SetSendError(nil)
	})

	t.Run("已关闭", func(t *testing.T) {
		require.NoError(t, f.Close())
		assert.ErrorIs(t, f.Send(ctx, sfc.FieldState()), ErrClosed)
	})
}

func TestDeliver_DropsOldest(t *testing.T) {
	ch := make(chan sfc.Frame, 2)
	a, b, c := sfc.GetFCE(), sfc.GetRTU(), sfc.Desiccant()

	assert.False(t, deliver(ch, a))
	assert.False(t, deliver(ch, b))
	assert.True(t, deliver(ch, c))

	assert.Equal(t, b, <-ch)
	assert.Equal(t, c, <-ch)
}

package transport

import (
	"context"
	"errors"

	"github.com/taoyao-code/sfc-host/internal/protocol/sfc"
)

var (
	// ErrNoDevice SFC 未连接或重新发现失败
	ErrNoDevice = errors.New("sfc device not detected")
	// ErrClosed 传输已关闭
	ErrClosed = errors.New("transport closed")
)

// Transport 与 SFC 之间的字节通道。
// 应答由读协程成帧后经 Responses 投递，调用方在自己的协程里接收。
type Transport interface {
	// Send 发送一帧；设备此前丢失时先尝试重新发现
	Send(ctx context.Context, b []byte) error
	// Responses 已成帧的上行数据
	Responses() <-chan sfc.Frame
	// DeviceDetected 设备当前是否在线
	DeviceDetected() bool
	Close() error
}

// responseBuffer 上行队列容量
const responseBuffer = 32

// deliver 非阻塞投递，队列满时丢弃最旧的一帧
func deliver(ch chan sfc.Frame, f sfc.Frame) (dropped bool) {
	for {
		select {
		case ch <- f:
			return dropped
		default:
		}
		select {
		case <-ch:
			dropped = true
		default:
		}
	}
}

package health

import "sync/atomic"

// Readiness 启动阶段的就绪标记：SFC 串口已识别、轮询循环已启动
type Readiness struct {
	deviceReady atomic.Bool
	pollReady   atomic.Bool
}

func New() *Readiness { return &Readiness{} }

func (r *Readiness) SetDeviceReady(v bool) { r.deviceReady.Store(v) }
func (r *Readiness) SetPollReady(v bool)   { r.pollReady.Store(v) }

// Ready 串口与轮询均就绪
func (r *Readiness) Ready() bool { return len(r.Pending()) == 0 }

// Pending 尚未就绪的部分，名称与链路检查器一致
func (r *Readiness) Pending() []string {
	var out []string
	if !r.deviceReady.Load() {
		out = append(out, "sfc_link")
	}
	if !r.pollReady.Load() {
		out = append(out, "poll_loop")
	}
	return out
}

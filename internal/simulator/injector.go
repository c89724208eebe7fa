package simulator

import (
	"sync"

	"github.com/taoyao-code/sfc-host/internal/protocol/sfc"
)

// Fault USB 应答故障类型
type Fault int

const (
	FaultNone Fault = iota
	// FaultDrop 不应答
	FaultDrop
	// FaultWrongPID 应答事务号错位
	FaultWrongPID
	// FaultChecksum 破坏应答校验
	FaultChecksum
	// FaultShortPayload 截掉负载最后一个字节（长度与命令不符）
	FaultShortPayload
)

func (f Fault) String() string {
	switch f {
	case FaultDrop:
		return "drop"
	case FaultWrongPID:
		return "wrong_pid"
	case FaultChecksum:
		return "checksum"
	case FaultShortPayload:
		return "short_payload"
	default:
		return "none"
	}
}

type progFault struct {
	str   int
	addr  uint16
	slave bool
}

// Injector 故障注入器
type Injector struct {
	mu      sync.Mutex
	queue   []Fault
	prog    map[progFault]struct{}
	history []string
}

func NewInjector() *Injector {
	return &Injector{prog: make(map[progFault]struct{})}
}

// Next 依次对之后的 USB 应答施加故障
func (in *Injector) Next(faults ...Fault) {
	in.mu.Lock()
	in.queue = append(in.queue, faults...)
	in.mu.Unlock()
}

// FailProgram 对 str 串上写入 addr 的 PROG_APP 永不应答
func (in *Injector) FailProgram(str int, addr uint16, slave bool) {
	in.mu.Lock()
	in.prog[progFault{str, addr, slave}] = struct{}{}
	in.mu.Unlock()
}

// Reset 清除全部故障与历史
func (in *Injector) Reset() {
	in.mu.Lock()
	in.queue = nil
	in.prog = make(map[progFault]struct{})
	in.history = nil
	in.mu.Unlock()
}

// History 已施加的故障
func (in *Injector) History() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]string(nil), in.history...)
}

func (in *Injector) record(s string) {
	in.history = append(in.history, s)
	if len(in.history) > 50 {
		in.history = in.history[1:]
	}
}

func (in *Injector) programFails(str int, p sfc.BusPacket, slave bool) bool {
	if p.Cmd != sfc.MCTCmdProgApp || len(p.Payload) < 2 {
		return false
	}
	addr := uint16(p.Payload[0])<<8 | uint16(p.Payload[1])
	in.mu.Lock()
	defer in.mu.Unlock()
	_, ok := in.prog[progFault{str, addr, slave}]
	if ok {
		in.record("program_fail")
	}
	return ok
}

func (in *Injector) apply(req, resp sfc.Frame) []sfc.Frame {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.queue) == 0 {
		return []sfc.Frame{resp}
	}
	fault := in.queue[0]
	in.queue = in.queue[1:]
	in.record(fault.String())

	switch fault {
	case FaultDrop:
		return nil
	case FaultWrongPID:
		resp.SetPID(req.PID() + 0x40)
		resp.Seal()
	case FaultChecksum:
		resp[len(resp)-1] ^= 0xFF
	case FaultShortPayload:
		if len(resp.Data()) > 0 {
			short := sfc.NewFrame(resp.StringNo(), resp.MCTAddr(), resp.Cmd(), resp.Data()[:len(resp.Data())-1])
			short.SetPID(resp.PID())
			short.Seal()
			resp = short
		}
	}
	return []sfc.Frame{resp}
}

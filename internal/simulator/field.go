package simulator

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/taoyao-code/sfc-host/internal/protocol/sfc"
)

// Config 模拟场站配置
type Config struct {
	// Units 每串的单元数（最多 4 串、每串 10 个）
	Units [sfc.MaxStrings]int
	// BusDelay SEND_MCT485 之后需要多少次 GET_MCT485 才能取到从机应答
	BusDelay int
	// Version SFC 版本串
	Version string
}

// DefaultConfig 两串、每串 3 个单元
func DefaultConfig() Config {
	return Config{Units: [sfc.MaxStrings]int{3, 3, 0, 0}, BusDelay: 1, Version: "SFC-SIM 1.0"}
}

// mcu 一个单片机：应用区 flash 与引导状态
type mcu struct {
	flash     []byte
	inBoot    bool
	slaveMode byte
	version   string
}

func (m *mcu) mem() []byte {
	if m.flash == nil {
		m.flash = make([]byte, 0x10000)
		for i := range m.flash {
			m.flash[i] = 0xFF
		}
	}
	return m.flash
}

// appSum 引导程序的自校验：从全 1 开始减去应用区每个小端字
func (m *mcu) appSum() uint32 {
	mem := m.mem()
	sum := ^uint32(0)
	for a := sfc.AppStart; a < sfc.BootStart; a += 4 {
		sum -= binary.LittleEndian.Uint32(mem[a:])
	}
	return sum
}

// Unit 模拟 MCT 单元
type Unit struct {
	Position [2]int32
	Target   [2]int32
	Track    [2]byte
	Error    byte
	Params   map[byte]int16
	Channels []uint16

	master mcu
	slave  mcu
}

func newUnit(str, addr int) *Unit {
	return &Unit{
		Params:   make(map[byte]int16),
		Channels: []uint16{uint16(200 + 10*addr), 0x8000 | uint16(str*10+addr), 450, 0},
		master:   mcu{version: "MCT-M 2.1"},
		slave:    mcu{version: "MCT-S 2.1"},
	}
}

// Field 模拟的 SFC 及其下挂的 MCT 单元。Respond 可直接作为 transport.Fake 的应答函数。
type Field struct {
	mu      sync.Mutex
	cfg     Config
	units   [sfc.MaxStrings][]*Unit
	state   byte
	mode    byte
	rtc     time.Time
	sfcPars map[byte]int16

	pending [sfc.MaxStrings][]byte
	waits   [sfc.MaxStrings]int

	faults   *Injector
	requests []sfc.Frame
}

// New 创建模拟场站
func New(cfg Config) *Field {
	f := &Field{cfg: cfg, sfcPars: make(map[byte]int16), faults: NewInjector(), rtc: time.Date(2024, 1, 1, 0, 0, 0, 0, time.Local)}
	for s, n := range cfg.Units {
		if n > sfc.MaxUnits {
			n = sfc.MaxUnits
		}
		for a := 1; a <= n; a++ {
			f.units[s] = append(f.units[s], newUnit(s, a))
		}
	}
	return f
}

// Faults 故障注入器
func (f *Field) Faults() *Injector { return f.faults }

// Unit 取单元（0 基串号，1 基地址），不存在返回 nil
func (f *Field) Unit(str, addr int) *Unit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unit(str, addr)
}

func (f *Field) unit(str, addr int) *Unit {
	if str < 0 || str >= sfc.MaxStrings || addr < 1 || addr > len(f.units[str]) {
		return nil
	}
	return f.units[str][addr-1]
}

// Flash 单元应用区的副本
func (f *Field) Flash(t sfc.Target, slave bool) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.unit(t.String, t.MCT)
	if u == nil {
		return nil
	}
	m := &u.master
	if slave {
		m = &u.slave
	}
	return append([]byte(nil), m.mem()...)
}

// InBoot 单元是否停留在引导程序
func (f *Field) InBoot(t sfc.Target, slave bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.unit(t.String, t.MCT)
	if u == nil {
		return false
	}
	if slave {
		return u.slave.inBoot
	}
	return u.master.inBoot
}

// SlaveMode 主机最近一次收到的 SLAVE_MODE 参数
func (f *Field) SlaveMode(t sfc.Target) byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u := f.unit(t.String, t.MCT); u != nil {
		return u.master.slaveMode
	}
	return 0
}

// Requests 收到的全部请求
func (f *Field) Requests() []sfc.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sfc.Frame(nil), f.requests...)
}

// Respond 处理一帧请求
func (f *Field) Respond(req sfc.Frame) []sfc.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req.Clone())

	if req.Verify() != nil {
		return nil
	}
	resp := f.handle(req)
	if resp == nil {
		return nil
	}
	return f.faults.apply(req, resp)
}

func (f *Field) reply(req sfc.Frame, payload ...byte) sfc.Frame {
	out := sfc.NewFrame(req.StringNo(), req.MCTAddr(), req.Cmd()|sfc.RespFlag, payload)
	out.SetPID(req.PID())
	out.Seal()
	return out
}

func (f *Field) handle(req sfc.Frame) sfc.Frame {
	str := req.StringNo()
	d := req.Data()
	switch req.Cmd() {
	case sfc.USBCmdFieldState:
		p := []byte{f.state, f.mode, 0, 0, 0, 0}
		for i := range f.units {
			p[2+i] = byte(len(f.units[i]))
		}
		return f.reply(req, p...)

	case sfc.USBCmdGetFCE:
		return f.reply(req, 0x00, 0x05, 0x00, 0x01)

	case sfc.USBCmdGetRTU:
		return f.reply(req, 0, 1, 0, 0, 0x01, 0x00, 0x02, 0x00, 0x03, 0x00, 0x04, 0x00)

	case sfc.USBCmdDesiccant:
		return f.reply(req, 0x00, 0xEB, 0x01, 0xC2, 1)

	case sfc.USBCmdGetString:
		if str >= sfc.MaxStrings {
			return nil
		}
		p := []byte{byte(str), byte(len(f.units[str]))}
		for range f.units[str] {
			p = append(p, 1)
		}
		return f.reply(req, p...)

	case sfc.USBCmdGetVString:
		return f.reply(req, []byte(f.cfg.Version)...)

	case sfc.USBCmdGetChan:
		u := f.unit(str, int(req.MCTAddr()))
		if u == nil {
			return nil
		}
		p := []byte{req.MCTAddr(), byte(len(u.Channels))}
		for _, v := range u.Channels {
			p = binary.BigEndian.AppendUint16(p, v)
		}
		return f.reply(req, p...)

	case sfc.USBCmdGetMirrors:
		u := f.unit(str, int(req.MCTAddr()))
		if u == nil {
			return nil
		}
		return f.reply(req, u.Track[0], u.Track[1], u.Error)

	case sfc.USBCmdRTC:
		if len(d) == 6 {
			f.rtc = time.Date(2000+int(d[0]), time.Month(d[1]), int(d[2]), int(d[3]), int(d[4]), int(d[5]), 0, time.Local)
		}
		t := f.rtc
		return f.reply(req, byte(t.Year()-2000), byte(t.Month()), byte(t.Day()), byte(t.Hour()), byte(t.Minute()), byte(t.Second()))

	case sfc.USBCmdSFCParam:
		if len(d) < 1 {
			return nil
		}
		if len(d) == 3 {
			f.sfcPars[d[0]] = int16(binary.BigEndian.Uint16(d[1:]))
		}
		v := f.sfcPars[d[0]]
		return f.reply(req, d[0], byte(uint16(v)>>8), byte(v))

	case sfc.USBCmdMemory:
		if len(d) != 3 {
			return nil
		}
		p := append([]byte{d[0], d[1], d[2]}, make([]byte, d[2])...)
		return f.reply(req, p...)

	case sfc.USBCmdTest:
		return f.reply(req)

	case sfc.USBCmdSendMCT485:
		if str >= sfc.MaxStrings {
			return nil
		}
		f.pending[str] = f.bus(str, d)
		f.waits[str] = f.cfg.BusDelay
		return f.reply(req)

	case sfc.USBCmdGetMCT485:
		if str >= sfc.MaxStrings {
			return nil
		}
		if f.waits[str] > 0 {
			f.waits[str]--
			return f.reply(req)
		}
		return f.reply(req, f.pending[str]...)
	}
	return nil
}

// bus 处理转发到 RS-485 的 MCT 包，返回从机应答（nil 表示不应答）
func (f *Field) bus(str int, raw []byte) []byte {
	if sfc.VerifyBusPacket(raw) != nil {
		return nil
	}
	p, err := sfc.ParseBusPacket(raw)
	if err != nil {
		return nil
	}
	u := f.unit(str, p.Unit())
	if u == nil {
		return nil
	}
	if p.Cmd == sfc.MCTCmdFwdToSlave {
		if sfc.VerifyBusPacket(p.Payload) != nil {
			return nil
		}
		inner, err := sfc.ParseBusPacket(p.Payload)
		if err != nil || !inner.IsSlave() {
			return nil
		}
		ans := f.mcuCommand(str, u, &u.slave, inner)
		if ans == nil {
			return nil
		}
		return sfc.BuildBusPacket(p.Addr|sfc.HostFlag, p.PID, sfc.MCTCmdFwdToSlave|sfc.RespFlag, ans)
	}
	return f.mcuCommand(str, u, &u.master, p)
}

func (f *Field) mcuCommand(str int, u *Unit, m *mcu, p sfc.BusPacket) []byte {
	addr := p.Addr
	if !p.IsSlave() {
		addr |= sfc.HostFlag
	}
	ack := func(payload ...byte) []byte {
		return sfc.BuildBusPacket(addr, p.PID, p.Cmd|sfc.RespFlag, payload)
	}
	d := p.Payload
	if f.faults.programFails(str, p, m == &u.slave) {
		return nil
	}

	switch p.Cmd {
	case sfc.MCTCmdJumpToBoot:
		m.inBoot = true
		return ack()
	case sfc.MCTCmdJumpToApp:
		m.inBoot = false
		return ack()
	case sfc.MCTCmdEraseApp:
		mem := m.mem()
		for a := sfc.AppStart; a < sfc.BootStart; a++ {
			mem[a] = 0xFF
		}
		return ack()
	case sfc.MCTCmdBlankCheck:
		mem := m.mem()
		blank := byte(1)
		for a := sfc.AppStart; a < sfc.BootStart; a++ {
			if mem[a] != 0xFF {
				blank = 0
				break
			}
		}
		return ack(blank)
	case sfc.MCTCmdProgApp:
		if len(d) < 3 || len(d) != 3+int(d[2]) {
			return nil
		}
		a := int(binary.BigEndian.Uint16(d))
		copy(m.mem()[a:], d[3:])
		return ack()
	case sfc.MCTCmdReadFlash:
		if len(d) != 3 {
			return nil
		}
		a := int(binary.BigEndian.Uint16(d))
		n := int(d[2])
		out := append([]byte{d[0], d[1], d[2]}, m.mem()[a:min(a+n, 0x10000)]...)
		out[2] = byte(len(out) - 3)
		return ack(out...)
	case sfc.MCTCmdFlashCksum:
		return ack(binary.BigEndian.AppendUint32(nil, m.appSum())...)
	case sfc.MCTCmdSlaveMode:
		if len(d) == 1 {
			m.slaveMode = d[0]
		}
		return ack()
	case sfc.MCTCmdGetString:
		v := u.master.version
		if len(d) == 1 && d[0] == sfc.SelectSlave {
			v = u.slave.version
		}
		return ack([]byte(v)...)
	case sfc.MCTCmdPosn, sfc.MCTCmdTarget:
		if len(d) < 1 {
			return nil
		}
		i := mirrorIndex(d[0])
		vals := &u.Position
		if p.Cmd == sfc.MCTCmdTarget {
			vals = &u.Target
		}
		if len(d) == 5 {
			vals[i] = int32(binary.BigEndian.Uint16(d[1:])) * 10
		}
		return ack(binary.BigEndian.AppendUint32([]byte{d[0]}, uint32(vals[i]))...)
	case sfc.MCTCmdTrack:
		if len(d) != 2 {
			return nil
		}
		i := mirrorIndex(d[0])
		u.Track[i] = d[1]
		return ack(d[0], u.Track[i], u.Error)
	case sfc.MCTCmdParam:
		if len(d) != 1 && len(d) != 3 {
			return nil
		}
		if len(d) == 3 {
			u.Params[d[0]] = int16(binary.BigEndian.Uint16(d[1:]))
		}
		v := u.Params[d[0]]
		return ack(d[0], byte(uint16(v)>>8), byte(v))
	}
	return nil
}

func mirrorIndex(sel byte) int {
	if sel == sfc.Mirror2 {
		return 1
	}
	return 0
}

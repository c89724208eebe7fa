package sfc

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// USB 层帧头偏移
const (
	OffString = 0 // 目标串号 0-3
	OffMCT    = 1 // 目标 MCT 地址（0=主控操作，1-10=单元）
	OffLen    = 2 // 整帧长度，含帧头与校验
	OffPID    = 3 // 事务号
	OffCmd    = 4 // 命令码
	OffData   = 5 // 数据区起点
)

const (
	HeaderSize   = 5
	ChecksumSize = 2
	MinFrameSize = HeaderSize + ChecksumSize
	// MaxFrameSize SFC 端收发缓冲区大小
	MaxFrameSize = 64

	// 总线包：addr(1) + pid(1) + len(1) + cmd(1) + payload + checksum(2)
	busHeaderSize = 4
	MinBusPacket  = busHeaderSize + ChecksumSize

	// SlaveMarker 从机子包地址字节
	SlaveMarker = 0x7E
	// HostFlag 部分应答在 MCT 地址上置位的最高位
	HostFlag = 0x80

	MaxStrings     = 4
	MaxUnits       = 10
	MaxUnitAddress = MaxUnits
)

var (
	ErrShort = errors.New("short packet")
	ErrBad   = errors.New("bad packet")
)

// Target 报文目标：串号 0-3，MCT 地址 1-10（0 表示不指定单元）
type Target struct {
	String int `json:"string"`
	MCT    int `json:"mct"`
}

// Valid 校验寻址范围
func (t Target) Valid() error {
	if t.String < 0 || t.String >= MaxStrings {
		return fmt.Errorf("string %d out of range [0,%d]", t.String, MaxStrings-1)
	}
	if t.MCT < 0 || t.MCT > MaxUnitAddress {
		return fmt.Errorf("mct %d out of range [0,%d]", t.MCT, MaxUnitAddress)
	}
	return nil
}

// Index 返回 0 基的单元下标，MCT=0 时返回 -1
func (t Target) Index() int { return t.MCT - 1 }

// Label 日志用的 "串/单元" 表示
func (t Target) Label() string { return fmt.Sprintf("%d/%d", t.String, t.MCT) }

// Frame USB 层报文。每个构造函数都返回新分配的帧，帧在 构造 → 发送 → 解码 之间按值传递。
type Frame []byte

// NewFrame 构造 USB 帧并计算校验
func NewFrame(str int, mct byte, cmd byte, payload []byte) Frame {
	n := HeaderSize + len(payload) + ChecksumSize
	f := make(Frame, n)
	f[OffString] = byte(str)
	f[OffMCT] = mct
	f[OffLen] = byte(n)
	f[OffCmd] = cmd
	copy(f[OffData:], payload)
	f.Seal()
	return f
}

// StringNo 目标串号
func (f Frame) StringNo() int { return int(f[OffString]) }

// MCTAddr MCT 地址字节（可能带 HostFlag）
func (f Frame) MCTAddr() byte { return f[OffMCT] }

// Len LEN 字段
func (f Frame) Len() int {
	if len(f) <= OffLen {
		return 0
	}
	return int(f[OffLen])
}

func (f Frame) PID() byte { return f[OffPID] }

func (f Frame) Cmd() byte { return f[OffCmd] }

// SetPID 写入事务号（需随后 Seal）
func (f Frame) SetPID(pid byte) { f[OffPID] = pid }

// Data 数据区（不含帧头与校验）
func (f Frame) Data() []byte {
	n := f.Len()
	if n < MinFrameSize || n > len(f) {
		return nil
	}
	return f[OffData : n-ChecksumSize]
}

// Bytes 按 LEN 截取的线上字节
func (f Frame) Bytes() []byte {
	n := f.Len()
	if n > len(f) {
		n = len(f)
	}
	return f[:n]
}

// Seal 重新计算 USB 层校验（覆盖字节 0..LEN-3）。LEN 装不下帧头与校验、或超出缓冲区时不改动帧。
func (f Frame) Seal() error {
	n := f.Len()
	if n < MinFrameSize || n > len(f) {
		return fmt.Errorf("%w: len %d, have %d bytes", ErrBad, n, len(f))
	}
	ApplyChecksum(f, 0, n-ChecksumSize)
	return nil
}

// Verify 校验 USB 层校验值
func (f Frame) Verify() error {
	if err := f.Valid(); err != nil {
		return err
	}
	return VerifyChecksum(f, 0, f.Len()-ChecksumSize)
}

// Valid 检查 LEN 字段与实际长度是否自洽
func (f Frame) Valid() error {
	if len(f) < MinFrameSize {
		return ErrShort
	}
	n := f.Len()
	if n < MinFrameSize || n > len(f) || n > MaxFrameSize {
		return ErrBad
	}
	return nil
}

// Hex 调试输出
func (f Frame) Hex() string { return hex.EncodeToString(f.Bytes()) }

// Clone 深拷贝
func (f Frame) Clone() Frame {
	out := make(Frame, len(f))
	copy(out, f)
	return out
}

// BusPacket RS-485 总线包（MCT 包或从机子包）
type BusPacket struct {
	Addr    byte
	PID     byte
	Len     byte
	Cmd     byte
	Payload []byte
}

// Unit 去掉 HostFlag 后的单元地址
func (p BusPacket) Unit() int { return int(p.Addr &^ HostFlag) }

// IsSlave 是否为从机子包
func (p BusPacket) IsSlave() bool { return p.Addr == SlaveMarker }

// ParseBusPacket 解析总线包，b 可以比包长
func ParseBusPacket(b []byte) (BusPacket, error) {
	if len(b) < MinBusPacket {
		return BusPacket{}, ErrShort
	}
	n := int(b[2])
	if n < MinBusPacket || n > len(b) {
		return BusPacket{}, ErrBad
	}
	return BusPacket{
		Addr:    b[0],
		PID:     b[1],
		Len:     b[2],
		Cmd:     b[3],
		Payload: b[busHeaderSize : n-ChecksumSize],
	}, nil
}

// VerifyBusPacket 校验总线包自身的校验值
func VerifyBusPacket(b []byte) error {
	if len(b) < MinBusPacket {
		return ErrShort
	}
	n := int(b[2])
	if n < MinBusPacket || n > len(b) {
		return ErrBad
	}
	return VerifyChecksum(b, 0, n-ChecksumSize)
}

// packet 构造总线包并计算自身校验
func packet(addr, pid, cmd byte, payload ...byte) []byte {
	n := busHeaderSize + len(payload) + ChecksumSize
	p := make([]byte, n)
	p[0] = addr
	p[1] = pid
	p[2] = byte(n)
	p[3] = cmd
	copy(p[busHeaderSize:], payload)
	ApplyChecksum(p, 0, n-ChecksumSize)
	return p
}

// BuildBusPacket 构造 MCT 总线包（供模拟器构造应答）
func BuildBusPacket(addr, pid, cmd byte, payload []byte) []byte {
	return packet(addr, pid, cmd, payload...)
}

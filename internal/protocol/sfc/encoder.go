package sfc

import (
	"errors"
	"fmt"
	"time"
)

// Builder 以事务号构造待发送帧。嵌套包的事务号与 USB 帧一致，所以需要在执行器分配事务号之后再构造。
type Builder func(pid byte) Frame

// ErrPayloadTooLong 数据无法装入 64 字节的 SFC 缓冲区
var ErrPayloadTooLong = errors.New("payload too long for frame")

// 烧写负载的最大数据字节数
const (
	MaxProgData      = MaxFrameSize - (HeaderSize + busHeaderSize + 3 + 2*ChecksumSize)
	MaxSlaveProgData = MaxFrameSize - (HeaderSize + 2*busHeaderSize + 3 + 3*ChecksumSize)
)

// AppChecksumAddr MCT 主机中应用校验值的存放地址
const AppChecksumAddr uint16 = 0xEDB8

// ===== USB 层请求（事务号由执行器写入）=====

func usb(str int, mct byte, cmd byte, payload ...byte) Frame {
	return NewFrame(str, mct, cmd, payload)
}

// FieldState 读取场站状态
func FieldState() Frame { return usb(0, 0, USBCmdFieldState) }

// GetFCE 读取 FCE 开关量
func GetFCE() Frame { return usb(0, 0, USBCmdGetFCE) }

// GetRTU 读取远程 I/O
func GetRTU() Frame { return usb(0, 0, USBCmdGetRTU) }

// Desiccant 读取 SFC 机箱温湿度与干燥剂状态
func Desiccant() Frame { return usb(0, 0, USBCmdDesiccant) }

// Test 测试/复位命令（不等待应答）
func Test() Frame { return usb(0, 0, USBCmdTest) }

// GetString 读取某串的单元数与单元标志
func GetString(str int) Frame { return usb(str, 0, USBCmdGetString) }

// GetVString 读取某串的版本串
func GetVString(str int) Frame { return usb(str, 0, USBCmdGetVString) }

// GetMCT485 取回该串 RS-485 上最近一次从机应答
func GetMCT485(str int) Frame { return usb(str, 0, USBCmdGetMCT485) }

// GetChan 读取单元通道数据
func GetChan(t Target) Frame { return usb(t.String, byte(t.MCT), USBCmdGetChan) }

// GetMirrors 读取单元两面镜子的状态
func GetMirrors(t Target) Frame { return usb(t.String, byte(t.MCT), USBCmdGetMirrors) }

// RTCRead 读取 SFC 实时时钟
func RTCRead() Frame { return usb(0, 0, USBCmdRTC) }

// RTCWrite 设置 SFC 实时时钟
func RTCWrite(at time.Time) Frame {
	return usb(0, 0, USBCmdRTC,
		byte(at.Year()-2000), byte(at.Month()), byte(at.Day()),
		byte(at.Hour()), byte(at.Minute()), byte(at.Second()))
}

// SFCParamRead 读取 SFC 参数
func SFCParamRead(num byte) Frame { return usb(0, 0, USBCmdSFCParam, num) }

// SFCParamWrite 写 SFC 参数
func SFCParamWrite(num byte, value int16) Frame {
	return usb(0, 0, USBCmdSFCParam, num, byte(uint16(value)>>8), byte(value))
}

// MemoryRead 读取 SFC 内存
func MemoryRead(addr uint16, n byte) Frame {
	return usb(0, 0, USBCmdMemory, byte(addr>>8), byte(addr), n)
}

// ===== 转发到 RS-485 的 MCT 命令 =====

func forward(str int, usbMCT byte, bus []byte) Frame {
	return NewFrame(str, usbMCT, USBCmdSendMCT485, bus)
}

func mct(t Target, cmd byte, payload ...byte) Builder {
	return func(pid byte) Frame {
		return forward(t.String, byte(t.MCT), packet(byte(t.MCT), pid, cmd, payload...))
	}
}

// JumpToBoot 跳转到引导程序
func JumpToBoot(t Target) Builder { return mct(t, MCTCmdJumpToBoot) }

// EraseApp 擦除应用区
func EraseApp(t Target) Builder { return mct(t, MCTCmdEraseApp) }

// JumpToApp 跳转到应用程序
func JumpToApp(t Target) Builder { return mct(t, MCTCmdJumpToApp) }

// BlankCheck 应用区空白检查
func BlankCheck(t Target) Builder { return mct(t, MCTCmdBlankCheck) }

// FlashChecksum 让 MCT 计算应用区校验
func FlashChecksum(t Target) Builder { return mct(t, MCTCmdFlashCksum) }

// ReadFlash 读取 MCT flash
func ReadFlash(t Target, addr uint16, n byte) Builder {
	return mct(t, MCTCmdReadFlash, byte(addr>>8), byte(addr), n)
}

func progPayload(addr uint16, data []byte) []byte {
	p := make([]byte, 0, 3+len(data))
	p = append(p, byte(addr>>8), byte(addr), byte(len(data)))
	return append(p, data...)
}

// ProgApp 写一条 flash 记录：负载 = 地址高、地址低、长度、数据；总线包长 = len+9
func ProgApp(t Target, addr uint16, data []byte) (Builder, error) {
	if len(data) > MaxProgData {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLong, len(data), MaxProgData)
	}
	return mct(t, MCTCmdProgApp, progPayload(addr, data)...), nil
}

// ProgAppChecksum 把 32 位应用校验值（大端）写入 addr
func ProgAppChecksum(t Target, addr uint16, sum uint32) Builder {
	return mct(t, MCTCmdProgApp, byte(addr>>8), byte(addr), 4,
		byte(sum>>24), byte(sum>>16), byte(sum>>8), byte(sum))
}

// PosnRead 读取镜面位置
func PosnRead(t Target, mirror byte) Builder { return mct(t, MCTCmdPosn, mirror) }

// PosnWrite 设置镜面位置，数值重复两次
func PosnWrite(t Target, mirror byte, position uint16) Builder {
	hi, lo := byte(position>>8), byte(position)
	return mct(t, MCTCmdPosn, mirror, hi, lo, hi, lo)
}

// TargetRead 读取镜面目标位置
func TargetRead(t Target, mirror byte) Builder { return mct(t, MCTCmdTarget, mirror) }

// TargetWrite 设置镜面目标位置，数值重复两次
func TargetWrite(t Target, mirror byte, target uint16) Builder {
	hi, lo := byte(target>>8), byte(target)
	return mct(t, MCTCmdTarget, mirror, hi, lo, hi, lo)
}

// Track 设置跟踪模式
func Track(t Target, mirror byte, track byte) Builder { return mct(t, MCTCmdTrack, mirror, track) }

// ParamRead 读取 MCT 参数
func ParamRead(t Target, num byte) Builder { return mct(t, MCTCmdParam, num) }

// ParamWrite 写 MCT 参数。USB 帧头的 MCT 字节填 mctMaxAddr 而不是目标单元。
func ParamWrite(t Target, mctMaxAddr byte, num byte, value int16) Builder {
	return func(pid byte) Frame {
		bus := packet(byte(t.MCT), pid, MCTCmdParam, num, byte(uint16(value)>>8), byte(value))
		return forward(t.String, mctMaxAddr, bus)
	}
}

// MCTGetString 读取 MCT 主机或从机的版本串
func MCTGetString(t Target, which byte) Builder { return mct(t, MCTCmdGetString, which) }

// SlaveMode 启停主机对从机的自主轮询
func SlaveMode(t Target, magic byte) Builder { return mct(t, MCTCmdSlaveMode, magic) }

// ===== 经主机转发到从机的命令（三层嵌套，自内向外构造）=====

func slave(t Target, cmd byte, payload ...byte) Builder {
	return func(pid byte) Frame {
		inner := packet(SlaveMarker, pid, cmd, payload...)
		outer := packet(byte(t.MCT), pid, MCTCmdFwdToSlave, inner...)
		return forward(t.String, byte(t.MCT), outer)
	}
}

// SlaveJumpToBoot 从机跳转到引导程序
func SlaveJumpToBoot(t Target) Builder { return slave(t, MCTCmdJumpToBoot) }

// SlaveEraseApp 擦除从机应用区
func SlaveEraseApp(t Target) Builder { return slave(t, MCTCmdEraseApp) }

// SlaveJumpToApp 从机跳转到应用程序
func SlaveJumpToApp(t Target) Builder { return slave(t, MCTCmdJumpToApp) }

// SlaveFlashChecksum 让从机计算应用区校验
func SlaveFlashChecksum(t Target) Builder { return slave(t, MCTCmdFlashCksum) }

// SlaveProgApp 写一条从机 flash 记录。
// 从机包长 = len+9（校验覆盖 len+7），MCT 包长 = len+15，USB 帧长 = 6+7+9+len。
func SlaveProgApp(t Target, addr uint16, data []byte) (Builder, error) {
	if len(data) > MaxSlaveProgData {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLong, len(data), MaxSlaveProgData)
	}
	return slave(t, MCTCmdProgApp, progPayload(addr, data)...), nil
}

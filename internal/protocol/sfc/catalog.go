package sfc

import "fmt"

// MCT 总线命令码
const (
	MCTCmdJumpToApp  byte = 0x02
	MCTCmdEraseApp   byte = 0x03
	MCTCmdBlankCheck byte = 0x04
	MCTCmdProgApp    byte = 0x05
	MCTCmdReadFlash  byte = 0x06
	MCTCmdFlashCksum byte = 0x07
	MCTCmdJumpToBoot byte = 0x08
	MCTCmdSlaveMode  byte = 0x0D
	MCTCmdFwdToSlave byte = 0x0E
	MCTCmdGetString  byte = 0x17
	MCTCmdPosn       byte = 0x20
	MCTCmdTarget     byte = 0x21
	MCTCmdTrack      byte = 0x40 // 与 GET_MIRRORS 共用
	MCTCmdParam      byte = 0x41
)

// MCT 总线应答码
const (
	MCTRespJumpToApp  byte = 0x82
	MCTRespBlankCheck byte = 0x84
	MCTRespProgApp    byte = 0x85
	MCTRespReadFlash  byte = 0x86
	MCTRespFlashCksum byte = 0x87
	MCTRespJumpToBoot byte = 0x88
	MCTRespGetString  byte = 0x97
	MCTRespPosn       byte = 0xA0
	MCTRespTarget     byte = 0xA1
	MCTRespTrack      byte = 0xC0
	MCTRespParam      byte = 0xC1
)

// USB 层命令码
const (
	USBCmdGetVString byte = 0x17
	USBCmdGetChan    byte = 0x33
	USBCmdGetMirrors byte = 0x42
	USBCmdGetString  byte = 0x60
	USBCmdFieldState byte = 0x61
	USBCmdGetFCE     byte = 0x62
	USBCmdGetRTU     byte = 0x63
	USBCmdSendMCT485 byte = 0x64
	USBCmdGetMCT485  byte = 0x65
	USBCmdRTC        byte = 0x66
	USBCmdDesiccant  byte = 0x68
	USBCmdSFCParam   byte = 0x69
	USBCmdMemory     byte = 0x6A
	USBCmdTest       byte = 0x6B
)

// USB 层应答码
const (
	USBRespGetVString byte = 0x97
	USBRespGetChan    byte = 0xB3
	USBRespGetMirrors byte = 0xC2
	USBRespGetString  byte = 0xE0
	USBRespFieldState byte = 0xE1
	USBRespGetFCE     byte = 0xE2
	USBRespGetRTU     byte = 0xE3
	USBRespSendMCT485 byte = 0xE4
	USBRespGetMCT485  byte = 0xE5
	USBRespRTC        byte = 0xE6
	USBRespDesiccant  byte = 0xE8
	USBRespSFCParam   byte = 0xE9
	USBRespMemory     byte = 0xEA
	USBRespTest       byte = 0xEB
)

// RespFlag 应答码 = 命令码 | RespFlag
const RespFlag = 0x80

// 镜面选择字节。只观察到这两个取值，其余位的含义未知，原样透传。
const (
	Mirror1 byte = 0x03
	Mirror2 byte = 0x13
)

// GET_STRING 的主/从选择
const (
	SelectMaster byte = 0
	SelectSlave  byte = 1
)

// SLAVE_MODE 参数：停止/恢复主机对从机的自主轮询
const (
	SlaveModeStop   byte = 0x1F
	SlaveModeResume byte = 0x80
)

// Level 报文嵌套层级
type Level uint8

const (
	LevelUSB Level = iota
	LevelBus
	LevelSlave
)

func (l Level) String() string {
	switch l {
	case LevelUSB:
		return "usb"
	case LevelBus:
		return "bus"
	case LevelSlave:
		return "slave"
	default:
		return "unknown"
	}
}

// Variable 变长负载
const Variable = -1

// Command 命令目录项
type Command struct {
	Name   string
	Opcode byte
	Level  Level
	// PayloadLen 请求负载长度，Variable 表示随参数变化
	PayloadLen int
	// RespMin/RespMax 应答负载长度范围（RespMax<0 表示不限）
	RespMin int
	RespMax int
}

type catalogKey struct {
	level  Level
	opcode byte
}

var catalog = map[catalogKey]Command{}

func register(c Command) {
	catalog[catalogKey{c.Level, c.Opcode}] = c
}

func init() {
	for _, c := range []Command{
		// USB 层
		{Name: "GET_VSTRING", Opcode: USBCmdGetVString, Level: LevelUSB, PayloadLen: 0, RespMin: 1, RespMax: Variable},
		{Name: "GET_CHAN", Opcode: USBCmdGetChan, Level: LevelUSB, PayloadLen: 0, RespMin: 2, RespMax: Variable},
		{Name: "GET_MIRRORS", Opcode: USBCmdGetMirrors, Level: LevelUSB, PayloadLen: 0, RespMin: 3, RespMax: 3},
		{Name: "GET_STRING", Opcode: USBCmdGetString, Level: LevelUSB, PayloadLen: 0, RespMin: 2, RespMax: 2 + MaxUnits},
		{Name: "FIELD_STATE", Opcode: USBCmdFieldState, Level: LevelUSB, PayloadLen: 0, RespMin: 6, RespMax: 6},
		{Name: "GET_FCE", Opcode: USBCmdGetFCE, Level: LevelUSB, PayloadLen: 0, RespMin: 4, RespMax: 4},
		{Name: "GET_RTU", Opcode: USBCmdGetRTU, Level: LevelUSB, PayloadLen: 0, RespMin: 12, RespMax: 12},
		{Name: "SEND_MCT485", Opcode: USBCmdSendMCT485, Level: LevelUSB, PayloadLen: Variable, RespMin: 0, RespMax: 1},
		{Name: "GET_MCT485", Opcode: USBCmdGetMCT485, Level: LevelUSB, PayloadLen: 0, RespMin: 0, RespMax: Variable},
		{Name: "RTC", Opcode: USBCmdRTC, Level: LevelUSB, PayloadLen: Variable, RespMin: 6, RespMax: 6},
		{Name: "DESICCANT", Opcode: USBCmdDesiccant, Level: LevelUSB, PayloadLen: 0, RespMin: 5, RespMax: 5},
		{Name: "SFC_PARAM", Opcode: USBCmdSFCParam, Level: LevelUSB, PayloadLen: Variable, RespMin: 3, RespMax: 3},
		{Name: "MEMORY", Opcode: USBCmdMemory, Level: LevelUSB, PayloadLen: 3, RespMin: 3, RespMax: Variable},
		{Name: "TEST", Opcode: USBCmdTest, Level: LevelUSB, PayloadLen: 0, RespMin: 0, RespMax: Variable},

		// MCT 总线
		{Name: "JUMP_TO_APP", Opcode: MCTCmdJumpToApp, Level: LevelBus, PayloadLen: 0, RespMin: 0, RespMax: 1},
		{Name: "ERASE_APP", Opcode: MCTCmdEraseApp, Level: LevelBus, PayloadLen: 0, RespMin: 0, RespMax: 1},
		{Name: "BLANK_CHECK", Opcode: MCTCmdBlankCheck, Level: LevelBus, PayloadLen: 0, RespMin: 1, RespMax: 1},
		{Name: "PROG_APP", Opcode: MCTCmdProgApp, Level: LevelBus, PayloadLen: Variable, RespMin: 0, RespMax: 1},
		{Name: "READ_FLASH", Opcode: MCTCmdReadFlash, Level: LevelBus, PayloadLen: 3, RespMin: 3, RespMax: Variable},
		{Name: "FLASH_CKSUM", Opcode: MCTCmdFlashCksum, Level: LevelBus, PayloadLen: 0, RespMin: 0, RespMax: 4},
		{Name: "JUMP_TO_BOOT", Opcode: MCTCmdJumpToBoot, Level: LevelBus, PayloadLen: 0, RespMin: 0, RespMax: 1},
		{Name: "SLAVE_MODE", Opcode: MCTCmdSlaveMode, Level: LevelBus, PayloadLen: 1, RespMin: 0, RespMax: 1},
		{Name: "FWD_TO_SLAVE", Opcode: MCTCmdFwdToSlave, Level: LevelBus, PayloadLen: Variable, RespMin: 0, RespMax: Variable},
		{Name: "GET_STRING", Opcode: MCTCmdGetString, Level: LevelBus, PayloadLen: 1, RespMin: 1, RespMax: Variable},
		{Name: "POSN", Opcode: MCTCmdPosn, Level: LevelBus, PayloadLen: Variable, RespMin: 5, RespMax: 5},
		{Name: "TARGET", Opcode: MCTCmdTarget, Level: LevelBus, PayloadLen: Variable, RespMin: 5, RespMax: 5},
		{Name: "TRACK", Opcode: MCTCmdTrack, Level: LevelBus, PayloadLen: 2, RespMin: 3, RespMax: 3},
		{Name: "PARAM", Opcode: MCTCmdParam, Level: LevelBus, PayloadLen: Variable, RespMin: 3, RespMax: 3},
	} {
		register(c)
		// 从机子包沿用同一套 MCT 命令码
		if c.Level == LevelBus && c.Opcode != MCTCmdFwdToSlave {
			s := c
			s.Level = LevelSlave
			register(s)
		}
	}
}

// Lookup 按层级与命令码查找目录项；应答码会先去掉 RespFlag
func Lookup(level Level, opcode byte) (Command, bool) {
	c, ok := catalog[catalogKey{level, opcode}]
	if !ok && opcode&RespFlag != 0 {
		c, ok = catalog[catalogKey{level, opcode &^ RespFlag}]
	}
	return c, ok
}

// CommandName 日志/指标用的命令名
func CommandName(level Level, opcode byte) string {
	if c, ok := Lookup(level, opcode); ok {
		if opcode&RespFlag != 0 && c.Opcode != opcode {
			return c.Name + "_RESP"
		}
		return c.Name
	}
	return fmt.Sprintf("0x%02X", opcode)
}

// ResponseLenOK 应答负载长度是否符合目录项
func ResponseLenOK(level Level, opcode byte, n int) bool {
	c, ok := Lookup(level, opcode)
	if !ok {
		return false
	}
	if n < c.RespMin {
		return false
	}
	return c.RespMax < 0 || n <= c.RespMax
}

package outbound

import "github.com/taoyao-code/sfc-host/internal/protocol/sfc"

// 下行作业优先级，数值越小优先级越高
const (
	// PriorityEmergency 紧急（测试/复位）
	PriorityEmergency = 1

	// PriorityHigh 高优先级
	// 场景: 跟踪模式切换、目标位置设置
	PriorityHigh = 2

	// PriorityNormal 普通优先级
	// 场景: 参数读写、SFC 参数、时钟
	PriorityNormal = 3

	// PriorityLow 低优先级
	// 场景: 版本串、内存读取
	PriorityLow = 4

	// PriorityBackground 后台轮询
	PriorityBackground = 5
)

// CommandPriority 按 MCT 总线命令码返回优先级
func CommandPriority(cmd byte) int {
	switch cmd {
	case sfc.MCTCmdTrack, sfc.MCTCmdTarget, sfc.MCTCmdPosn:
		return PriorityHigh
	case sfc.MCTCmdParam, sfc.MCTCmdSlaveMode:
		return PriorityNormal
	case sfc.MCTCmdGetString, sfc.MCTCmdReadFlash:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// USBCommandPriority 按 USB 层命令码返回优先级
func USBCommandPriority(cmd byte) int {
	switch cmd {
	case sfc.USBCmdTest:
		return PriorityEmergency
	case sfc.USBCmdSFCParam, sfc.USBCmdRTC:
		return PriorityNormal
	case sfc.USBCmdMemory, sfc.USBCmdGetVString:
		return PriorityLow
	case sfc.USBCmdFieldState, sfc.USBCmdGetFCE, sfc.USBCmdGetRTU, sfc.USBCmdDesiccant,
		sfc.USBCmdGetString, sfc.USBCmdGetChan, sfc.USBCmdGetMirrors:
		return PriorityBackground
	default:
		return PriorityNormal
	}
}

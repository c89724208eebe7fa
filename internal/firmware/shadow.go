package firmware

import (
	"fmt"

	"github.com/taoyao-code/sfc-host/internal/protocol/sfc"
)

// ShadowSize MCT 64 KiB 地址空间
const ShadowSize = 0x10000

// Shadow 本地 flash 镜像，记录写入设备的内容，擦除态为 0xFF
type Shadow struct {
	mem []byte
}

func NewShadow() *Shadow {
	s := &Shadow{mem: make([]byte, ShadowSize)}
	s.Erase()
	return s
}

// Erase 全部置 0xFF
func (s *Shadow) Erase() {
	for i := range s.mem {
		s.mem[i] = 0xFF
	}
}

// Write 写入一段数据，不允许越过 64 KiB
func (s *Shadow) Write(addr uint16, data []byte) error {
	if int(addr)+len(data) > ShadowSize {
		return fmt.Errorf("shadow write 0x%04X+%d out of range", addr, len(data))
	}
	copy(s.mem[addr:], data)
	return nil
}

// AppChecksum 应用区校验：初值 0xFFFFFFFF，减去 [appStart, bootStart) 内每个小端 32 位字
func (s *Shadow) AppChecksum(appStart, bootStart int) uint32 {
	return sfc.AppFlashSum(s.mem, appStart, bootStart)
}

// Bytes 镜像内容（只读）
func (s *Shadow) Bytes() []byte { return s.mem }

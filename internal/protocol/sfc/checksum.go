package sfc

import "errors"

var (
	// ErrChecksumMismatch 校验值不匹配
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// checksumSeed 寄存器初值
const checksumSeed = 0x1D0F

// Checksum 计算 buf[offset:offset+length] 的 16 位校验值。
// 寄存器按 32 位无符号运算：交换字节时截回 16 位，左移产生的高位保留到下一次交换。
func Checksum(buf []byte, offset, length int) uint16 {
	var crc uint32 = checksumSeed
	for i := 0; i < length; i++ {
		crc = (crc>>8)&0xFF | (crc&0xFF)<<8
		crc ^= uint32(buf[offset+i])
		crc ^= (crc & 0xFF) >> 4
		crc ^= (crc << 8) << 4
		crc ^= ((crc & 0xFF) << 4) << 1
	}
	return uint16(crc)
}

// ApplyChecksum 计算校验值并以大端写入 buf[offset+length]、buf[offset+length+1]
func ApplyChecksum(buf []byte, offset, length int) uint16 {
	crc := Checksum(buf, offset, length)
	buf[offset+length] = byte(crc >> 8)
	buf[offset+length+1] = byte(crc)
	return crc
}

// VerifyChecksum 校验 buf[offset:offset+length] 之后紧跟的 2 字节校验值
func VerifyChecksum(buf []byte, offset, length int) error {
	if offset < 0 || length < 0 || offset+length+ChecksumSize > len(buf) {
		return ErrShort
	}
	want := Checksum(buf, offset, length)
	got := uint16(buf[offset+length])<<8 | uint16(buf[offset+length+1])
	if got != want {
		return ErrChecksumMismatch
	}
	return nil
}

// 应用区地址范围（与 MCT 引导程序一致）
const (
	AppStart  = 0x2000
	BootStart = 0xEDB8
)

// AppFlashSum MCT 应用区校验：初值 0xFFFFFFFF，依次减去 [start, end) 内每个小端 32 位字
func AppFlashSum(mem []byte, start, end int) uint32 {
	sum := uint32(0xFFFFFFFF)
	for a := start; a+4 <= end && a+4 <= len(mem); a += 4 {
		sum -= uint32(mem[a]) | uint32(mem[a+1])<<8 | uint32(mem[a+2])<<16 | uint32(mem[a+3])<<24
	}
	return sum
}

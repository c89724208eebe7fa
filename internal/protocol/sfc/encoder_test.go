package sfc

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mustBuilder 包装返回 (Builder, error) 的构造函数
func mustBuilder(t *testing.T) func(Builder, error) Builder {
	return func(b Builder, err error) Builder {
		t.Helper()
		require.NoError(t, err)
		return b
	}
}

// 所有构造函数：LEN 等于实际长度，USB 校验覆盖 0..LEN-3
func TestBuilders_LenAndChecksum(t *testing.T) {
	tg := Target{String: 2, MCT: 4}
	data13 := bytes.Repeat([]byte{0x5A}, 13)

	tests := []struct {
		name    string
		frame   Frame
		wantLen int
	}{
		{name: "FIELD_STATE", frame: FieldState(), wantLen: 7},
		{name: "GET_FCE", frame: GetFCE(), wantLen: 7},
		{name: "GET_RTU", frame: GetRTU(), wantLen: 7},
		{name: "DESICCANT", frame: Desiccant(), wantLen: 7},
		{name: "TEST", frame: Test(), wantLen: 7},
		{name: "GET_STRING", frame: GetString(1), wantLen: 7},
		{name: "GET_VSTRING", frame: GetVString(1), wantLen: 7},
		{name: "GET_MCT485", frame: GetMCT485(1), wantLen: 7},
		{name: "GET_CHAN", frame: GetChan(tg), wantLen: 7},
		{name: "GET_MIRRORS", frame: GetMirrors(tg), wantLen: 7},
		{name: "RTC读", frame: RTCRead(), wantLen: 7},
		{name: "RTC写", frame: RTCWrite(time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)), wantLen: 13},
		{name: "SFC参数读", frame: SFCParamRead(1), wantLen: 8},
		{name: "SFC参数写", frame: SFCParamWrite(1, -2), wantLen: 10},
		{name: "内存读", frame: MemoryRead(0x1000, 16), wantLen: 10},
		{name: "JUMP_TO_BOOT", frame: JumpToBoot(tg)(1), wantLen: 13},
		{name: "ERASE_APP", frame: EraseApp(tg)(1), wantLen: 13},
		{name: "JUMP_TO_APP", frame: JumpToApp(tg)(1), wantLen: 13},
		{name: "BLANK_CHECK", frame: BlankCheck(tg)(1), wantLen: 13},
		{name: "FLASH_CKSUM", frame: FlashChecksum(tg)(1), wantLen: 13},
		{name: "READ_FLASH", frame: ReadFlash(tg, 0x2000, 16)(1), wantLen: 16},
		{name: "PROG_APP", frame: mustBuilder(t)(ProgApp(tg, 0x2000, data13))(1), wantLen: 7 + 9 + 13},
		{name: "PROG_APP校验值", frame: ProgAppChecksum(tg, AppChecksumAddr, 0x12345678)(1), wantLen: 20},
		{name: "位置读", frame: PosnRead(tg, Mirror1)(1), wantLen: 14},
		{name: "位置写", frame: PosnWrite(tg, Mirror2, 0x1234)(1), wantLen: 18},
		{name: "目标读", frame: TargetRead(tg, Mirror1)(1), wantLen: 14},
		{name: "目标写", frame: TargetWrite(tg, Mirror1, 0x1234)(1), wantLen: 18},
		{name: "TRACK", frame: Track(tg, Mirror1, 2)(1), wantLen: 15},
		{name: "参数读", frame: ParamRead(tg, 3)(1), wantLen: 14},
		{name: "参数写", frame: ParamWrite(tg, 10, 3, 100)(1), wantLen: 16},
		{name: "MCT版本串", frame: MCTGetString(tg, SelectSlave)(1), wantLen: 14},
		{name: "SLAVE_MODE", frame: SlaveMode(tg, 0x1F)(1), wantLen: 14},
		{name: "从机JUMP_TO_BOOT", frame: SlaveJumpToBoot(tg)(1), wantLen: 19},
		{name: "从机ERASE_APP", frame: SlaveEraseApp(tg)(1), wantLen: 19},
		{name: "从机JUMP_TO_APP", frame: SlaveJumpToApp(tg)(1), wantLen: 19},
		{name: "从机FLASH_CKSUM", frame: SlaveFlashChecksum(tg)(1), wantLen: 19},
		{name: "从机PROG_APP", frame: mustBuilder(t)(SlaveProgApp(tg, 0x2000, data13))(1), wantLen: 6 + 7 + 9 + 13},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := tt.frame
			assert.Equal(t, tt.wantLen, len(f))
			assert.Equal(t, tt.wantLen, f.Len())
			assert.LessOrEqual(t, f.Len(), MaxFrameSize)
			assert.NoError(t, f.Verify())
		})
	}
}

// 转发命令：USB 负载是一个校验正确的总线包，事务号与 USB 帧一致
func TestForwardedPacket(t *testing.T) {
	tg := Target{String: 1, MCT: 6}
	f := PosnWrite(tg, Mirror2, 0xABCD)(0x42)
	assert.Zero(t, f.PID(), "USB 事务号由执行器写入")

	f.SetPID(0x42)
	require.NoError(t, f.Seal())
	require.NoError(t, f.Verify())
	assert.Equal(t, byte(1), f[OffString])
	assert.Equal(t, byte(6), f[OffMCT])
	assert.Equal(t, byte(0x42), f.PID())
	assert.Equal(t, USBCmdSendMCT485, f.Cmd())

	bus := f.Data()
	require.NoError(t, VerifyBusPacket(bus))
	p, err := ParseBusPacket(bus)
	require.NoError(t, err)
	assert.Equal(t, byte(6), p.Addr)
	assert.Equal(t, byte(0x42), p.PID)
	assert.Equal(t, byte(11), p.Len)
	assert.Equal(t, MCTCmdPosn, p.Cmd)
	assert.Equal(t, []byte{Mirror2, 0xAB, 0xCD, 0xAB, 0xCD}, p.Payload)
}

// S1 记录声明长度 0x10 → 13 个数据字节
func TestSlaveProgApp_NestedLengths(t *testing.T) {
	tg := Target{String: 0, MCT: 2}
	data := bytes.Repeat([]byte{0x11}, 0x10-3)
	b, err := SlaveProgApp(tg, 0x2000, data)
	require.NoError(t, err)
	f := b(9)

	assert.Equal(t, 35, f.Len())
	assert.Equal(t, byte(35), f[OffLen])
	require.NoError(t, f.Verify())

	mct, err := ParseBusPacket(f.Data())
	require.NoError(t, err)
	assert.Equal(t, MCTCmdFwdToSlave, mct.Cmd)
	assert.Equal(t, byte(28), mct.Len)
	require.NoError(t, VerifyBusPacket(f.Data()))

	slave, err := ParseBusPacket(mct.Payload)
	require.NoError(t, err)
	assert.True(t, slave.IsSlave())
	assert.Equal(t, byte(22), slave.Len)
	assert.Equal(t, byte(9), slave.PID)
	assert.Equal(t, MCTCmdProgApp, slave.Cmd)
	// 从机校验覆盖 7+len 字节
	assert.Equal(t, Checksum(mct.Payload, 0, 20), uint16(mct.Payload[20])<<8|uint16(mct.Payload[21]))
	assert.Equal(t, []byte{0x20, 0x00, 13}, slave.Payload[:3])
	assert.Equal(t, data, slave.Payload[3:])
}

func TestProgApp_TooLong(t *testing.T) {
	tg := Target{String: 0, MCT: 1}

	_, err := ProgApp(tg, 0x2000, make([]byte, MaxProgData))
	assert.NoError(t, err)
	_, err = ProgApp(tg, 0x2000, make([]byte, MaxProgData+1))
	assert.ErrorIs(t, err, ErrPayloadTooLong)

	b, err := SlaveProgApp(tg, 0x2000, make([]byte, MaxSlaveProgData))
	require.NoError(t, err)
	assert.Equal(t, MaxFrameSize, b(1).Len())
	_, err = SlaveProgApp(tg, 0x2000, make([]byte, MaxSlaveProgData+1))
	assert.ErrorIs(t, err, ErrPayloadTooLong)
}

func TestProgAppChecksum_BigEndian(t *testing.T) {
	f := ProgAppChecksum(Target{String: 0, MCT: 1}, AppChecksumAddr, 0xDEADBEEF)(3)
	p, err := ParseBusPacket(f.Data())
	require.NoError(t, err)
	assert.Equal(t, byte(13), p.Len)
	assert.Equal(t, []byte{0xED, 0xB8, 4, 0xDE, 0xAD, 0xBE, 0xEF}, p.Payload)
}

// mctNum=3, pid=7, mctMaxAddr=5, paramNum=2, param=-100
func TestParamWrite_EndToEnd(t *testing.T) {
	f := ParamWrite(Target{String: 0, MCT: 3}, 5, 2, -100)(7)

	assert.Equal(t, byte(16), f[OffLen])
	assert.Equal(t, byte(5), f[OffMCT])
	assert.Equal(t, []byte{3, 7, 9, 0x41, 2, 0xFF, 0x9C}, []byte(f[5:12]))
	assert.Equal(t, []byte{0x97, 0x4F}, []byte(f[12:14]))
	assert.NoError(t, f.Verify())
}

func TestFrame_SetPIDAndSeal(t *testing.T) {
	f := FieldState()
	f.SetPID(0x33)
	assert.ErrorIs(t, f.Verify(), ErrChecksumMismatch)
	require.NoError(t, f.Seal())
	assert.NoError(t, f.Verify())
	assert.Equal(t, byte(0x33), f.PID())
}

func TestFrame_SealRejectsBadLen(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
	}{
		{name: "空帧", frame: Frame{}},
		{name: "LEN为0", frame: Frame{0, 0, 0, 0, 0x61, 0, 0}},
		{name: "LEN为1", frame: Frame{0, 0, 1}},
		{name: "LEN超过实际长度", frame: Frame{0, 0, 9, 0, 0x61, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := tt.frame.Clone()
			assert.NotPanics(t, func() {
				assert.ErrorIs(t, tt.frame.Seal(), ErrBad)
			})
			assert.Equal(t, before, tt.frame, "出错时不改动帧")
		})
	}
}

func TestFrame_Valid(t *testing.T) {
	tests := []struct {
		name    string
		frame   Frame
		wantErr error
	}{
		{name: "过短", frame: Frame{0, 0, 7}, wantErr: ErrShort},
		{name: "LEN超过实际长度", frame: Frame{0, 0, 9, 0, 0x61, 0, 0}, wantErr: ErrBad},
		{name: "LEN小于最小帧", frame: Frame{0, 0, 3, 0, 0x61, 0, 0}, wantErr: ErrBad},
		{name: "正常", frame: FieldState()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.frame.Valid()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestTarget_Valid(t *testing.T) {
	assert.NoError(t, Target{String: 3, MCT: 10}.Valid())
	assert.Error(t, Target{String: 4, MCT: 1}.Valid())
	assert.Error(t, Target{String: 0, MCT: 11}.Valid())
	assert.Equal(t, "2/5", Target{String: 2, MCT: 5}.Label())
}

func TestCatalog(t *testing.T) {
	c, ok := Lookup(LevelBus, MCTRespParam)
	require.True(t, ok)
	assert.Equal(t, "PARAM", c.Name)

	_, ok = Lookup(LevelSlave, MCTCmdProgApp)
	assert.True(t, ok)
	_, ok = Lookup(LevelSlave, MCTCmdFwdToSlave)
	assert.False(t, ok)

	assert.Equal(t, "FIELD_STATE_RESP", CommandName(LevelUSB, USBRespFieldState))
	assert.Equal(t, "SEND_MCT485", CommandName(LevelUSB, USBCmdSendMCT485))
	assert.Equal(t, "0x7F", CommandName(LevelUSB, 0x7F))

	assert.True(t, ResponseLenOK(LevelUSB, USBRespFieldState, 6))
	assert.False(t, ResponseLenOK(LevelUSB, USBRespFieldState, 5))
	assert.True(t, ResponseLenOK(LevelUSB, USBRespGetMCT485, 40))
}

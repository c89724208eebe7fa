package firmware

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/sfc-host/internal/outbound"
	"github.com/taoyao-code/sfc-host/internal/protocol/sfc"
	"github.com/taoyao-code/sfc-host/internal/simulator"
	"github.com/taoyao-code/sfc-host/internal/transport"
)

// s1 生成一条带正确校验的 S1 记录
func s1(addr uint16, data []byte) string {
	raw := []byte{byte(len(data) + 3), byte(addr >> 8), byte(addr)}
	raw = append(raw, data...)
	var sum byte
	for _, b := range raw {
		sum += b
	}
	raw = append(raw, ^sum)
	return "S1" + strings.ToUpper(hex.EncodeToString(raw))
}

func block(seed byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = seed + byte(i)
	}
	return out
}

func image(lines ...string) io.Reader {
	all := append([]string{"S00600004844521B"}, lines...)
	all = append(all, "S9030000FC")
	return strings.NewReader(strings.Join(all, "\n") + "\n")
}

type pollCtl struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (p *pollCtl) Suspend(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "suspend")
	return p.err
}

func (p *pollCtl) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "resume")
}

func (p *pollCtl) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

type runStore struct {
	runs []Run
}

func (s *runStore) SaveRun(_ context.Context, run Run) error {
	s.runs = append(s.runs, run)
	return nil
}

type rig struct {
	field *simulator.Field
	fake  *transport.Fake
	poll  *pollCtl
	store *runStore
	u     *Updater
}

func newRig(t *testing.T) *rig {
	t.Helper()
	cfg := simulator.DefaultConfig()
	r := &rig{field: simulator.New(cfg), poll: &pollCtl{}, store: &runStore{}}
	r.fake = transport.NewFake(r.field.Respond)
	ex := outbound.NewExecutor(r.fake, outbound.Config{MaxAttempts: 3, WaitCycles: 5, WaitCycle: time.Millisecond, BusPolls: 10}, nil, nil)

	fcfg := DefaultConfig()
	fcfg.EraseSettle = 0
	r.u = New(ex, r.poll, fcfg, nil, nil)
	r.u.SetRunStore(r.store)
	return r
}

// innerPacket SEND_MCT485 帧里最终送达单片机的总线包（转从机时取内层）
func innerPacket(f sfc.Frame) (sfc.BusPacket, bool) {
	if f.Cmd() != sfc.USBCmdSendMCT485 {
		return sfc.BusPacket{}, false
	}
	p, err := sfc.ParseBusPacket(f.Data())
	if err != nil {
		return sfc.BusPacket{}, false
	}
	if p.Cmd == sfc.MCTCmdFwdToSlave {
		if p, err = sfc.ParseBusPacket(p.Payload); err != nil {
			return sfc.BusPacket{}, false
		}
	}
	return p, true
}

func isProg(f sfc.Frame, addr uint16) bool {
	p, ok := innerPacket(f)
	return ok && p.Cmd == sfc.MCTCmdProgApp && len(p.Payload) >= 2 && binary.BigEndian.Uint16(p.Payload) == addr
}

// countProg frames 中写 addr 的 PROG_APP 转发帧数
func countProg(frames []sfc.Frame, addr uint16) int {
	n := 0
	for _, f := range frames {
		if isProg(f, addr) {
			n++
		}
	}
	return n
}

// countBusCmd frames 中转发 cmd 的帧数
func countBusCmd(frames []sfc.Frame, cmd byte) int {
	n := 0
	for _, f := range frames {
		if p, ok := innerPacket(f); ok && p.Cmd == cmd {
			n++
		}
	}
	return n
}

// progFrames 模拟场站收到的、写 addr 的 PROG_APP 转发帧数
func (r *rig) progFrames(addr uint16) int { return countProg(r.field.Requests(), addr) }

func TestParseRecord(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		ok      bool
		addr    uint16
		data    []byte
		wantErr bool
	}{
		{name: "数据记录", line: s1(0x2000, []byte{1, 2, 3, 4}), ok: true, addr: 0x2000, data: []byte{1, 2, 3, 4}},
		{name: "空数据记录", line: s1(0x3000, nil), ok: true, addr: 0x3000, data: []byte{}},
		{name: "头记录跳过", line: "S00600004844521B"},
		{name: "计数记录跳过", line: "S5030001FB"},
		{name: "结束记录跳过", line: "S9030000FC"},
		{name: "不支持的类型", line: "S2080020000102030400", wantErr: true},
		{name: "过短", line: "S1030000", wantErr: true},
		{name: "非十六进制", line: "S1070020000102ZZ00", wantErr: true},
		{name: "计数不符", line: "S10820000102030400", wantErr: true},
		{name: "校验错误", line: s1(0x2000, []byte{1, 2, 3, 4})[:16] + "00", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, ok, err := ParseRecord(tt.line)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedRecord)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.addr, rec.Address)
				assert.Equal(t, tt.data, rec.Data)
			}
		})
	}
}

func TestReader_LineNumbers(t *testing.T) {
	src := strings.Join([]string{
		"S00600004844521B",
		"",
		s1(0x2000, []byte{0xAA}),
		"S1FFbad",
	}, "\n")
	rd := NewReader(strings.NewReader(src))

	rec, err := rd.Next()
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Line)

	_, err = rd.Next()
	assert.ErrorIs(t, err, ErrMalformedRecord)
	assert.Contains(t, err.Error(), "line 4")
}

func TestReadAll(t *testing.T) {
	recs, err := ReadAll(image(s1(0x2000, block(0, 16)), s1(0x2010, block(16, 16))))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, uint16(0x2010), recs[1].Address)

	n, err := Count(image(s1(0x2000, block(0, 4))))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSplit(t *testing.T) {
	recs := split([]Record{{Line: 2, Address: 0x2000, Data: block(0, 10)}}, 4)
	require.Len(t, recs, 3)
	assert.Equal(t, []uint16{0x2000, 0x2004, 0x2008}, []uint16{recs[0].Address, recs[1].Address, recs[2].Address})
	assert.Equal(t, []byte{8, 9}, recs[2].Data)
	assert.Equal(t, 2, recs[2].Line)
}

func TestShadow_AppChecksum(t *testing.T) {
	s := NewShadow()
	assert.Equal(t, uint32(0x0000336D), s.AppChecksum(sfc.AppStart, sfc.BootStart))

	require.NoError(t, s.Write(0x2000, []byte{0x01, 0x00, 0x00, 0x00}))
	assert.Equal(t, uint32(0x0000336B), s.AppChecksum(sfc.AppStart, sfc.BootStart))

	assert.Error(t, s.Write(0xFFFE, []byte{1, 2, 3}))

	s.Erase()
	assert.Equal(t, byte(0xFF), s.Bytes()[0x2000])
}

func TestUpdater_Master(t *testing.T) {
	r := newRig(t)
	tg := sfc.Target{String: 0, MCT: 2}
	var phases []Phase
	r.u.OnProgress(func(p Progress) {
		if len(phases) == 0 || phases[len(phases)-1] != p.Phase {
			phases = append(phases, p.Phase)
		}
	})

	run, err := r.u.Run(context.Background(), Request{
		Target: tg,
		Image:  image(s1(0x2000, block(0, 16)), s1(0x2010, block(16, 16))),
		Name:   "app.s19",
	})
	require.NoError(t, err)
	assert.True(t, run.Succeeded())
	assert.Equal(t, 2, run.Records)
	assert.Equal(t, 32, run.Bytes)

	mem := r.field.Flash(tg, false)
	assert.Equal(t, block(0, 32), mem[0x2000:0x2020])
	assert.Equal(t, sfc.AppFlashSum(mem, sfc.AppStart, sfc.BootStart), run.Checksum)
	assert.Equal(t, run.Checksum, binary.BigEndian.Uint32(mem[sfc.AppChecksumAddr:]))
	assert.False(t, r.field.InBoot(tg, false))
	assert.Zero(t, countBusCmd(r.fake.Sent(), sfc.MCTCmdFlashCksum), "主机写入校验后直接跳回应用")

	assert.Equal(t, []Phase{
		PhaseStopPolling, PhaseJumpToBoot, PhaseEraseApp, PhaseProgramRecords,
		PhaseComputeChecksum, PhaseWriteChecksum, PhaseJumpToApp, PhaseResumePolling, PhaseIdle,
	}, phases)
	assert.Equal(t, []string{"suspend", "resume"}, r.poll.Calls())

	require.Len(t, r.store.runs, 1)
	assert.Equal(t, run.ID, r.store.runs[0].ID)
	last, ok := r.u.Last()
	require.True(t, ok)
	assert.Equal(t, PhaseIdle.String(), last.Phase)
	assert.False(t, r.u.Running())
}

func TestUpdater_Slave(t *testing.T) {
	r := newRig(t)
	tg := sfc.Target{String: 1, MCT: 1}

	run, err := r.u.Run(context.Background(), Request{
		Target: tg,
		Kind:   KindSlave,
		Image:  image(s1(0x2000, block(0x40, 16))),
	})
	require.NoError(t, err)
	assert.Equal(t, "slave", run.Kind)

	assert.Equal(t, block(0x40, 16), r.field.Flash(tg, true)[0x2000:0x2010])
	assert.Equal(t, byte(0xFF), r.field.Flash(tg, false)[0x2000], "主机 flash 不应被改动")
	assert.Equal(t, sfc.SlaveModeResume, r.field.SlaveMode(tg))
	assert.False(t, r.field.InBoot(tg, true))
	assert.Equal(t, 1, r.progFrames(0x2000))
	assert.Equal(t, 1, countBusCmd(r.fake.Sent(), sfc.MCTCmdFlashCksum))
}

func TestUpdater_RecordFailureAborts(t *testing.T) {
	r := newRig(t)
	tg := sfc.Target{String: 0, MCT: 1}
	r.field.Faults().FailProgram(0, 0x2010, false)

	run, err := r.u.Run(context.Background(), Request{
		Target: tg,
		Image:  image(s1(0x2000, block(0, 16)), s1(0x2010, block(16, 16)), s1(0x2020, block(32, 16))),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRecordFailed)
	assert.ErrorIs(t, err, outbound.ErrNoBusReply)

	var re *RecordError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, 1, re.Index)
	assert.Equal(t, uint16(0x2010), re.Address)
	assert.Equal(t, 3, re.Attempts)

	assert.Equal(t, 1, r.progFrames(0x2000))
	assert.Equal(t, 3, r.progFrames(0x2010))
	assert.Equal(t, 0, r.progFrames(0x2020))

	assert.False(t, run.Succeeded())
	assert.Equal(t, 1, run.Records)
	assert.Equal(t, []string{"suspend", "resume"}, r.poll.Calls(), "失败后也要恢复轮询")
	assert.True(t, r.field.InBoot(tg, false), "已写入的记录不回滚，单元停在引导程序")
	require.Len(t, r.store.runs, 1)
	assert.NotEmpty(t, r.store.runs[0].Error)
}

func TestUpdater_DroppedRecordSentThreeTimes(t *testing.T) {
	r := newRig(t)
	tg := sfc.Target{String: 0, MCT: 1}
	// SFC 对写 0x2010 的转发帧一直不回 USB 应答
	r.fake.SetResponder(func(req sfc.Frame) []sfc.Frame {
		if isProg(req, 0x2010) {
			return nil
		}
		return r.field.Respond(req)
	})

	_, err := r.u.Run(context.Background(), Request{
		Target: tg,
		Image:  image(s1(0x2000, block(0, 16)), s1(0x2010, block(16, 16)), s1(0x2020, block(32, 16))),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRecordFailed)
	assert.ErrorIs(t, err, outbound.ErrTimeout)

	var re *RecordError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, 3, re.Attempts)

	sent := r.fake.Sent()
	assert.Equal(t, 1, countProg(sent, 0x2000))
	assert.Equal(t, 3, countProg(sent, 0x2010), "每次记录尝试只上一次线")
	assert.Equal(t, 0, countProg(sent, 0x2020))
}

func TestUpdater_MalformedImage(t *testing.T) {
	r := newRig(t)

	_, err := r.u.Run(context.Background(), Request{
		Target: sfc.Target{String: 0, MCT: 1},
		Image:  image(s1(0x2000, block(0, 4)), "S1070020zz"),
	})
	assert.ErrorIs(t, err, ErrMalformedRecord)
	assert.Empty(t, r.fake.Sent())
	assert.Empty(t, r.poll.Calls())
	assert.Empty(t, r.store.runs)
}

func TestUpdater_Rejects(t *testing.T) {
	r := newRig(t)

	_, err := r.u.Run(context.Background(), Request{Target: sfc.Target{String: 0, MCT: 0}, Image: image()})
	assert.Error(t, err)

	r.u.running.Store(true)
	_, err = r.u.Run(context.Background(), Request{Target: sfc.Target{String: 0, MCT: 1}, Image: image()})
	assert.ErrorIs(t, err, ErrUpdateInProgress)
	assert.Empty(t, r.fake.Sent())
}

func TestUpdater_SuspendFails(t *testing.T) {
	r := newRig(t)
	r.poll.err = context.DeadlineExceeded

	_, err := r.u.Run(context.Background(), Request{Target: sfc.Target{String: 0, MCT: 1}, Image: image(s1(0x2000, block(0, 4)))})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, r.fake.Sent())
	assert.Equal(t, []string{"suspend"}, r.poll.Calls())
}

func TestUpdater_CanceledDuringErase(t *testing.T) {
	r := newRig(t)
	r.u.cfg.EraseSettle = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	r.u.OnProgress(func(p Progress) {
		if p.Phase == PhaseEraseApp {
			cancel()
		}
	})

	_, err := r.u.Run(ctx, Request{Target: sfc.Target{String: 0, MCT: 1}, Image: image(s1(0x2000, block(0, 4)))})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"suspend", "resume"}, r.poll.Calls())
	require.Len(t, r.store.runs, 1, "取消后仍保存记录")
}

func TestVerifySum(t *testing.T) {
	tests := []struct {
		name    string
		reading sfc.Reading
		wantErr bool
	}{
		{name: "一致", reading: sfc.BusReply{Value: sfc.FlashSum{Present: true, Sum: 0x1234}}},
		{name: "仅确认", reading: sfc.BusReply{Value: sfc.FlashSum{}}},
		{name: "不一致", reading: sfc.BusReply{Value: sfc.FlashSum{Present: true, Sum: 1}}, wantErr: true},
		{name: "非总线应答", reading: sfc.Ack{}, wantErr: true},
		{name: "应答类型不对", reading: sfc.BusReply{Value: sfc.Ack{}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := verifySum(tt.reading, 0x1234)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrChecksumVerify)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestParseKind(t *testing.T) {
	for _, s := range []string{"", "master", "slave"} {
		t.Run(fmt.Sprintf("种类%q", s), func(t *testing.T) {
			_, err := ParseKind(s)
			assert.NoError(t, err)
		})
	}
	_, err := ParseKind("boot")
	assert.Error(t, err)
	assert.Equal(t, "write_checksum", PhaseWriteChecksum.String())
}

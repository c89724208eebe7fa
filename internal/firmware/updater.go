package firmware

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taoyao-code/sfc-host/internal/metrics"
	"github.com/taoyao-code/sfc-host/internal/outbound"
	"github.com/taoyao-code/sfc-host/internal/protocol/sfc"
)

var (
	// ErrRecordFailed 单条记录重试用尽，整个升级中止（已写入的记录不回滚）
	ErrRecordFailed = errors.New("firmware record failed")
	// ErrUpdateInProgress 同一时刻只允许一次升级
	ErrUpdateInProgress = errors.New("firmware update in progress")
	// ErrChecksumVerify 设备回报的应用区校验与本地镜像不符
	ErrChecksumVerify = errors.New("firmware checksum mismatch")
)

// RecordError 记录失败的详情
type RecordError struct {
	Index    int
	Line     int
	Address  uint16
	Attempts int
	Err      error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %d (line %d, addr 0x%04X) failed after %d attempts: %v",
		e.Index, e.Line, e.Address, e.Attempts, e.Err)
}

func (e *RecordError) Unwrap() []error { return []error{ErrRecordFailed, e.Err} }

// Kind 升级主机还是从机固件
type Kind int

const (
	KindMaster Kind = iota
	KindSlave
)

func (k Kind) String() string {
	if k == KindSlave {
		return "slave"
	}
	return "master"
}

// ParseKind "master" / "slave"
func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "master":
		return KindMaster, nil
	case "slave":
		return KindSlave, nil
	}
	return KindMaster, fmt.Errorf("unknown firmware kind %q", s)
}

// Phase 升级阶段
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStopPolling
	PhaseJumpToBoot
	PhaseEraseApp
	PhaseProgramRecords
	PhaseComputeChecksum
	PhaseWriteChecksum
	PhaseJumpToApp
	PhaseResumePolling
)

var phaseNames = [...]string{
	PhaseIdle:            "idle",
	PhaseStopPolling:     "stop_polling",
	PhaseJumpToBoot:      "jump_to_boot",
	PhaseEraseApp:        "erase_app",
	PhaseProgramRecords:  "program_records",
	PhaseComputeChecksum: "compute_checksum",
	PhaseWriteChecksum:   "write_checksum",
	PhaseJumpToApp:       "jump_to_app",
	PhaseResumePolling:   "resume_polling",
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Executor 升级使用的转发执行器。编程帧走 ForwardOnce，重发次数由 RecordAttempts 决定。
type Executor interface {
	Forward(ctx context.Context, build sfc.Builder, minReply int) (sfc.Frame, error)
	ForwardOnce(ctx context.Context, build sfc.Builder, minReply int) (sfc.Frame, error)
}

// PollControl 升级期间暂停常规轮询
type PollControl interface {
	Suspend(ctx context.Context) error
	Resume()
}

// RunStore 升级记录持久化
type RunStore interface {
	SaveRun(ctx context.Context, run Run) error
}

// Config 升级参数
type Config struct {
	EraseSettle    time.Duration
	RecordAttempts int
	AppStart       int
	BootStart      int
	ChecksumAddr   uint16
}

// DefaultConfig 擦除后等 2s，每条记录最多 3 次
func DefaultConfig() Config {
	return Config{
		EraseSettle:    2 * time.Second,
		RecordAttempts: 3,
		AppStart:       sfc.AppStart,
		BootStart:      sfc.BootStart,
		ChecksumAddr:   sfc.AppChecksumAddr,
	}
}

// Request 一次升级请求
type Request struct {
	Target sfc.Target
	Kind   Kind
	Image  io.Reader
	// Name 镜像名，只用于记录
	Name string
}

// Run 一次升级的结果
type Run struct {
	ID         string     `json:"id"`
	Target     sfc.Target `json:"target"`
	Kind       string     `json:"kind"`
	Image      string     `json:"image,omitempty"`
	Phase      string     `json:"phase"`
	Records    int        `json:"records"`
	Total      int        `json:"total"`
	Bytes      int        `json:"bytes"`
	Checksum   uint32     `json:"checksum"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt time.Time  `json:"finishedAt,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Succeeded 运行结束且没有错误
func (r Run) Succeeded() bool { return !r.FinishedAt.IsZero() && r.Error == "" }

// Progress 进度回调参数
type Progress struct {
	RunID  string
	Phase  Phase
	Record int
	Total  int
	Bytes  int
}

// Updater 固件升级状态机
type Updater struct {
	cfg     Config
	ex      Executor
	poll    PollControl
	store   RunStore
	log     *zap.Logger
	metrics *metrics.AppMetrics
	now     func() time.Time

	progress func(Progress)
	running  atomic.Bool

	mu   sync.Mutex
	last *Run
}

// New 创建升级器。poll、log、m 可以为 nil。
func New(ex Executor, poll PollControl, cfg Config, log *zap.Logger, m *metrics.AppMetrics) *Updater {
	def := DefaultConfig()
	if cfg.RecordAttempts <= 0 {
		cfg.RecordAttempts = def.RecordAttempts
	}
	if cfg.BootStart <= cfg.AppStart {
		cfg.AppStart, cfg.BootStart = def.AppStart, def.BootStart
	}
	if cfg.ChecksumAddr == 0 {
		cfg.ChecksumAddr = def.ChecksumAddr
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Updater{cfg: cfg, ex: ex, poll: poll, log: log.Named("firmware"), metrics: m, now: time.Now}
}

// SetRunStore 安装升级记录存储
func (u *Updater) SetRunStore(s RunStore) { u.store = s }

// OnProgress 安装进度回调（在升级 goroutine 中调用，应尽快返回）
func (u *Updater) OnProgress(fn func(Progress)) { u.progress = fn }

// Running 是否有升级在进行
func (u *Updater) Running() bool { return u.running.Load() }

// Last 最近一次（或正在进行的）升级
func (u *Updater) Last() (Run, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.last == nil {
		return Run{}, false
	}
	return *u.last, true
}

func (u *Updater) publish(run Run) {
	u.mu.Lock()
	u.last = &run
	u.mu.Unlock()
}

// session 单次升级的上下文
type session struct {
	*Updater
	Run
	req    Request
	shadow *Shadow
	log    *zap.Logger
}

func (r *session) enter(p Phase) {
	r.Phase = p.String()
	r.publish(r.Run)
	r.log.Info("firmware phase", zap.String("phase", r.Phase))
	r.report(p)
}

func (r *session) report(p Phase) {
	if r.progress != nil {
		r.progress(Progress{RunID: r.ID, Phase: p, Record: r.Records, Total: r.Total, Bytes: r.Bytes})
	}
}

// Run 执行一次完整升级。镜像在停止轮询前整体解析，格式错误不会触碰设备。
// 常规轮询在返回前总会恢复；编程阶段失败不回滚已写入的记录。
func (u *Updater) Run(ctx context.Context, req Request) (Run, error) {
	if err := req.Target.Valid(); err != nil || req.Target.MCT < 1 {
		return Run{}, fmt.Errorf("invalid target %s", req.Target.Label())
	}
	if !u.running.CompareAndSwap(false, true) {
		return Run{}, ErrUpdateInProgress
	}
	defer u.running.Store(false)

	records, err := ReadAll(req.Image)
	if err != nil {
		return Run{}, err
	}
	limit := sfc.MaxProgData
	if req.Kind == KindSlave {
		limit = sfc.MaxSlaveProgData
	}
	records = split(records, limit)

	r := &session{
		Updater: u,
		Run: Run{
			ID:        uuid.NewString(),
			Target:    req.Target,
			Kind:      req.Kind.String(),
			Image:     req.Name,
			Total:     len(records),
			StartedAt: u.now(),
		},
		req:    req,
		shadow: NewShadow(),
	}
	r.log = u.log.With(zap.String("run_id", r.ID), zap.Int("string", req.Target.String),
		zap.Int("mct", req.Target.MCT), zap.String("kind", r.Kind))
	r.log.Info("firmware update started", zap.String("image", req.Name), zap.Int("records", r.Total))

	err = r.execute(ctx, records)

	r.FinishedAt = u.now()
	r.Phase = PhaseIdle.String()
	if err != nil {
		r.Error = err.Error()
		r.log.Error("firmware update failed", zap.Int("records_written", r.Records), zap.Error(err))
	} else {
		r.log.Info("firmware update finished", zap.Uint32("checksum", r.Checksum),
			zap.Duration("elapsed", r.FinishedAt.Sub(r.StartedAt)))
	}
	u.publish(r.Run)
	r.report(PhaseIdle)
	if u.store != nil {
		if serr := u.store.SaveRun(context.WithoutCancel(ctx), r.Run); serr != nil {
			r.log.Warn("save firmware run failed", zap.Error(serr))
		}
	}
	return r.Run, err
}

func (r *session) execute(ctx context.Context, records []Record) error {
	r.enter(PhaseStopPolling)
	if r.poll != nil {
		if err := r.poll.Suspend(ctx); err != nil {
			return fmt.Errorf("stop polling: %w", err)
		}
	}
	r.metrics.SetUpdating(true)
	defer func() {
		r.enter(PhaseResumePolling)
		if r.poll != nil {
			r.poll.Resume()
		}
		r.metrics.SetUpdating(false)
	}()

	t := r.req.Target
	slave := r.req.Kind == KindSlave

	if slave {
		if err := r.command(ctx, sfc.SlaveMode(t, sfc.SlaveModeStop), outbound.ReplyLen(0)); err != nil {
			return fmt.Errorf("stop slave polling: %w", err)
		}
	}

	r.enter(PhaseJumpToBoot)
	if err := r.command(ctx, r.pick(sfc.JumpToBoot, sfc.SlaveJumpToBoot), r.replyLen(0)); err != nil {
		return fmt.Errorf("jump to boot: %w", err)
	}

	r.enter(PhaseEraseApp)
	if err := r.command(ctx, r.pick(sfc.EraseApp, sfc.SlaveEraseApp), 0); err != nil {
		return fmt.Errorf("erase app: %w", err)
	}
	if err := sleep(ctx, r.cfg.EraseSettle); err != nil {
		return err
	}

	r.enter(PhaseProgramRecords)
	for i, rec := range records {
		if err := r.programRecord(ctx, i, rec); err != nil {
			return err
		}
	}

	r.enter(PhaseComputeChecksum)
	r.Checksum = r.shadow.AppChecksum(r.cfg.AppStart, r.cfg.BootStart)
	r.log.Info("firmware checksum", zap.String("sum", fmt.Sprintf("0x%08X", r.Checksum)))

	r.enter(PhaseWriteChecksum)
	if err := r.writeChecksum(ctx); err != nil {
		return err
	}

	r.enter(PhaseJumpToApp)
	if err := r.command(ctx, r.pick(sfc.JumpToApp, sfc.SlaveJumpToApp), r.replyLen(0)); err != nil {
		return fmt.Errorf("jump to app: %w", err)
	}
	if slave {
		if err := r.command(ctx, sfc.SlaveMode(t, sfc.SlaveModeResume), outbound.ReplyLen(0)); err != nil {
			return fmt.Errorf("resume slave polling: %w", err)
		}
	}
	return nil
}

func (r *session) pick(master, slave func(sfc.Target) sfc.Builder) sfc.Builder {
	if r.req.Kind == KindSlave {
		return slave(r.req.Target)
	}
	return master(r.req.Target)
}

func (r *session) replyLen(payload int) int {
	if r.req.Kind == KindSlave {
		return outbound.SlaveReplyLen(payload)
	}
	return outbound.ReplyLen(payload)
}

// command 单次转发（执行器内部已有重试），minReply 为 0 时不取回
func (r *session) command(ctx context.Context, build sfc.Builder, minReply int) error {
	_, err := r.query(ctx, r.ex.Forward, build, minReply)
	return err
}

type forwardFunc func(ctx context.Context, build sfc.Builder, minReply int) (sfc.Frame, error)

func (r *session) query(ctx context.Context, fwd forwardFunc, build sfc.Builder, minReply int) (sfc.Reading, error) {
	resp, err := fwd(ctx, build, minReply)
	if err != nil || minReply <= 0 {
		return nil, err
	}
	return sfc.Decode(resp, nil)
}

func (r *session) programRecord(ctx context.Context, i int, rec Record) error {
	var (
		build sfc.Builder
		err   error
	)
	if r.req.Kind == KindSlave {
		build, err = sfc.SlaveProgApp(r.req.Target, rec.Address, rec.Data)
	} else {
		build, err = sfc.ProgApp(r.req.Target, rec.Address, rec.Data)
	}
	if err != nil {
		return &RecordError{Index: i, Line: rec.Line, Address: rec.Address, Err: err}
	}

	attempts, err := r.retry(ctx, build)
	if err != nil {
		r.metrics.FirmwareRecord("failed")
		return &RecordError{Index: i, Line: rec.Line, Address: rec.Address, Attempts: attempts, Err: err}
	}
	r.metrics.FirmwareRecord("ok")

	if err := r.shadow.Write(rec.Address, rec.Data); err != nil {
		return &RecordError{Index: i, Line: rec.Line, Address: rec.Address, Attempts: attempts, Err: err}
	}
	r.Records++
	r.Bytes += len(rec.Data)
	r.report(PhaseProgramRecords)
	return nil
}

// retry 同一帧最多发送 RecordAttempts 次，每次只上一次线
func (r *session) retry(ctx context.Context, build sfc.Builder) (int, error) {
	var last error
	for attempt := 1; attempt <= r.cfg.RecordAttempts; attempt++ {
		_, last = r.query(ctx, r.ex.ForwardOnce, build, r.replyLen(0))
		if last == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
		r.metrics.FirmwareRecord("retry")
		r.log.Debug("firmware record attempt failed", zap.Int("attempt", attempt), zap.Error(last))
	}
	return r.cfg.RecordAttempts, last
}

// writeChecksum 主机：把校验值写入 ChecksumAddr；从机：让从机自算，回报了就比对
func (r *session) writeChecksum(ctx context.Context) error {
	t := r.req.Target
	if r.req.Kind == KindMaster {
		if _, err := r.retry(ctx, sfc.ProgAppChecksum(t, r.cfg.ChecksumAddr, r.Checksum)); err != nil {
			return fmt.Errorf("write checksum: %w", err)
		}
		sum := []byte{byte(r.Checksum >> 24), byte(r.Checksum >> 16), byte(r.Checksum >> 8), byte(r.Checksum)}
		return r.shadow.Write(r.cfg.ChecksumAddr, sum)
	}

	reading, err := r.query(ctx, r.ex.Forward, sfc.SlaveFlashChecksum(t), r.replyLen(0))
	if err != nil {
		return fmt.Errorf("slave checksum: %w", err)
	}
	return verifySum(reading, r.Checksum)
}

// verifySum 设备只确认不回报校验值时视为通过
func verifySum(reading sfc.Reading, want uint32) error {
	br, ok := reading.(sfc.BusReply)
	if !ok {
		return fmt.Errorf("%w: unexpected reply %s", ErrChecksumVerify, reading.Kind())
	}
	fs, ok := br.Value.(sfc.FlashSum)
	if !ok {
		return fmt.Errorf("%w: unexpected reply %s", ErrChecksumVerify, br.Value.Kind())
	}
	if fs.Present && fs.Sum != want {
		return fmt.Errorf("%w: device 0x%08X local 0x%08X", ErrChecksumVerify, fs.Sum, want)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

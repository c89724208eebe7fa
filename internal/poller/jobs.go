package poller

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/sfc-host/internal/outbound"
	"github.com/taoyao-code/sfc-host/internal/protocol/sfc"
	"github.com/taoyao-code/sfc-host/internal/telemetry"
)

// ErrJobRejected 设备应答与写入值不一致
var ErrJobRejected = errors.New("job rejected by device")

// Job 操作端提交的一次性命令，由轮询器在 tick 开头执行
type Job interface {
	Kind() string
	Priority() int
	run(ctx context.Context, p *Poller) error
}

// ParamWriteJob 写 MCT 参数；MaxAddr 为 0 时取串内单元数与目标地址的较大者
type ParamWriteJob struct {
	Target  sfc.Target
	Num     byte
	Value   int16
	MaxAddr byte
}

func (ParamWriteJob) Kind() string  { return "param_write" }
func (ParamWriteJob) Priority() int { return outbound.CommandPriority(sfc.MCTCmdParam) }

func (j ParamWriteJob) run(ctx context.Context, p *Poller) error {
	maxAddr := j.MaxAddr
	if maxAddr == 0 {
		maxAddr = byte(max(p.units[j.Target.String], j.Target.MCT))
	}
	resp, err := p.ex.Forward(ctx, sfc.ParamWrite(j.Target, maxAddr, j.Num, j.Value), outbound.ReplyLen(3))
	if err != nil {
		return err
	}
	pr, ok := p.busValue(resp).(sfc.Param)
	if !ok || pr.Num != j.Num || pr.Value != j.Value {
		return fmt.Errorf("%w: param %d on %s", ErrJobRejected, j.Num, j.Target.Label())
	}
	p.storeParam(j.Target, pr)
	return nil
}

// TargetWriteJob 设置镜面目标位置（原始 16 位值）
type TargetWriteJob struct {
	Target sfc.Target
	Mirror byte
	Value  uint16
}

func (TargetWriteJob) Kind() string  { return "target_write" }
func (TargetWriteJob) Priority() int { return outbound.CommandPriority(sfc.MCTCmdTarget) }

func (j TargetWriteJob) run(ctx context.Context, p *Poller) error {
	resp, err := p.ex.Forward(ctx, sfc.TargetWrite(j.Target, j.Mirror, j.Value), positionReply)
	if err != nil {
		return err
	}
	pos, ok := p.busValue(resp).(sfc.Position)
	if !ok {
		return fmt.Errorf("%w: target on %s", ErrJobRejected, j.Target.Label())
	}
	i := 0
	if j.Mirror == sfc.Mirror2 {
		i = 1
	}
	p.mergeMCT(j.Target, func(rec *telemetry.MCTRecord) { rec.Target[i] = &pos })
	return nil
}

// TrackJob 切换镜面跟踪模式
type TrackJob struct {
	Target sfc.Target
	Mirror byte
	Track  byte
}

func (TrackJob) Kind() string  { return "track" }
func (TrackJob) Priority() int { return outbound.CommandPriority(sfc.MCTCmdTrack) }

func (j TrackJob) run(ctx context.Context, p *Poller) error {
	resp, err := p.ex.Forward(ctx, sfc.Track(j.Target, j.Mirror, j.Track), outbound.ReplyLen(3))
	if err != nil {
		return err
	}
	ts, ok := p.busValue(resp).(sfc.TrackState)
	if !ok || ts.Track != j.Track {
		return fmt.Errorf("%w: track %d on %s", ErrJobRejected, j.Track, j.Target.Label())
	}
	return nil
}

// TestJob SFC 测试命令，不等待应答
type TestJob struct{}

func (TestJob) Kind() string  { return "test" }
func (TestJob) Priority() int { return outbound.USBCommandPriority(sfc.USBCmdTest) }

func (TestJob) run(ctx context.Context, p *Poller) error {
	_, err := p.ex.Execute(ctx, sfc.Test(), false)
	return err
}

// RTCSyncJob 把 SFC 时钟设为 At（零值取当前时间）
type RTCSyncJob struct {
	At time.Time
}

func (RTCSyncJob) Kind() string  { return "rtc_sync" }
func (RTCSyncJob) Priority() int { return outbound.USBCommandPriority(sfc.USBCmdRTC) }

func (j RTCSyncJob) run(ctx context.Context, p *Poller) error {
	at := j.At
	if at.IsZero() {
		at = p.now()
	}
	_, err := p.query(ctx, sfc.RTCWrite(at))
	return err
}

type queuedJob struct {
	job  Job
	seq  uint64
	done chan error
}

// jobHeap 按优先级，同优先级先进先出
type jobHeap []*queuedJob

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if pi, pj := h[i].job.Priority(), h[j].job.Priority(); pi != pj {
		return pi < pj
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)   { *h = append(*h, x.(*queuedJob)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

type jobQueue struct {
	mu  sync.Mutex
	h   jobHeap
	seq uint64
}

func newJobQueue() *jobQueue { return &jobQueue{} }

func (q *jobQueue) push(j Job) <-chan error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	it := &queuedJob{job: j, seq: q.seq, done: make(chan error, 1)}
	heap.Push(&q.h, it)
	return it.done
}

func (q *jobQueue) pop() *queuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.h.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*queuedJob)
}

func (q *jobQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}

// Submit 排队一个作业，返回的通道在作业执行后收到结果
func (p *Poller) Submit(j Job) <-chan error {
	return p.jobs.push(j)
}

// PendingJobs 尚未执行的作业数
func (p *Poller) PendingJobs() int { return p.jobs.len() }

// runJob 每个 tick 最多执行一个作业
func (p *Poller) runJob(ctx context.Context) {
	it := p.jobs.pop()
	if it == nil {
		return
	}
	err := it.job.run(ctx, p)
	result := "ok"
	if err != nil {
		result = "failed"
		p.log.Warn("job failed", zap.String("kind", it.job.Kind()), zap.Error(err))
	} else {
		p.log.Info("job done", zap.String("kind", it.job.Kind()))
	}
	p.metrics.Job(it.job.Kind(), result)
	it.done <- err
}

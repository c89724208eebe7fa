package health

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Role 检查项在总体状态中的分量
type Role int

const (
	// RoleLink SFC 链路、轮询与升级：不健康即整体不就绪
	RoleLink Role = iota
	// RoleArchive 遥测归档与快照缓存：最多把整体拉低到降级，轮询不依赖它们
	RoleArchive
)

func (r Role) String() string {
	if r == RoleArchive {
		return "archive"
	}
	return "link"
}

// DefaultCheckTimeout 单个检查项的超时
const DefaultCheckTimeout = 2 * time.Second

type entry struct {
	checker Checker
	role    Role
}

// Aggregator 并发执行各检查项，按角色汇总
type Aggregator struct {
	mu      sync.RWMutex
	entries []entry
	timeout time.Duration
	now     func() time.Time
}

// NewAggregator link 为链路类检查项，归档类用 AddArchive 添加
func NewAggregator(link ...Checker) *Aggregator {
	a := &Aggregator{timeout: DefaultCheckTimeout, now: time.Now}
	for _, c := range link {
		a.entries = append(a.entries, entry{checker: c, role: RoleLink})
	}
	return a
}

// AddChecker 添加链路类检查项
func (a *Aggregator) AddChecker(c Checker) { a.add(c, RoleLink) }

// AddArchive 添加归档类检查项
func (a *Aggregator) AddArchive(c Checker) { a.add(c, RoleArchive) }

func (a *Aggregator) add(c Checker, role Role) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry{checker: c, role: role})
}

// SetTimeout 修改单项超时，<=0 不限时
func (a *Aggregator) SetTimeout(d time.Duration) {
	a.mu.Lock()
	a.timeout = d
	a.mu.Unlock()
}

type outcome struct {
	role   Role
	result CheckResult
}

func (a *Aggregator) run(ctx context.Context) map[string]outcome {
	a.mu.RLock()
	entries := slices.Clone(a.entries)
	timeout := a.timeout
	a.mu.RUnlock()

	out := make(map[string]outcome, len(entries))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, e := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx := ctx
			if timeout > 0 {
				var cancel context.CancelFunc
				cctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			res := e.checker.Check(cctx)
			mu.Lock()
			out[e.checker.Name()] = outcome{role: e.role, result: res}
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

// CheckAll 执行全部检查项
func (a *Aggregator) CheckAll(ctx context.Context) map[string]CheckResult {
	results := make(map[string]CheckResult)
	for name, o := range a.run(ctx) {
		results[name] = o.result
	}
	return results
}

// summarize 链路项不健康 → 不健康；其余任何异常 → 降级。failing 为不健康的链路项（有序）。
func summarize(outcomes map[string]outcome) (status Status, failing []string) {
	status = StatusHealthy
	for name, o := range outcomes {
		switch o.result.Status {
		case StatusHealthy:
		case StatusUnhealthy:
			if o.role == RoleLink {
				failing = append(failing, name)
				continue
			}
			fallthrough
		default:
			if status == StatusHealthy {
				status = StatusDegraded
			}
		}
	}
	if len(failing) > 0 {
		slices.Sort(failing)
		status = StatusUnhealthy
	}
	return status, failing
}

// OverallStatus 总体状态
func (a *Aggregator) OverallStatus(ctx context.Context) Status {
	s, _ := summarize(a.run(ctx))
	return s
}

// Ready 没有不健康的链路项即就绪；归档不可用不影响就绪
func (a *Aggregator) Ready(ctx context.Context) bool {
	_, failing := summarize(a.run(ctx))
	return len(failing) == 0
}

// HealthReport 健康报告
type HealthReport struct {
	Status    Status                 `json:"status"`
	Ready     bool                   `json:"ready"`
	Failing   []string               `json:"failing,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

// Report 执行一轮检查并汇总
func (a *Aggregator) Report(ctx context.Context) HealthReport {
	outcomes := a.run(ctx)
	status, failing := summarize(outcomes)
	checks := make(map[string]CheckResult, len(outcomes))
	for name, o := range outcomes {
		if o.result.Details == nil {
			o.result.Details = map[string]any{}
		}
		o.result.Details["role"] = o.role.String()
		checks[name] = o.result
	}
	return HealthReport{
		Status:    status,
		Ready:     len(failing) == 0,
		Failing:   failing,
		Timestamp: a.now(),
		Checks:    checks,
	}
}

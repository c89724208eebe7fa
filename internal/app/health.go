package app

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taoyao-code/sfc-host/internal/health"
)

// NewHealthAggregator 串口链路、轮询与升级检查总是存在；fw 为 nil 时不检查升级。数据库、Redis 按需作为归档项添加。
func NewHealthAggregator(det health.Detector, port string, poll health.PollSource, fw health.UpdateSource, cfg PollHealth) *health.Aggregator {
	agg := health.NewAggregator(
		health.NewDeviceChecker(det, port),
		health.NewPollerChecker(poll, cfg.MaxAge()),
	)
	if fw != nil {
		agg.AddChecker(health.NewFirmwareChecker(fw))
	}
	return agg
}

// PollHealth 轮询停滞判定参数
type PollHealth struct {
	Interval time.Duration
}

// MaxAge 超过 20 个 tick 周期（至少 5s）没有 tick 视为停滞
func (p PollHealth) MaxAge() time.Duration {
	return max(20*p.Interval, 5*time.Second)
}

// AddDatabaseChecker 添加数据库检查器（归档项）
func AddDatabaseChecker(aggregator *health.Aggregator, pool *pgxpool.Pool) {
	if pool != nil {
		aggregator.AddArchive(health.NewDatabaseChecker(pool))
	}
}

// RegisterHealthRoutes 注册健康检查HTTP路由
func RegisterHealthRoutes(r *gin.Engine, aggregator *health.Aggregator) {
	health.RegisterHTTPRoutes(r, aggregator)
}

package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/sfc-host/internal/api/middleware"
)

// Deps 路由依赖。History、Runs 可以为 nil（未启用数据库）。
type Deps struct {
	Poller  Poller
	Updater Updater
	History History
	Runs    RunLister
}

// RegisterRoutes 注册 /api/v1 路由。ctx 是后台升级任务的生命周期。
func RegisterRoutes(ctx context.Context, r *gin.Engine, d Deps, authCfg middleware.AuthConfig, logger *zap.Logger) {
	if r == nil || d.Poller == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	field := NewFieldHandler(d.Poller, d.History, logger)
	api := r.Group("/api/v1")
	api.Use(middleware.CORS())

	// 只读
	api.GET("/field", field.GetField)
	api.GET("/strings/:str/mcts/:mct", field.GetMCT)
	api.GET("/strings/:str/mcts/:mct/history", field.GetHistory)

	// 控制类需要认证
	ctl := api.Group("")
	if authCfg.Enabled {
		ctl.Use(middleware.APIKeyAuth(authCfg, logger))
		logger.Info("api authentication enabled", zap.Int("api_keys_count", len(authCfg.APIKeys)))
	} else {
		logger.Warn("api authentication disabled - only for development!")
	}
	ctl.PUT("/focus", field.PutFocus)
	ctl.POST("/strings/:str/mcts/:mct/params/:num", field.WriteParam)
	ctl.POST("/strings/:str/mcts/:mct/target", field.WriteTarget)
	ctl.POST("/strings/:str/mcts/:mct/track", field.SetTrack)
	ctl.POST("/rtc", field.SyncRTC)
	ctl.POST("/test", field.Test)

	endpoints := 9
	if d.Updater != nil {
		fw := NewFirmwareHandler(ctx, d.Updater, d.Runs, logger)
		api.GET("/firmware", fw.Status)
		api.GET("/firmware/runs", fw.ListRuns)
		ctl.POST("/firmware", fw.Start)
		endpoints += 3
	}

	logger.Info("api routes registered", zap.Int("endpoints", endpoints))
}

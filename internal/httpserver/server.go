package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/sfc-host/internal/config"
)

// Readiness 列出尚未就绪的部分（串口、轮询循环），为空表示就绪
type Readiness interface {
	Pending() []string
}

// Server HTTP 服务封装
type Server struct {
	srv    *http.Server
	engine *gin.Engine
}

// New 创建 Gin + HTTP Server，注册 /healthz、/readyz 与指标路由。
// ready 为 nil 时始终就绪；log 为 nil 时不记录访问日志。
func New(cfg cfgpkg.HTTPConfig, metricsPath string, metricsHandler http.Handler, ready Readiness, log *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	if log != nil {
		r.Use(accessLog(log.Named("http")))
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.GET("/readyz", func(c *gin.Context) {
		var pending []string
		if ready != nil {
			pending = ready.Pending()
		}
		if len(pending) == 0 {
			c.String(http.StatusOK, "ready")
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "pending": pending})
	})
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	if metricsHandler != nil {
		r.GET(metricsPath, gin.WrapH(metricsHandler))
	}

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return &Server{srv: srv, engine: r}
}

// accessLog 探活与指标抓取记 debug，其余请求记 info，5xx 记 warn
func accessLog(log *zap.Logger) gin.HandlerFunc {
	quiet := map[string]bool{"/healthz": true, "/readyz": true, "/metrics": true}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.Request.URL.Path
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
		}
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			log.Warn("request failed", fields...)
		case quiet[path]:
			log.Debug("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}

// Engine 用于继续注册业务路由
func (s *Server) Engine() *gin.Engine { return s.engine }

// Start 启动 HTTP 服务（阻塞），Shutdown 后返回 nil
func (s *Server) Start() error {
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

package health

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterHTTPRoutes /health 详细报告，/health/ready 链路就绪，/health/live 进程存活
func RegisterHTTPRoutes(r *gin.Engine, aggregator *Aggregator) {
	r.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"alive": true})
	})

	r.GET("/health/ready", func(c *gin.Context) {
		report := aggregator.Report(c.Request.Context())
		if !report.Ready {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "failing": report.Failing})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ready": true, "status": report.Status})
	})

	// 降级仍返回 200（例如固件升级期间轮询暂停、数据库不可用）
	r.GET("/health", func(c *gin.Context) {
		report := aggregator.Report(c.Request.Context())
		code := http.StatusOK
		if report.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, report)
	})
}

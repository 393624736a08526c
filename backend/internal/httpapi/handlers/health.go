package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HealthChecker 由 collab.Health 实现
type HealthChecker interface {
	Err() error
}

// Healthz 投影卡死后返回 503，交给编排系统重启进程
func Healthz(h HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"message": "unhealthy", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	}
}

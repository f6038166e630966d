package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type HealthResponse struct {
	Status      string            `json:"status"`
	Service     string            `json:"service"`
	Connections int               `json:"connections"`
	Checks      map[string]string `json:"checks"`
	Timestamp   time.Time         `json:"timestamp"`
}

// HealthCheck pings Redis and the database. Either failing reports degraded.
func HealthCheck(client *redis.Client, database *gorm.DB, conns *Connections) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		response := HealthResponse{
			Status:      "healthy",
			Service:     "websocket-gateway",
			Connections: conns.Count(),
			Checks:      map[string]string{"redis": "ok", "database": "ok"},
			Timestamp:   time.Now(),
		}

		if err := client.Ping(ctx).Err(); err != nil {
			response.Checks["redis"] = err.Error()
			response.Status = "degraded"
		}
		if sqlDB, err := database.DB(); err != nil {
			response.Checks["database"] = err.Error()
			response.Status = "degraded"
		} else if err := sqlDB.PingContext(ctx); err != nil {
			response.Checks["database"] = err.Error()
			response.Status = "degraded"
		}

		code := http.StatusOK
		if response.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, response)
	}
}

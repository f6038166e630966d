package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

type HealthResponse struct {
	Status    string    `json:"status"`
	Service   string    `json:"service"`
	Redis     string    `json:"redis"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheck reports healthy when Redis answers a ping, degraded otherwise.
func HealthCheck(client *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		response := HealthResponse{
			Status:    "healthy",
			Service:   "presence-service",
			Redis:     "ok",
			Timestamp: time.Now(),
		}
		code := http.StatusOK
		if err := client.Ping(ctx).Err(); err != nil {
			response.Status = "degraded"
			response.Redis = err.Error()
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, response)
	}
}

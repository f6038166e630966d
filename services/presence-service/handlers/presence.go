package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	jsoniter "github.com/json-iterator/go"

	"chorus/pkg/lock"
	"chorus/pkg/utils"
	"chorus/services/presence-service/models"
	"chorus/services/presence-service/services"
)

const (
	onlineCountKey = "presence:online_count"
	onlineCountTTL = 2 * time.Second
)

type PresenceHandler struct {
	service *services.PresenceService
	locker  *lock.Locker
	logger  *utils.Logger
	now     func() time.Time
}

func NewPresenceHandler(service *services.PresenceService, locker *lock.Locker, logger *utils.Logger) *PresenceHandler {
	return &PresenceHandler{
		service: service,
		locker:  locker,
		logger:  logger,
		now:     time.Now,
	}
}

// GetStatus returns the effective status of a user.
func (ph *PresenceHandler) GetStatus(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id must be an integer"})
		return
	}

	eff, err := ph.service.EffectiveStatus(c.Request.Context(), userID, ph.now())
	if err != nil {
		ph.logger.Error("Failed to get presence", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, models.StatusResponse{
		UserID:    eff.UserID,
		Status:    eff.Status,
		Timestamp: eff.Timestamp,
		IsOnline:  eff.Status != models.StatusOffline,
	})
}

// GetOnlineCount returns the number of live users. The count scans every
// shard, so it is computed by one instance at a time and cached briefly.
func (ph *PresenceHandler) GetOnlineCount(c *gin.Context) {
	data, err := ph.locker.GetOrCompute(c.Request.Context(), onlineCountKey, onlineCountTTL, func(ctx context.Context) ([]byte, error) {
		n, err := ph.service.OnlineCount(ctx, ph.now())
		if err != nil {
			return nil, err
		}
		return jsoniter.Marshal(models.OnlineCountResponse{Count: n})
	})
	if err != nil {
		ph.logger.Error("Failed to count online users", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.Data(http.StatusOK, "application/json", data)
}

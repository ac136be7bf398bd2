package server

import (
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/recount/internal/counts"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	EventGroupUpdated = "group-updated"
	EventHeartbeat    = "heartbeat"
	// EventResync tells the client its stream ended and it must list groups again.
	EventResync = "resync"
)

type groupUpdatedPayload struct {
	InventoryID string       `json:"inventory_id"`
	Address     string       `json:"address"`
	Material    string       `json:"material"`
	Status      string       `json:"status"`
	Hint        string       `json:"hint"`
	CountTotal  int          `json:"count_total"`
	LatestCount countPayload `json:"latest_count"`
}

type heartbeatPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

func (h *httpHandler) handleStream(c *gin.Context) {
	inventoryID := counts.InventoryID(c.Param("inventory_id"))
	if _, err := h.counts.Inventory(inventoryID); err != nil {
		h.writeCountsError(c, err)
		return
	}

	ctx := c.Request.Context()
	subscription := h.realtime.Subscribe(ctx, inventoryID)
	defer subscription.Cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.SSEvent(EventHeartbeat, heartbeatPayload{Timestamp: time.Now().UTC()})
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-subscription.Events():
			if !ok {
				reason := "closed"
				if err := subscription.Err(); err != nil {
					reason = err.Error()
				}
				h.logger.Info("realtime stream ended",
					zap.String("inventory_id", inventoryID.String()),
					zap.String("reason", reason))
				c.SSEvent(EventResync, gin.H{"reason": reason})
				return false
			}
			c.SSEvent(EventGroupUpdated, newGroupUpdatedPayload(event))
			return true
		case tick := <-ticker.C:
			c.SSEvent(EventHeartbeat, heartbeatPayload{Timestamp: tick.UTC()})
			return true
		}
	})
}

func newGroupUpdatedPayload(event counts.GroupUpdated) groupUpdatedPayload {
	return groupUpdatedPayload{
		InventoryID: event.InventoryID.String(),
		Address:     event.Key.Address.String(),
		Material:    event.Key.Material.String(),
		Status:      event.Status.String(),
		Hint:        event.Status.Hint(),
		CountTotal:  event.CountTotal,
		LatestCount: newCountPayload(event.LatestCount),
	}
}

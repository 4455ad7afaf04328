package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"schoolgate/internal/domain"
)

type queueStatusRequest struct {
	StudentID string `json:"student_id" binding:"required,studentid"`
	Mode      string `json:"mode" binding:"required,oneof=dropoff dismissal"`
	Status    string `json:"status" binding:"required,qstatus"`
}

func (h *handler) upsertQueueStatus(c *gin.Context) {
	var req queueStatusRequest
	if !h.bind(c, &req) {
		return
	}
	entry, created, err := h.Queue.UpsertStatus(c.Request.Context(), actor(c), req.StudentID, domain.ClassMode(req.Mode), domain.QueueStatus(req.Status))
	if err != nil {
		h.fail(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, entry)
}

func (h *handler) listQueue(c *gin.Context) {
	active, err := h.Queue.ListActive(c.Request.Context(), actor(c), c.Param("classID"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, active)
}

func (h *handler) removeFromQueue(c *gin.Context) {
	removed, err := h.Queue.Remove(c.Request.Context(), actor(c), c.Param("studentID"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

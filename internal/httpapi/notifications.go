package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"schoolgate/internal/domain"
	"schoolgate/internal/notify"
)

func (h *handler) listNotifications(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	list, err := h.Notices.List(c.Request.Context(), actor(c), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *handler) readNotification(c *gin.Context) {
	if err := h.Notices.MarkRead(c.Request.Context(), actor(c), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) clearNotifications(c *gin.Context) {
	n, err := h.Notices.Clear(c.Request.Context(), actor(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": n})
}

type announceRequest struct {
	Message  string `json:"message" binding:"required,notblank"`
	ClassID  string `json:"class_id"`
	Role     string `json:"role" binding:"omitempty,oneof=guardian parent teacher admin"`
	Severity string `json:"severity" binding:"omitempty,oneof=info warning critical"`
}

func (h *handler) announce(c *gin.Context) {
	var req announceRequest
	if !h.bind(c, &req) {
		return
	}
	n, err := h.Notices.Announce(c.Request.Context(), actor(c), notify.Announcement{
		Message:  req.Message,
		ClassID:  req.ClassID,
		Role:     domain.Role(req.Role),
		Severity: domain.Severity(req.Severity),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, n)
}

const keepAlive = 25 * time.Second

// events streams the caller's push events as server-sent events until the
// client goes away.
func (h *handler) events(c *gin.Context) {
	sub, cancel := h.Hub.Subscribe(actor(c))
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	tick := time.NewTicker(keepAlive)
	defer tick.Stop()

	ctx := c.Request.Context()
	c.SSEvent("ready", gin.H{"user_id": actor(c).UserID})
	c.Writer.Flush()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			c.SSEvent("ping", time.Now().Unix())
			c.Writer.Flush()
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			c.SSEvent(string(e.Type), e)
			c.Writer.Flush()
		}
	}
}

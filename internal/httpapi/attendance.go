package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"schoolgate/internal/domain"
)

type scanRequest struct {
	Code string `json:"code"`
}

// Badge shape errors come from the verifier so the reason can tell a
// guardian pass from garbage; the body is not validated here.
func (h *handler) scanBadge(c *gin.Context) {
	var req scanRequest
	if !h.bind(c, &req) {
		return
	}
	res, err := h.Ledger.MarkByScan(c.Request.Context(), actor(c), req.Code)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type markRequest struct {
	StudentID   string     `json:"student_id" binding:"required,studentid"`
	Status      string     `json:"status" binding:"required,oneof=absent present late"`
	Date        string     `json:"date"`
	ArrivalTime *time.Time `json:"arrival_time"`
}

func (h *handler) markAttendance(c *gin.Context) {
	var req markRequest
	if !h.bind(c, &req) {
		return
	}
	var arrivedAt time.Time
	if req.ArrivalTime != nil {
		arrivedAt = *req.ArrivalTime
	}
	rec, err := h.Ledger.MarkAttendance(c.Request.Context(), actor(c), c.Param("classID"), req.Date, req.StudentID, domain.AttendanceStatus(req.Status), arrivedAt)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *handler) getSheet(c *gin.Context) {
	sheet, err := h.Ledger.SheetFor(c.Request.Context(), actor(c), c.Param("classID"), c.Query("date"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sheet)
}

func (h *handler) getRecord(c *gin.Context) {
	rec, err := h.Ledger.RecordFor(c.Request.Context(), actor(c), c.Param("studentID"), c.Query("date"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

type modeRequest struct {
	Mode string `json:"mode" binding:"required,classmode"`
}

func (h *handler) setMode(c *gin.Context) {
	var req modeRequest
	if !h.bind(c, &req) {
		return
	}
	class, err := h.Queue.SetMode(c.Request.Context(), actor(c), c.Param("classID"), domain.ClassMode(req.Mode))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, class)
}

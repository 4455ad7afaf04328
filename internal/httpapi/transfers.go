package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"schoolgate/internal/domain"
	"schoolgate/internal/transfer"
)

type passRequest struct {
	StudentID string `json:"student_id" binding:"required,studentid"`
	Purpose   string `json:"purpose" binding:"required,purpose"`
}

func (h *handler) issuePass(c *gin.Context) {
	var req passRequest
	if !h.bind(c, &req) {
		return
	}
	p, err := h.Passes.Issue(c.Request.Context(), actor(c), req.StudentID, domain.Purpose(req.Purpose))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

type tokenURI struct {
	Token string `uri:"token" binding:"required,passtoken"`
}

func (h *handler) passQR(c *gin.Context) {
	var uri tokenURI
	if err := c.ShouldBindUri(&uri); err != nil {
		h.fail(c, bindingError(err))
		return
	}
	png, err := h.Passes.QR(c.Request.Context(), actor(c), uri.Token)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", png)
}

func (h *handler) scanPass(c *gin.Context) {
	var req scanRequest
	if !h.bind(c, &req) {
		return
	}
	rev, err := h.Transfers.Scan(c.Request.Context(), actor(c), req.Code)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rev)
}

func (h *handler) confirm(c *gin.Context) {
	out, err := h.Transfers.Confirm(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

type denyRequest struct {
	Reason string `json:"reason"`
}

func (h *handler) deny(c *gin.Context) {
	var req denyRequest
	// The reason is optional, so is the body.
	if c.Request.ContentLength != 0 && !h.bind(c, &req) {
		return
	}
	t, err := h.Transfers.Deny(c.Request.Context(), actor(c), c.Param("id"), req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

type overrideRequest struct {
	StudentID  string `json:"student_id" binding:"required,studentid"`
	Purpose    string `json:"purpose" binding:"required,purpose"`
	PersonName string `json:"person_name" binding:"required,notblank"`
	Reason     string `json:"reason" binding:"required,notblank"`
}

func (h *handler) override(c *gin.Context) {
	var req overrideRequest
	if !h.bind(c, &req) {
		return
	}
	out, err := h.Transfers.EmergencyOverride(c.Request.Context(), actor(c), transfer.OverrideRequest{
		StudentID:  req.StudentID,
		Purpose:    domain.Purpose(req.Purpose),
		PersonName: req.PersonName,
		Reason:     req.Reason,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

func (h *handler) approve(c *gin.Context) {
	t, err := h.Transfers.ApproveOverride(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *handler) awaitingApproval(c *gin.Context) {
	list, err := h.Transfers.ListAwaitingApproval(c.Request.Context(), actor(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	if list == nil {
		list = []domain.Transfer{}
	}
	c.JSON(http.StatusOK, list)
}

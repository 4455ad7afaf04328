// Package httpapi exposes the school gate services over HTTP.
package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"schoolgate/internal/arrival"
	"schoolgate/internal/attendance"
	"schoolgate/internal/auth"
	"schoolgate/internal/domain"
	"schoolgate/internal/logging"
	"schoolgate/internal/notify"
	"schoolgate/internal/pass"
	"schoolgate/internal/transfer"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) bool

// Deps is everything the router serves.
type Deps struct {
	Ledger    *attendance.Ledger
	Queue     *arrival.Queue
	Passes    *pass.Issuer
	Transfers *transfer.Workflow
	Notices   *notify.Service
	Hub       *notify.Hub
	Log       logging.Logger

	JWTSigningKey string
	JWTIssuer     string

	// Health is keyed by dependency name, e.g. "db" or "redis".
	Health map[string]HealthCheck
}

type handler struct {
	Deps
	log logging.Logger
}

var (
	staff     = []domain.Role{domain.RoleTeacher, domain.RoleAdmin}
	guardians = []domain.Role{domain.RoleGuardian, domain.RoleParent}
)

// Register mounts /healthz and the authenticated /v1 API on r. Global
// middleware (logging, CORS, rate limits, metrics) is the caller's choice.
func Register(r *gin.Engine, d Deps) {
	registerValidators()
	h := &handler{Deps: d, log: d.Log}

	r.GET("/healthz", h.health)

	v1 := r.Group("/v1", auth.Middleware(d.JWTSigningKey, d.JWTIssuer))
	asStaff := auth.RequireRole(staff...)
	asGuardian := auth.RequireRole(guardians...)
	asAdmin := auth.RequireRole(domain.RoleAdmin)

	v1.POST("/attendance/scan", asStaff, h.scanBadge)
	v1.POST("/classes/:classID/attendance", asStaff, h.markAttendance)
	v1.GET("/classes/:classID/attendance", asStaff, h.getSheet)
	v1.GET("/students/:studentID/attendance", h.getRecord)
	v1.PUT("/classes/:classID/mode", asStaff, h.setMode)

	v1.POST("/queue/status", asGuardian, h.upsertQueueStatus)
	v1.GET("/classes/:classID/queue", asStaff, h.listQueue)
	v1.DELETE("/queue/:studentID", asStaff, h.removeFromQueue)

	v1.POST("/passes", asGuardian, h.issuePass)
	v1.GET("/passes/:token/qr.png", h.passQR)

	v1.POST("/transfers/scan", asStaff, h.scanPass)
	v1.POST("/transfers/override", asStaff, h.override)
	v1.GET("/transfers/awaiting-approval", asAdmin, h.awaitingApproval)
	v1.POST("/transfers/:id/confirm", asStaff, h.confirm)
	v1.POST("/transfers/:id/deny", asStaff, h.deny)
	v1.POST("/transfers/:id/approve", asAdmin, h.approve)

	v1.GET("/notifications", h.listNotifications)
	v1.POST("/notifications/clear", h.clearNotifications)
	v1.POST("/notifications/:id/read", h.readNotification)
	v1.POST("/announcements", asStaff, h.announce)

	v1.GET("/events", h.events)
}

func (h *handler) health(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, check := range h.Health {
		ok := check(c.Request.Context())
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

func actor(c *gin.Context) domain.Actor {
	a, _ := auth.ActorFrom(c)
	return a
}

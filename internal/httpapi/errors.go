package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"schoolgate/internal/domain"
)

func statusFor(k domain.Kind) int {
	switch k {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindState:
		return http.StatusConflict
	case domain.KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusServiceUnavailable
	}
}

func (h *handler) fail(c *gin.Context, err error) {
	de := domain.AsError(err)
	if de.Kind == domain.KindUnavailable {
		h.log.Errorf("%s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	c.AbortWithStatusJSON(statusFor(de.Kind), gin.H{"error": gin.H{
		"kind":   de.Kind,
		"code":   de.Code,
		"reason": de.Reason,
	}})
}

// bind decodes the JSON body into req and writes the error response on failure.
func (h *handler) bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		h.fail(c, bindingError(err))
		return false
	}
	return true
}

package server

import (
	"errors"
	"math"
	"net/http"
	"regexp"
	"strconv"

	"github.com/gin-gonic/gin"

	"imgbed/internal/models"
)

// opPrefix matches the "pkg.Func: " tags errors collect on their way up.
var opPrefix = regexp.MustCompile(`^(?:[a-z][a-zA-Z]*\.[A-Za-z.]+: )+`)

func httpStatusFromError(err error) int {
	var rl *models.RateLimitError
	switch {
	case errors.As(err, &rl), errors.Is(err, models.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage strips operation tags so clients see only the cause.
func publicMessage(err error) string {
	return opPrefix.ReplaceAllString(err.Error(), "")
}

func (s *Server) writeError(c *gin.Context, err error) {
	if err == nil {
		err = errors.New(http.StatusText(http.StatusInternalServerError))
	}
	status := httpStatusFromError(err)
	body := gin.H{"success": false, "error": publicMessage(err)}

	var rl *models.RateLimitError
	if errors.As(err, &rl) {
		secs := int64(math.Ceil(rl.RetryAfter.Seconds()))
		body["retryAfter"] = secs
		c.Header("Retry-After", strconv.FormatInt(secs, 10))
	}

	fields := []any{"status", status, "error", err, "method", c.Request.Method, "path", c.Request.URL.Path, "client_ip", c.ClientIP()}
	switch {
	case status >= 500:
		s.log().Error("request error", fields...)
	case status == http.StatusNotFound:
		s.log().Debug("request rejected", fields...)
	default:
		s.log().Warn("request rejected", fields...)
	}
	c.JSON(status, body)
}

package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"imgbed/internal/auth"
	"imgbed/internal/models"
)

const claimsKey = "claims"

func (s *Server) withRequestLogging() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		}
		if route := c.FullPath(); route != "" {
			fields = append(fields, "route", route)
		}

		if status >= 500 {
			s.log().Error("request complete", fields...)
			return
		}
		s.log().Debug("request complete", fields...)
	}
}

func (s *Server) recover(c *gin.Context, rec any) {
	s.log().Error("handler panic", "method", c.Request.Method, "path", c.Request.URL.Path, "panic", rec)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})
}

func withCORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Next()
	}
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// requireAdmin rejects requests without a valid admin token.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.Request)
		if token == "" {
			s.writeError(c, models.ErrUnauthorized)
			c.Abort()
			return
		}
		claims, err := s.signer.Verify(token)
		if err != nil {
			s.writeError(c, err)
			c.Abort()
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// optionalAdmin records admin claims when a valid token is present and
// otherwise lets the request through anonymously.
func (s *Server) optionalAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := bearerToken(c.Request); token != "" {
			if claims, err := s.signer.Verify(token); err == nil {
				c.Set(claimsKey, claims)
			} else {
				s.log().Debug("ignoring invalid token on optional-auth route", "path", c.Request.URL.Path, "error", err)
			}
		}
		c.Next()
	}
}

func claimsFrom(c *gin.Context) (*auth.Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*auth.Claims)
	return claims, ok
}

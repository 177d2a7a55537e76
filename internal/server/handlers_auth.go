package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"imgbed/internal/models"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Action   string `json:"action"`
}

func expiresIn(ttl time.Duration) string {
	if ttl%time.Hour == 0 {
		return strings.TrimSuffix(ttl.String(), "0m0s")
	}
	return ttl.String()
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, models.Invalid("invalid JSON body"))
		return
	}

	if req.Action == "verify" {
		s.handleVerify(c)
		return
	}

	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		s.writeError(c, models.Invalid("username and password are required"))
		return
	}
	if !s.credentials.Check(req.Username, req.Password) {
		s.writeError(c, models.ErrUnauthorized)
		return
	}

	token, claims, err := s.signer.Issue(req.Username)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.log().Info("admin logged in", "username", claims.Username, "client_ip", c.ClientIP())
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"token":     token,
		"expiresIn": expiresIn(s.signer.TTL()),
		"user":      gin.H{"username": claims.Username, "role": claims.Role},
	})
}

func (s *Server) handleVerify(c *gin.Context) {
	token := bearerToken(c.Request)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "valid": false, "error": "missing bearer token"})
		return
	}
	claims, err := s.signer.Verify(token)
	if err != nil {
		c.JSON(httpStatusFromError(err), gin.H{"success": false, "valid": false, "error": publicMessage(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "valid": true, "payload": claims})
}

func (s *Server) handleRefresh(c *gin.Context) {
	claims, ok := claimsFrom(c)
	if !ok {
		s.writeError(c, models.ErrUnauthorized)
		return
	}
	token, _, err := s.signer.Refresh(claims)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"token":     token,
		"expiresIn": expiresIn(s.signer.TTL()),
	})
}

package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"imgbed/internal/models"
)

type createFolderRequest struct {
	Name     string  `json:"name"`
	ParentID *string `json:"parentId"`
}

func (s *Server) handleListFolders(c *gin.Context) {
	folders, err := s.store.Folders(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "folders": folders})
}

func (s *Server) handleCreateFolder(c *gin.Context) {
	var req createFolderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, models.Invalid("invalid JSON body"))
		return
	}
	folder, err := s.store.CreateFolder(c.Request.Context(), req.Name, req.ParentID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "folder": folder})
}

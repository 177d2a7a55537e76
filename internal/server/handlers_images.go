package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"imgbed/internal/events"
	"imgbed/internal/models"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

func noCache(c *gin.Context) {
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("Pragma", "no-cache")
	c.Header("Expires", "0")
}

func positiveInt(raw string, def int) (int, bool) {
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func (s *Server) handleListImages(c *gin.Context) {
	noCache(c)
	ctx := c.Request.Context()

	if id := c.Query("id"); id != "" {
		img, err := s.store.Get(ctx, id)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "image": img})
		return
	}

	if c.Query("stats") == "true" {
		stats, err := s.store.Stats(ctx)
		if err != nil {
			s.writeError(c, err)
			return
		}
		categories, err := s.store.Categories(ctx)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "stats": stats, "categories": categories})
		return
	}

	page, ok := positiveInt(c.Query("page"), 1)
	if !ok {
		s.writeError(c, models.Invalid("page must be a positive integer"))
		return
	}
	limit, ok := positiveInt(c.Query("limit"), defaultPageLimit)
	if !ok || limit > maxPageLimit {
		s.writeError(c, models.Invalid("limit must be between 1 and %d", maxPageLimit))
		return
	}

	result, err := s.store.List(ctx, models.ListOptions{
		Page:     page,
		Limit:    limit,
		Category: c.Query("category"),
		FolderID: c.Query("folderId"),
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	categories, err := s.store.Categories(ctx)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"images":  result.Images,
		"pagination": gin.H{
			"page":       result.Page,
			"limit":      result.Limit,
			"total":      result.Total,
			"totalPages": result.Pages,
		},
		"categories": categories,
	})
}

func (s *Server) handleGetImage(c *gin.Context) {
	id := c.Query("id")
	if id == "" {
		s.writeError(c, models.Invalid("id is required"))
		return
	}
	img, err := s.store.Get(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if c.Query("serve") == "true" {
		c.Redirect(http.StatusFound, img.URL)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "image": img})
}

type createImageRequest struct {
	URL         string  `json:"url"`
	Filename    string  `json:"filename"`
	Category    string  `json:"category"`
	Description string  `json:"description"`
	FolderID    *string `json:"folderId"`
}

func (s *Server) handleCreateImage(c *gin.Context) {
	var req createImageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, models.Invalid("invalid JSON body"))
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	req.Filename = strings.TrimSpace(req.Filename)
	if req.URL == "" || req.Filename == "" {
		s.writeError(c, models.Invalid("url and filename are required"))
		return
	}
	category := strings.TrimSpace(req.Category)
	if category == "" {
		category = models.UncategorizedCategory
	}

	ctx := c.Request.Context()
	if req.FolderID != nil && *req.FolderID == "" {
		req.FolderID = nil
	}
	if req.FolderID != nil {
		if _, err := s.store.Folder(ctx, *req.FolderID); err != nil {
			if errors.Is(err, models.ErrNotFound) {
				err = models.Invalid("folder %q does not exist", *req.FolderID)
			}
			s.writeError(c, err)
			return
		}
	}

	img, err := s.store.Add(ctx, &models.Image{
		URL:         req.URL,
		Filename:    req.Filename,
		Category:    category,
		Description: req.Description,
		FolderID:    req.FolderID,
		Source:      models.SourceManual,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.publish(c, events.ImageEvent(events.TypeImageCreated, img))
	c.JSON(http.StatusCreated, gin.H{"success": true, "image": img})
}

type updateImageRequest struct {
	ID string `json:"id"`
	models.ImagePatch
}

func (s *Server) handleUpdateImage(c *gin.Context) {
	var req updateImageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, models.Invalid("invalid JSON body"))
		return
	}
	id := c.Query("id")
	if id == "" {
		id = req.ID
	}
	if id == "" {
		s.writeError(c, models.Invalid("id is required"))
		return
	}

	img, err := s.store.Update(c.Request.Context(), id, req.ImagePatch)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "image": img})
}

type deleteImageRequest struct {
	ID string `json:"id"`
}

func (s *Server) handleDeleteImage(c *gin.Context) {
	id := c.Query("id")
	if id == "" && c.Request.ContentLength != 0 {
		var req deleteImageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			s.writeError(c, models.Invalid("invalid JSON body"))
			return
		}
		id = req.ID
	}
	if id == "" {
		s.writeError(c, models.Invalid("id is required"))
		return
	}

	img, err := s.store.Delete(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.publish(c, events.ImageEvent(events.TypeImageDeleted, img))
	c.JSON(http.StatusOK, gin.H{"success": true, "deletedImage": img})
}

func (s *Server) publish(c *gin.Context, ev events.Event) {
	if err := s.publisher.Publish(c.Request.Context(), ev); err != nil {
		s.log().Warn("event not published", "type", ev.Type, "image_id", ev.ImageID, "error", err)
	}
}

package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"imgbed/internal/models"
	"imgbed/internal/upload"
)

const (
	imageField     = "image"
	categoryField  = "category"
	maxFieldBytes  = 1 << 10
	multipartSlack = 1 << 20
)

type multipartUpload struct {
	filename    string
	contentType string
	data        []byte
	category    string
}

// readUpload streams the multipart body, keeping at most limit+1 bytes of
// the image part so the relay can tell an oversized file from one that fits.
func readUpload(r *http.Request, limit int64) (*multipartUpload, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, models.Invalid("expected a multipart/form-data body")
	}

	var out multipartUpload
	found := false
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				return nil, fmt.Errorf("%w: request body too large", models.ErrTooLarge)
			}
			return nil, models.Invalid("malformed multipart body: %v", err)
		}

		switch part.FormName() {
		case imageField, "file":
			if found {
				part.Close()
				continue
			}
			data, err := io.ReadAll(io.LimitReader(part, limit+1))
			if err != nil {
				var maxErr *http.MaxBytesError
				if errors.As(err, &maxErr) {
					return nil, fmt.Errorf("%w: request body too large", models.ErrTooLarge)
				}
				return nil, models.Invalid("could not read image: %v", err)
			}
			out.filename = part.FileName()
			out.contentType = part.Header.Get("Content-Type")
			out.data = data
			found = true
		case categoryField:
			v, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
			if err != nil {
				return nil, models.Invalid("could not read category: %v", err)
			}
			out.category = strings.TrimSpace(string(v))
		}
		part.Close()
	}
	if !found {
		return nil, models.Invalid("no image file provided")
	}
	return &out, nil
}

func (s *Server) handleUpload(c *gin.Context) {
	limit := s.upload.MaxBytes()
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+multipartSlack)

	form, err := readUpload(c.Request, limit)
	if err != nil {
		s.writeError(c, err)
		return
	}

	claims, admin := claimsFrom(c)
	res, err := s.upload.Upload(c.Request.Context(), upload.Request{
		ClientID:    c.ClientIP(),
		Filename:    form.filename,
		ContentType: form.contentType,
		Category:    form.category,
		Body:        bytes.NewReader(form.data),
		Admin:       admin,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	body := gin.H{
		"success":   true,
		"fileId":    res.FileID,
		"messageId": res.MessageID,
		"fileSize":  res.FileSize,
	}
	if admin {
		body["imageUrl"] = res.ImageURL
		body["image"] = res.Image
		s.log().Info("image uploaded", "image_id", res.Image.ID, "username", claims.Username)
	} else {
		body["message"] = "uploaded; sign in as admin to add it to the gallery"
	}
	c.JSON(http.StatusOK, body)
}

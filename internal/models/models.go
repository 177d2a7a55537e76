// internal/models/models.go
package models

import (
	"bytes"
	"encoding/json"
	"time"
)

// Image sources.
const (
	SourceUpload        = "upload"
	SourceManual        = "manual"
	SourceUserProfile   = "user_profile"
	SourceMessagePhoto  = "message_photo"
	SourceDocumentImage = "document_image"
)

const (
	DefaultCategory       = "general"
	UncategorizedCategory = "uncategorized"
)

type Image struct {
	ID          string            `json:"id"`
	URL         string            `json:"url"`
	Filename    string            `json:"filename"`
	Category    string            `json:"category"`
	Description string            `json:"description,omitempty"`
	FolderID    *string           `json:"folderId"`
	UploadDate  time.Time         `json:"uploadDate"`
	FileID      string            `json:"fileId,omitempty"`
	MessageID   int64             `json:"messageId,omitempty"`
	Size        int64             `json:"size,omitempty"`
	Width       int               `json:"width,omitempty"`
	Height      int               `json:"height,omitempty"`
	Source      string            `json:"source,omitempty"`
	Metadata    *ExternalMetadata `json:"metadata,omitempty"`
}

// ExternalMetadata is what the chat told us about an externally-sourced image.
type ExternalMetadata struct {
	MessageID int64     `json:"messageId,omitempty"`
	From      string    `json:"from,omitempty"`
	Date      time.Time `json:"date,omitempty"`
	Caption   string    `json:"caption,omitempty"`
	FileName  string    `json:"fileName,omitempty"`
	MimeType  string    `json:"mimeType,omitempty"`
}

// IsExternal reports whether the image mirrors an object in the external store.
func (i *Image) IsExternal() bool {
	return i.FileID != ""
}

// ImagePatch is a partial update. Nil fields are left alone.
type ImagePatch struct {
	URL         *string        `json:"url"`
	Filename    *string        `json:"filename"`
	Category    *string        `json:"category"`
	Description *string        `json:"description"`
	FolderID    OptionalString `json:"folderId"`
}

// OptionalString distinguishes an absent JSON field from an explicit null.
type OptionalString struct {
	Set   bool
	Value *string
}

func (o *OptionalString) UnmarshalJSON(data []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		o.Value = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		o.Value = nil
		return nil
	}
	o.Value = &s
	return nil
}

type Folder struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ParentID  *string   `json:"parentId"`
	CreatedAt time.Time `json:"createdAt"`
}

type Stats struct {
	TotalImages int64 `json:"totalImages"`
	TotalSize   int64 `json:"totalSize"`
}

// ImagePage is one page of a listing.
type ImagePage struct {
	Images []*Image `json:"images"`
	Page   int      `json:"page"`
	Limit  int      `json:"limit"`
	Total  int      `json:"total"`
	Pages  int      `json:"totalPages"`
}

// ListOptions filters and paginates image listings. Page is 1-based.
type ListOptions struct {
	Page     int
	Limit    int
	Category string
	FolderID string
}

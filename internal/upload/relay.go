// Package upload relays submitted images to the chat store.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"imgbed/internal/events"
	"imgbed/internal/models"
	"imgbed/internal/ratelimit"
	"imgbed/internal/telegram"
)

type Sender interface {
	SendPhoto(ctx context.Context, chatID, filename, contentType string, body io.Reader) (*telegram.Message, error)
	ResolveURL(ctx context.Context, fileID string) (string, *telegram.File, error)
}

type Indexer interface {
	Add(ctx context.Context, img *models.Image) (*models.Image, error)
}

type Request struct {
	ClientID    string
	Filename    string
	ContentType string
	Category    string
	Body        io.Reader
	// Admin uploads are indexed; anonymous ones are only relayed.
	Admin bool
}

type Result struct {
	FileID    string        `json:"fileId"`
	MessageID int64         `json:"messageId"`
	FileSize  int64         `json:"fileSize"`
	ImageURL  string        `json:"imageUrl,omitempty"`
	Image     *models.Image `json:"image,omitempty"`
}

type Relay struct {
	sender    Sender
	index     Indexer
	limiter   ratelimit.Limiter
	publisher events.Publisher
	cfg       models.TelegramConfig
	maxBytes  int64
	now       func() time.Time
	log       *slog.Logger
}

type Config struct {
	Telegram models.TelegramConfig
	MaxBytes int64
}

func NewRelay(cfg Config, sender Sender, index Indexer, limiter ratelimit.Limiter, publisher events.Publisher, log *slog.Logger) *Relay {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = models.DefaultMaxUploadBytes
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		sender:    sender,
		index:     index,
		limiter:   limiter,
		publisher: publisher,
		cfg:       cfg.Telegram,
		maxBytes:  cfg.MaxBytes,
		now:       time.Now,
		log:       log,
	}
}

// MaxBytes is the upload ceiling.
func (r *Relay) MaxBytes() int64 { return r.maxBytes }

func (r *Relay) Upload(ctx context.Context, req Request) (*Result, error) {
	const op = "upload.Upload"

	if req.Body == nil {
		return nil, models.Invalid("image file is required")
	}

	data, err := io.ReadAll(io.LimitReader(req.Body, r.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, models.Invalid("could not read upload: %v", err))
	}
	if int64(len(data)) > r.maxBytes {
		return nil, fmt.Errorf("%s: %w: file exceeds %d bytes", op, models.ErrTooLarge, r.maxBytes)
	}
	if len(data) == 0 {
		return nil, models.Invalid("image file is empty")
	}
	contentType, err := imageType(data, req.ContentType)
	if err != nil {
		return nil, err
	}
	// Only well-formed uploads spend the client's budget.
	if r.limiter != nil {
		if ok, retry := r.limiter.Allow(req.ClientID, r.now()); !ok {
			return nil, &models.RateLimitError{RetryAfter: retry}
		}
	}
	if err := r.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	filename := cleanFilename(req.Filename)
	msg, err := r.sender.SendPhoto(ctx, r.cfg.ChatID, filename, contentType, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	best, ok := telegram.Largest(msg.Photo)
	if !ok {
		return nil, fmt.Errorf("%s: %w: sendPhoto returned no photo sizes", op, models.ErrUpstream)
	}

	url, file, err := r.sender.ResolveURL(ctx, best.FileID)
	if err != nil {
		// The remote object already exists and is not rolled back.
		r.log.Error("upload stored remotely but its url could not be resolved",
			"file_id", best.FileID, "message_id", msg.MessageID, "error", err)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	size := best.FileSize
	if size == 0 {
		size = file.FileSize
	}
	if size == 0 {
		size = int64(len(data))
	}
	res := &Result{FileID: best.FileID, MessageID: msg.MessageID, FileSize: size}
	if !req.Admin {
		return res, nil
	}

	category := strings.TrimSpace(req.Category)
	if category == "" {
		category = models.DefaultCategory
	}
	img, err := r.index.Add(ctx, &models.Image{
		URL:       url,
		Filename:  filename,
		Category:  category,
		FileID:    best.FileID,
		MessageID: msg.MessageID,
		Size:      size,
		Source:    models.SourceUpload,
		Metadata: &models.ExternalMetadata{
			MessageID: msg.MessageID,
			FileName:  filename,
			MimeType:  contentType,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := r.publisher.Publish(ctx, events.ImageEvent(events.TypeImageCreated, img)); err != nil {
		r.log.Warn("event not published", "type", events.TypeImageCreated, "image_id", img.ID, "error", err)
	}

	res.ImageURL = url
	res.Image = img
	return res, nil
}

// imageType checks that data is an image. Sniffing wins; the declared type
// is trusted only for formats the sniffer does not know.
func imageType(data []byte, declared string) (string, error) {
	sniffed := http.DetectContentType(data)
	if strings.HasPrefix(sniffed, "image/") {
		return sniffed, nil
	}
	declared = strings.ToLower(strings.TrimSpace(declared))
	if sniffed == "application/octet-stream" && strings.HasPrefix(declared, "image/") {
		return declared, nil
	}
	return "", models.Invalid("file is not an image (detected %s)", sniffed)
}

func cleanFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == "/" {
		return "image"
	}
	return name
}

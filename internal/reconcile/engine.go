// Package reconcile mirrors the chat's photos into the metadata index.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"imgbed/internal/events"
	"imgbed/internal/models"
	"imgbed/internal/telegram"
)

const (
	filenamePrefix     = "telegram_"
	defaultPassTimeout = 5 * time.Minute
)

type Source interface {
	ListCurrentPhotos(ctx context.Context, opts telegram.ListOptions) (*telegram.Snapshot, error)
}

type Store interface {
	ExternallySourced(ctx context.Context) ([]*models.Image, error)
	FindByExternalIDs(ctx context.Context, fileIDs []string) (map[string]*models.Image, error)
	Add(ctx context.Context, img *models.Image) (*models.Image, error)
	Delete(ctx context.Context, id string) (*models.Image, error)
	List(ctx context.Context, opts models.ListOptions) (*models.ImagePage, error)
	Stats(ctx context.Context) (models.Stats, error)
	SyncCursor(ctx context.Context) (int64, error)
}

type RunOptions struct {
	Full bool
}

type Result struct {
	Inserted      int   `json:"syncedCount"`
	Skipped       int   `json:"skippedCount"`
	Deleted       int   `json:"deletedCount"`
	Total         int   `json:"totalPhotos"`
	ProfilePhotos int   `json:"profilePhotos"`
	ChatPhotos    int   `json:"chatPhotos"`
	Complete      bool  `json:"complete"`
	Cursor        int64 `json:"cursor"`
}

type Engine struct {
	source      Source
	store       Store
	publisher   events.Publisher
	log         *slog.Logger
	group       singleflight.Group
	passTimeout time.Duration
}

func NewEngine(source Source, store Store, publisher events.Publisher, log *slog.Logger) *Engine {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{source: source, store: store, publisher: publisher, log: log, passTimeout: defaultPassTimeout}
}

// Run performs one reconciliation pass. Concurrent calls with the same
// options share a single pass and its result.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	key := "incremental"
	if opts.Full {
		key = "full"
	}
	ch := e.group.DoChan(key, func() (any, error) {
		// The pass outlives any single caller that gives up on it.
		passCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.passTimeout)
		defer cancel()
		return e.run(passCtx, opts)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("reconcile.Run: %w", ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		if r.Shared {
			e.log.Debug("sync pass shared with a concurrent caller", "full", opts.Full)
		}
		res := *r.Val.(*Result)
		return &res, nil
	}
}

func (e *Engine) run(ctx context.Context, opts RunOptions) (*Result, error) {
	const op = "reconcile.Run"

	snap, err := e.source.ListCurrentPhotos(ctx, telegram.ListOptions{Full: opts.Full})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	existing, err := e.store.ExternallySourced(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	memo := make(map[string]string, len(existing))
	for _, img := range existing {
		memo[img.FileID] = img.Category
	}

	res := &Result{
		Total:         len(snap.Photos),
		ProfilePhotos: snap.ProfileCount,
		ChatPhotos:    snap.ChatCount,
		Complete:      snap.Complete,
		Cursor:        snap.Cursor,
	}

	// An incremental batch is not the whole external set, so absence from it
	// proves nothing. Profile photos are always listed in full on accounts.
	if snap.Complete || snap.ProfileComplete {
		current := make(map[string]struct{}, len(snap.Photos)+len(snap.Unresolved))
		for _, p := range snap.Photos {
			current[p.FileID] = struct{}{}
		}
		for _, id := range snap.Unresolved {
			current[id] = struct{}{}
		}
		for _, img := range existing {
			if _, ok := current[img.FileID]; ok {
				continue
			}
			if !snap.Complete && img.Source != models.SourceUserProfile {
				continue
			}
			removed, err := e.store.Delete(ctx, img.ID)
			if err != nil {
				if !errors.Is(err, models.ErrNotFound) {
					e.log.Warn("sync: delete failed", "image_id", img.ID, "file_id", img.FileID, "error", err)
				}
				continue
			}
			res.Deleted++
			e.publish(ctx, events.ImageEvent(events.TypeImageDeleted, removed))
		}
	}

	fileIDs := make([]string, 0, len(snap.Photos))
	for _, p := range snap.Photos {
		fileIDs = append(fileIDs, p.FileID)
	}
	known, err := e.store.FindByExternalIDs(ctx, fileIDs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	for _, p := range snap.Photos {
		if _, ok := known[p.FileID]; ok {
			res.Skipped++
			continue
		}
		img, err := e.store.Add(ctx, newImage(p, memo[p.FileID]))
		if err != nil {
			e.log.Warn("sync: insert failed", "file_id", p.FileID, "error", err)
			continue
		}
		known[p.FileID] = img
		res.Inserted++
		e.publish(ctx, events.ImageEvent(events.TypeImageCreated, img))
	}

	e.log.Info("sync pass finished",
		"full", opts.Full,
		"complete", res.Complete,
		"total", res.Total,
		"inserted", res.Inserted,
		"skipped", res.Skipped,
		"deleted", res.Deleted,
		"cursor", res.Cursor,
	)
	e.publish(ctx, events.Event{
		Type:   events.TypeSyncCompleted,
		Detail: fmt.Sprintf("inserted=%d skipped=%d deleted=%d", res.Inserted, res.Skipped, res.Deleted),
		At:     nowUTC(),
	})
	return res, nil
}

// newImage builds the record for a photo seen for the first time. A
// remembered category wins over the caption's hashtag.
func newImage(p telegram.Photo, remembered string) *models.Image {
	category := remembered
	if category == "" {
		category = p.SuggestedCategory
	}
	if category == "" {
		category = models.DefaultCategory
	}
	meta := &models.ExternalMetadata{
		MessageID: p.MessageID,
		From:      p.From,
		Caption:   p.Caption,
		FileName:  p.FileName,
		MimeType:  p.MimeType,
	}
	if !p.Date.IsZero() && p.Date.Unix() > 0 {
		meta.Date = p.Date
	}
	return &models.Image{
		URL:         p.URL,
		Filename:    filenamePrefix + p.FileID,
		Category:    category,
		Description: p.Caption,
		FileID:      p.FileID,
		MessageID:   p.MessageID,
		Size:        p.Size,
		Source:      p.Kind,
		Metadata:    meta,
	}
}

func (e *Engine) publish(ctx context.Context, ev events.Event) {
	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.log.Warn("event not published", "type", ev.Type, "image_id", ev.ImageID, "error", err)
	}
}

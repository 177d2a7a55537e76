package reconcile

import (
	"context"
	"fmt"
	"time"

	"imgbed/internal/models"
)

const recentSample = 10

// SourceBreakdown classifies a sample of records by origin.
type SourceBreakdown struct {
	Telegram int `json:"telegram"`
	Upload   int `json:"upload"`
	Unknown  int `json:"unknown"`
}

type Status struct {
	Stats             models.Stats    `json:"stats"`
	ExternallySourced int             `json:"telegramImages"`
	Recent            SourceBreakdown `json:"recentAnalysis"`
	RecentImages      []*models.Image `json:"recentImages"`
	Cursor            int64           `json:"cursor"`
}

// Status reports what the index currently holds, for diagnosing sync.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	const op = "reconcile.Status"

	stats, err := e.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	external, err := e.store.ExternallySourced(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	page, err := e.store.List(ctx, models.ListOptions{Page: 1, Limit: recentSample})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	cursor, err := e.store.SyncCursor(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	st := &Status{
		Stats:             stats,
		ExternallySourced: len(external),
		RecentImages:      page.Images,
		Cursor:            cursor,
	}
	for _, img := range page.Images {
		switch {
		case img.Source == models.SourceUpload:
			st.Recent.Upload++
		case img.Source == models.SourceUserProfile,
			img.Source == models.SourceMessagePhoto,
			img.Source == models.SourceDocumentImage,
			img.IsExternal():
			st.Recent.Telegram++
		default:
			st.Recent.Unknown++
		}
	}
	return st, nil
}

func nowUTC() time.Time { return time.Now().UTC() }

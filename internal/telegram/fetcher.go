package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"imgbed/internal/models"
)

const (
	updatesPerCall    = 100
	maxUpdatesPerPass = 1000
	profilePhotoLimit = 100
)

var hashtagPattern = regexp.MustCompile(`#([\p{L}\p{N}_]+)`)

// Photo is one externally stored image, resolved to a download URL.
type Photo struct {
	FileID            string
	URL               string
	Kind              string
	MessageID         int64
	UpdateID          int64
	From              string
	Date              time.Time
	Caption           string
	FileName          string
	MimeType          string
	Size              int64
	SuggestedCategory string
}

// Snapshot is the result of one listing. Complete is set only when Photos is
// the whole external set rather than an incremental batch. ProfileComplete
// says the profile photos alone were enumerated in full, which holds for
// every account listing: the update feed forgets confirmed updates, the
// profile endpoint does not.
type Snapshot struct {
	Photos          []Photo
	Complete        bool
	ProfileComplete bool
	ProfileCount    int
	ChatCount       int
	Cursor          int64
	// Unresolved lists fileIds that were seen but whose URL lookup failed.
	// They still exist remotely.
	Unresolved []string
}

type ListOptions struct {
	// Full bypasses the persisted cursor and rescans from the beginning.
	Full bool
}

// API is the subset of the Bot API the fetcher needs.
type API interface {
	ResolveURL(ctx context.Context, fileID string) (string, *File, error)
	GetUserProfilePhotos(ctx context.Context, userID int64, offset, limit int) (*UserProfilePhotos, error)
	GetChat(ctx context.Context, chatID string) (*Chat, error)
	GetUpdates(ctx context.Context, offset int64, limit int, allowed []string) ([]Update, error)
}

type CursorStore interface {
	SyncCursor(ctx context.Context) (int64, error)
	SetSyncCursor(ctx context.Context, cursor int64) error
}

type Fetcher struct {
	api    API
	cfg    models.TelegramConfig
	cursor CursorStore
	log    *slog.Logger
}

func NewFetcher(api API, cfg models.TelegramConfig, cursor CursorStore, log *slog.Logger) *Fetcher {
	if log == nil {
		log = slog.Default()
	}
	return &Fetcher{api: api, cfg: cfg, cursor: cursor, log: log}
}

// ListCurrentPhotos enumerates the chat's photos. Accounts get a full scan
// of profile photos; in both modes the update feed is polled incrementally
// from the persisted cursor unless opts.Full is set, in which case it is read
// from the oldest update Telegram still retains.
func (f *Fetcher) ListCurrentPhotos(ctx context.Context, opts ListOptions) (*Snapshot, error) {
	const op = "telegram.ListCurrentPhotos"

	if err := f.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	persisted, err := f.cursor.SyncCursor(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var (
		candidates []Photo
		snap       = &Snapshot{Cursor: persisted}
		offset     int64
	)
	if f.cfg.IsChannel() {
		if chat, err := f.api.GetChat(ctx, f.cfg.ChatID); err != nil {
			f.log.Warn("chat lookup failed, falling back to update feed", "chat_id", f.cfg.ChatID, "error", err)
		} else {
			f.log.Debug("chat lookup", "chat_id", chat.ID, "title", chat.Title, "type", chat.Type)
		}
	} else {
		profile, err := f.profilePhotos(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		candidates = append(candidates, profile...)
		snap.ProfileComplete = true
	}
	if !opts.Full && persisted > 0 {
		offset = persisted + 1
	}
	snap.Complete = opts.Full

	chat, highest, err := f.pollUpdates(ctx, offset)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	candidates = append(candidates, chat...)

	seen := make(map[string]struct{}, len(candidates))
	for _, p := range candidates {
		if _, dup := seen[p.FileID]; dup {
			continue
		}
		seen[p.FileID] = struct{}{}

		u, file, err := f.api.ResolveURL(ctx, p.FileID)
		if err != nil {
			f.log.Warn("skipping photo, url resolution failed", "file_id", p.FileID, "error", err)
			snap.Unresolved = append(snap.Unresolved, p.FileID)
			continue
		}
		p.URL = u
		if p.Size == 0 {
			p.Size = file.FileSize
		}
		snap.Photos = append(snap.Photos, p)
		if p.Kind == models.SourceUserProfile {
			snap.ProfileCount++
		} else {
			snap.ChatCount++
		}
	}

	if highest > persisted {
		if err := f.cursor.SetSyncCursor(ctx, highest); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		snap.Cursor = highest
	}
	return snap, nil
}

func (f *Fetcher) profilePhotos(ctx context.Context) ([]Photo, error) {
	userID, err := strconv.ParseInt(f.cfg.ChatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: chat id %q is not a user id", models.ErrConfiguration, f.cfg.ChatID)
	}
	res, err := f.api.GetUserProfilePhotos(ctx, userID, 0, profilePhotoLimit)
	if err != nil {
		return nil, err
	}
	photos := make([]Photo, 0, len(res.Photos))
	for _, group := range res.Photos {
		best, ok := Largest(group)
		if !ok {
			continue
		}
		photos = append(photos, Photo{
			FileID: best.FileID,
			Kind:   models.SourceUserProfile,
			From:   f.cfg.ChatID,
			Size:   best.FileSize,
		})
	}
	return photos, nil
}

// pollUpdates pages through the update feed from offset until an empty batch
// or the per-pass cap, returning photo candidates and the highest update id.
func (f *Fetcher) pollUpdates(ctx context.Context, offset int64) ([]Photo, int64, error) {
	var (
		photos  []Photo
		highest int64
		total   int
	)
	for total < maxUpdatesPerPass {
		batch, err := f.api.GetUpdates(ctx, offset, updatesPerCall, AllowedUpdates)
		if err != nil {
			return nil, 0, err
		}
		if len(batch) == 0 {
			break
		}
		total += len(batch)
		for _, u := range batch {
			if u.UpdateID > highest {
				highest = u.UpdateID
			}
			if p, ok := photoFromMessage(u.Post()); ok {
				p.UpdateID = u.UpdateID
				photos = append(photos, p)
			}
		}
		offset = batch[len(batch)-1].UpdateID + 1
	}
	f.log.Debug("update feed polled", "updates", total, "photos", len(photos), "highest_update_id", highest)
	return photos, highest, nil
}

func photoFromMessage(m *Message) (Photo, bool) {
	if m == nil {
		return Photo{}, false
	}
	p := Photo{
		MessageID:         m.MessageID,
		From:              sender(m),
		Date:              time.Unix(m.Date, 0).UTC(),
		Caption:           m.Caption,
		SuggestedCategory: SuggestCategory(m.Caption),
	}
	if best, ok := Largest(m.Photo); ok {
		p.FileID = best.FileID
		p.Kind = models.SourceMessagePhoto
		p.Size = best.FileSize
		return p, true
	}
	if d := m.Document; d != nil && d.FileID != "" && strings.HasPrefix(d.MimeType, "image/") {
		p.FileID = d.FileID
		p.Kind = models.SourceDocumentImage
		p.FileName = d.FileName
		p.MimeType = d.MimeType
		p.Size = d.FileSize
		return p, true
	}
	return Photo{}, false
}

func sender(m *Message) string {
	switch {
	case m.From != nil && m.From.Username != "":
		return m.From.Username
	case m.From != nil:
		return strconv.FormatInt(m.From.ID, 10)
	default:
		return "channel"
	}
}

// SuggestCategory returns the first hashtag in caption, lowercased.
func SuggestCategory(caption string) string {
	m := hashtagPattern.FindStringSubmatch(caption)
	if m == nil {
		return ""
	}
	return strings.ToLower(m[1])
}

// Package metastore indexes image metadata in a key-value store.
//
// Records live under <prefix>:image:<id> as JSON and are ordered by upload
// time in the <prefix>:images sorted set. Measured pixel dimensions sit
// beside each record under <prefix>:dims:<id> so that writing them never
// rewrites the record itself. Externally-sourced records are
// additionally reachable through a fileId→id hash (the reverse index) and a
// membership set. Both are derived data: FindByExternalID repairs the reverse
// index on a miss and RebuildIndexes recomputes both from the records.
package metastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"imgbed/internal/models"
	"imgbed/internal/storage"
)

const (
	maxPageLimit = 100
	loadBatch    = 500

	statTotalImages = "totalImages"
	statTotalSize   = "totalSize"
)

type Store struct {
	kv     storage.KV
	prefix string
	now    func() time.Time
	newID  func() string
}

type Option func(*Store)

// WithClock overrides the clock used for upload dates and folder timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides record id generation.
func WithIDGenerator(newID func() string) Option {
	return func(s *Store) { s.newID = newID }
}

func New(kv storage.KV, prefix string, opts ...Option) *Store {
	if prefix == "" {
		prefix = models.DefaultKeyPrefix
	}
	s := &Store{
		kv:     kv,
		prefix: prefix,
		now:    time.Now,
		newID:  func() string { return uuid.Must(uuid.NewV7()).String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(parts ...string) string {
	return s.prefix + ":" + strings.Join(parts, ":")
}

func (s *Store) imageKey(id string) string { return s.key("image", id) }
func (s *Store) dimsKey(id string) string  { return s.key("dims", id) }
func (s *Store) imagesKey() string         { return s.key("images") }
func (s *Store) fileIDsKey() string        { return s.key("fileids") }
func (s *Store) externalKey() string       { return s.key("telegram", "ids") }
func (s *Store) categoriesKey() string     { return s.key("categories") }
func (s *Store) statsKey() string          { return s.key("stats") }
func (s *Store) foldersKey() string        { return s.key("folders") }
func (s *Store) cursorKey() string         { return s.key("sync", "cursor") }
func (s *Store) initializedKey() string    { return s.key("initialized") }

func (s *Store) Get(ctx context.Context, id string) (*models.Image, error) {
	const op = "metastore.Get"

	if id == "" {
		return nil, fmt.Errorf("%s: %w", op, models.Invalid("image id is required"))
	}
	vals, err := s.kv.MGet(ctx, s.imageKey(id), s.dimsKey(id))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if vals[0] == nil {
		return nil, fmt.Errorf("%s: image %q: %w", op, id, models.ErrNotFound)
	}
	img, err := decodeImage(id, vals[0], vals[1])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return img, nil
}

type dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// decodeImage parses a record and overlays its measured dimensions, if any.
func decodeImage(id string, record, dims []byte) (*models.Image, error) {
	var img models.Image
	if err := json.Unmarshal(record, &img); err != nil {
		return nil, fmt.Errorf("corrupt record %q: %w", id, err)
	}
	if dims != nil {
		var d dimensions
		if err := json.Unmarshal(dims, &d); err != nil {
			return nil, fmt.Errorf("corrupt dimensions %q: %w", id, err)
		}
		img.Width, img.Height = d.Width, d.Height
	}
	return &img, nil
}

// Put upserts img, overwriting every field, and keeps the ordering set,
// reverse index, membership set, categories and stats in step.
func (s *Store) Put(ctx context.Context, img *models.Image) error {
	const op = "metastore.Put"

	if img == nil || img.ID == "" {
		return fmt.Errorf("%s: %w", op, models.Invalid("image id is required"))
	}

	prev, err := s.Get(ctx, img.ID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("%s: %w", op, err)
	}

	data, err := json.Marshal(img)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := s.kv.Set(ctx, s.imageKey(img.ID), data); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := s.kv.ZAdd(ctx, s.imagesKey(), float64(img.UploadDate.UnixMilli()), img.ID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if prev == nil {
		if err := s.adjustStats(ctx, 1, img.Size); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	} else if delta := img.Size - prev.Size; delta != 0 {
		if err := s.adjustStats(ctx, 0, delta); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	if prev != nil && prev.FileID != "" && prev.FileID != img.FileID {
		if err := s.unindex(ctx, prev); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	if img.FileID != "" {
		if err := s.index(ctx, img); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	if img.Category != "" {
		if err := s.kv.SAdd(ctx, s.categoriesKey(), img.Category); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return nil
}

// Add creates a record, assigning an id and upload date when unset. A
// fileId may belong to only one record.
func (s *Store) Add(ctx context.Context, img *models.Image) (*models.Image, error) {
	const op = "metastore.Add"

	if img == nil {
		return nil, fmt.Errorf("%s: %w", op, models.Invalid("image is required"))
	}
	if img.ID == "" {
		img.ID = s.newID()
	}
	if img.UploadDate.IsZero() {
		img.UploadDate = s.now().UTC()
	}
	if img.FileID != "" {
		holder, err := s.FindByExternalID(ctx, img.FileID)
		switch {
		case err == nil && holder.ID != img.ID:
			return nil, fmt.Errorf("%s: %w", op, models.Invalid("fileId %q is already indexed by image %s", img.FileID, holder.ID))
		case err != nil && !errors.Is(err, models.ErrNotFound):
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	if err := s.Put(ctx, img); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return img, nil
}

// Update merges patch into the record. Id, upload date and fileId never change.
func (s *Store) Update(ctx context.Context, id string, patch models.ImagePatch) (*models.Image, error) {
	const op = "metastore.Update"

	img, err := s.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if patch.URL != nil {
		u := strings.TrimSpace(*patch.URL)
		if u == "" {
			return nil, fmt.Errorf("%s: %w", op, models.Invalid("url must not be empty"))
		}
		img.URL = u
	}
	if patch.Filename != nil {
		name := strings.TrimSpace(*patch.Filename)
		if name == "" {
			return nil, fmt.Errorf("%s: %w", op, models.Invalid("filename must not be empty"))
		}
		img.Filename = name
	}
	if patch.Category != nil {
		category := strings.TrimSpace(*patch.Category)
		if category == "" {
			category = models.UncategorizedCategory
		}
		img.Category = category
	}
	if patch.Description != nil {
		img.Description = *patch.Description
	}
	if patch.FolderID.Set {
		if fid := patch.FolderID.Value; fid != nil {
			if _, err := s.Folder(ctx, *fid); err != nil {
				if errors.Is(err, models.ErrNotFound) {
					return nil, fmt.Errorf("%s: %w", op, models.Invalid("folder %q does not exist", *fid))
				}
				return nil, fmt.Errorf("%s: %w", op, err)
			}
		}
		img.FolderID = patch.FolderID.Value
	}

	if err := s.Put(ctx, img); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return img, nil
}

// Delete removes the record and returns it so callers can act on what was
// removed.
func (s *Store) Delete(ctx context.Context, id string) (*models.Image, error) {
	const op = "metastore.Delete"

	img, err := s.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := s.kv.Del(ctx, s.imageKey(id), s.dimsKey(id)); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := s.kv.ZRem(ctx, s.imagesKey(), id); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := s.adjustStats(ctx, -1, -img.Size); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if img.FileID != "" {
		if err := s.unindex(ctx, img); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	return img, nil
}

// SetDimensions records the decoded pixel size of an image. It writes only
// the dimensions key, so it can neither revert a concurrent edit nor bring
// back a record deleted while the image was being measured.
func (s *Store) SetDimensions(ctx context.Context, id string, width, height int) error {
	const op = "metastore.SetDimensions"

	if _, err := s.Get(ctx, id); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	data, err := json.Marshal(dimensions{Width: width, Height: height})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := s.kv.Set(ctx, s.dimsKey(id), data); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	// The record may have been deleted since the check above.
	if _, err := s.kv.Get(ctx, s.imageKey(id)); errors.Is(err, storage.ErrNil) {
		if err := s.kv.Del(ctx, s.dimsKey(id)); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return fmt.Errorf("%s: image %q: %w", op, id, models.ErrNotFound)
	} else if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// List returns one page of images, newest first.
func (s *Store) List(ctx context.Context, opts models.ListOptions) (*models.ImagePage, error) {
	const op = "metastore.List"

	if opts.Page < 1 {
		opts.Page = 1
	}
	if opts.Limit < 1 {
		opts.Limit = 20
	}
	if opts.Limit > maxPageLimit {
		opts.Limit = maxPageLimit
	}
	start := (opts.Page - 1) * opts.Limit

	var (
		images []*models.Image
		total  int
	)
	if opts.Category == "" && opts.FolderID == "" {
		n, err := s.kv.ZCard(ctx, s.imagesKey())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		total = int(n)
		ids, err := s.kv.ZRevRange(ctx, s.imagesKey(), int64(start), int64(start+opts.Limit-1))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if images, err = s.load(ctx, ids); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	} else {
		all, err := s.All(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		matched := all[:0]
		for _, img := range all {
			if opts.Category != "" && img.Category != opts.Category {
				continue
			}
			if opts.FolderID != "" && (img.FolderID == nil || *img.FolderID != opts.FolderID) {
				continue
			}
			matched = append(matched, img)
		}
		total = len(matched)
		if start < len(matched) {
			end := min(start+opts.Limit, len(matched))
			images = matched[start:end]
		}
	}

	if images == nil {
		images = []*models.Image{}
	}
	return &models.ImagePage{
		Images: images,
		Page:   opts.Page,
		Limit:  opts.Limit,
		Total:  total,
		Pages:  (total + opts.Limit - 1) / opts.Limit,
	}, nil
}

// All returns every record, newest first.
func (s *Store) All(ctx context.Context) ([]*models.Image, error) {
	const op = "metastore.All"

	ids, err := s.kv.ZRevRange(ctx, s.imagesKey(), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	images, err := s.load(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return images, nil
}

// FindByExternalID resolves a fileId through the reverse index, falling back
// to a full scan that repairs the index when the mapping is missing or stale.
func (s *Store) FindByExternalID(ctx context.Context, fileID string) (*models.Image, error) {
	const op = "metastore.FindByExternalID"

	found, err := s.FindByExternalIDs(ctx, []string{fileID})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	img, ok := found[fileID]
	if !ok {
		return nil, fmt.Errorf("%s: fileId %q: %w", op, fileID, models.ErrNotFound)
	}
	return img, nil
}

// FindByExternalIDs is the batch form of FindByExternalID: one reverse-index
// lookup per fileId and at most one fallback scan for all misses.
func (s *Store) FindByExternalIDs(ctx context.Context, fileIDs []string) (map[string]*models.Image, error) {
	const op = "metastore.FindByExternalIDs"

	found := make(map[string]*models.Image, len(fileIDs))
	var missing []string
	var stale []string
	for _, fileID := range fileIDs {
		if fileID == "" {
			continue
		}
		if _, dup := found[fileID]; dup {
			continue
		}
		id, err := s.kv.HGet(ctx, s.fileIDsKey(), fileID)
		if errors.Is(err, storage.ErrNil) {
			missing = append(missing, fileID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		img, err := s.Get(ctx, id)
		switch {
		case err == nil && img.FileID == fileID:
			found[fileID] = img
			continue
		case err != nil && !errors.Is(err, models.ErrNotFound):
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		stale = append(stale, fileID)
		missing = append(missing, fileID)
	}

	if len(stale) > 0 {
		if err := s.kv.HDel(ctx, s.fileIDsKey(), stale...); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	if len(missing) == 0 {
		return found, nil
	}

	want := make(map[string]struct{}, len(missing))
	for _, f := range missing {
		want[f] = struct{}{}
	}
	all, err := s.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	for _, img := range all {
		if _, ok := want[img.FileID]; !ok {
			continue
		}
		if _, done := found[img.FileID]; done {
			continue
		}
		found[img.FileID] = img
		if err := s.index(ctx, img); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	return found, nil
}

// ExternallySourced enumerates records through the membership set, newest
// first. Members whose record is gone or carries no fileId are skipped.
func (s *Store) ExternallySourced(ctx context.Context) ([]*models.Image, error) {
	const op = "metastore.ExternallySourced"

	ids, err := s.kv.SMembers(ctx, s.externalKey())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	loaded, err := s.load(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	images := make([]*models.Image, 0, len(loaded))
	for _, img := range loaded {
		if img.IsExternal() {
			images = append(images, img)
		}
	}
	sort.SliceStable(images, func(i, j int) bool {
		return images[i].UploadDate.After(images[j].UploadDate)
	})
	return images, nil
}

func (s *Store) Stats(ctx context.Context) (models.Stats, error) {
	const op = "metastore.Stats"

	raw, err := s.kv.HGetAll(ctx, s.statsKey())
	if err != nil {
		return models.Stats{}, fmt.Errorf("%s: %w", op, err)
	}
	parse := func(field string) int64 {
		n, err := strconv.ParseInt(raw[field], 10, 64)
		if err != nil || n < 0 {
			return 0
		}
		return n
	}
	return models.Stats{
		TotalImages: parse(statTotalImages),
		TotalSize:   parse(statTotalSize),
	}, nil
}

func (s *Store) Categories(ctx context.Context) ([]string, error) {
	const op = "metastore.Categories"

	members, err := s.kv.SMembers(ctx, s.categoriesKey())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	out := make([]string, 0, len(members))
	for _, c := range members {
		if c != "" {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) adjustStats(ctx context.Context, count, size int64) error {
	if count != 0 {
		if _, err := s.kv.HIncrBy(ctx, s.statsKey(), statTotalImages, count); err != nil {
			return err
		}
	}
	if size != 0 {
		if _, err := s.kv.HIncrBy(ctx, s.statsKey(), statTotalSize, size); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) index(ctx context.Context, img *models.Image) error {
	if err := s.kv.HSet(ctx, s.fileIDsKey(), map[string]string{img.FileID: img.ID}); err != nil {
		return err
	}
	return s.kv.SAdd(ctx, s.externalKey(), img.ID)
}

// unindex drops img's reverse-index entry, unless another record already
// owns the fileId, and its membership.
func (s *Store) unindex(ctx context.Context, img *models.Image) error {
	cur, err := s.kv.HGet(ctx, s.fileIDsKey(), img.FileID)
	switch {
	case err == nil && cur == img.ID:
		if err := s.kv.HDel(ctx, s.fileIDsKey(), img.FileID); err != nil {
			return err
		}
	case err != nil && !errors.Is(err, storage.ErrNil):
		return err
	}
	return s.kv.SRem(ctx, s.externalKey(), img.ID)
}

// load fetches records by id in batches, preserving order and skipping ids
// whose record is missing.
func (s *Store) load(ctx context.Context, ids []string) ([]*models.Image, error) {
	images := make([]*models.Image, 0, len(ids))
	for lo := 0; lo < len(ids); lo += loadBatch {
		hi := min(lo+loadBatch, len(ids))
		keys := make([]string, 0, 2*(hi-lo))
		for _, id := range ids[lo:hi] {
			keys = append(keys, s.imageKey(id), s.dimsKey(id))
		}
		vals, err := s.kv.MGet(ctx, keys...)
		if err != nil {
			return nil, err
		}
		for i := 0; i < len(vals); i += 2 {
			if vals[i] == nil {
				continue
			}
			img, err := decodeImage(ids[lo+i/2], vals[i], vals[i+1])
			if err != nil {
				return nil, err
			}
			images = append(images, img)
		}
	}
	return images, nil
}

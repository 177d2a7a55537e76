package metastore

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"imgbed/internal/models"
	"imgbed/internal/storage"
)

// IndexReport summarises a RebuildIndexes run.
type IndexReport struct {
	Scanned    int `json:"scanned"`
	Indexed    int `json:"indexed"`
	Duplicates int `json:"duplicates"`
}

// RebuildIndexes discards the reverse index and the externally-sourced set
// and recomputes both from the records. When two records claim the same
// fileId the newest keeps it.
func (s *Store) RebuildIndexes(ctx context.Context) (IndexReport, error) {
	const op = "metastore.RebuildIndexes"

	all, err := s.All(ctx)
	if err != nil {
		return IndexReport{}, fmt.Errorf("%s: %w", op, err)
	}
	if err := s.kv.Del(ctx, s.fileIDsKey(), s.externalKey()); err != nil {
		return IndexReport{}, fmt.Errorf("%s: %w", op, err)
	}

	report := IndexReport{Scanned: len(all)}
	mapping := make(map[string]string)
	var members []string
	for _, img := range all {
		if !img.IsExternal() {
			continue
		}
		if _, taken := mapping[img.FileID]; taken {
			report.Duplicates++
			continue
		}
		mapping[img.FileID] = img.ID
		members = append(members, img.ID)
	}
	if err := s.kv.HSet(ctx, s.fileIDsKey(), mapping); err != nil {
		return IndexReport{}, fmt.Errorf("%s: %w", op, err)
	}
	if err := s.kv.SAdd(ctx, s.externalKey(), members...); err != nil {
		return IndexReport{}, fmt.Errorf("%s: %w", op, err)
	}
	report.Indexed = len(members)
	return report, nil
}

// RecomputeStats overwrites the aggregate counters with values derived from
// the records.
func (s *Store) RecomputeStats(ctx context.Context) (models.Stats, error) {
	const op = "metastore.RecomputeStats"

	all, err := s.All(ctx)
	if err != nil {
		return models.Stats{}, fmt.Errorf("%s: %w", op, err)
	}
	var stats models.Stats
	for _, img := range all {
		stats.TotalImages++
		stats.TotalSize += img.Size
	}
	err = s.kv.HSet(ctx, s.statsKey(), map[string]string{
		statTotalImages: strconv.FormatInt(stats.TotalImages, 10),
		statTotalSize:   strconv.FormatInt(stats.TotalSize, 10),
	})
	if err != nil {
		return models.Stats{}, fmt.Errorf("%s: %w", op, err)
	}
	return stats, nil
}

// SyncCursor returns the last persisted update cursor, 0 when unset.
func (s *Store) SyncCursor(ctx context.Context) (int64, error) {
	const op = "metastore.SyncCursor"

	data, err := s.kv.Get(ctx, s.cursorKey())
	if errors.Is(err, storage.ErrNil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: corrupt cursor %q: %w", op, data, err)
	}
	return n, nil
}

func (s *Store) SetSyncCursor(ctx context.Context, cursor int64) error {
	const op = "metastore.SetSyncCursor"

	if err := s.kv.Set(ctx, s.cursorKey(), []byte(strconv.FormatInt(cursor, 10))); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Init bootstraps an empty store: default category, bootstrap folders,
// counters and the initialized flag. It reports whether this call did the
// bootstrap; repeated calls only restore missing folders.
func (s *Store) Init(ctx context.Context) (bool, error) {
	const op = "metastore.Init"

	if err := s.EnsureDefaultFolders(ctx); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	_, err := s.kv.Get(ctx, s.initializedKey())
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, storage.ErrNil) {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	if err := s.kv.SAdd(ctx, s.categoriesKey(), models.DefaultCategory); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if _, err := s.RecomputeStats(ctx); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if err := s.kv.Set(ctx, s.initializedKey(), []byte("true")); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return true, nil
}

// Reset removes every image and index under the prefix, then bootstraps
// again. It returns the number of image records deleted.
func (s *Store) Reset(ctx context.Context) (int, error) {
	const op = "metastore.Reset"

	ids, err := s.kv.ZRevRange(ctx, s.imagesKey(), 0, -1)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	for lo := 0; lo < len(ids); lo += loadBatch {
		hi := min(lo+loadBatch, len(ids))
		keys := make([]string, 0, 2*(hi-lo))
		for _, id := range ids[lo:hi] {
			keys = append(keys, s.imageKey(id), s.dimsKey(id))
		}
		if err := s.kv.Del(ctx, keys...); err != nil {
			return 0, fmt.Errorf("%s: %w", op, err)
		}
	}
	err = s.kv.Del(ctx,
		s.imagesKey(), s.fileIDsKey(), s.externalKey(), s.categoriesKey(),
		s.statsKey(), s.foldersKey(), s.cursorKey(), s.initializedKey(),
	)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if _, err := s.Init(ctx); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return len(ids), nil
}

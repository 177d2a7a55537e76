package metastore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imgbed/internal/models"
)

func TestRebuildIndexes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.add(t, models.Image{URL: "u1", Filename: "a", FileID: "F1"})
	f.add(t, models.Image{URL: "u2", Filename: "b"})
	require.NoError(t, f.kv.Del(ctx, "test:fileids", "test:telegram:ids"))

	ext, err := f.store.ExternallySourced(ctx)
	require.NoError(t, err)
	assert.Empty(t, ext)

	report, err := f.store.RebuildIndexes(ctx)
	require.NoError(t, err)
	assert.Equal(t, IndexReport{Scanned: 2, Indexed: 1}, report)

	ext, err = f.store.ExternallySourced(ctx)
	require.NoError(t, err)
	require.Len(t, ext, 1)
	assert.Equal(t, a.ID, ext[0].ID)

	id, err := f.kv.HGet(ctx, "test:fileids", "F1")
	require.NoError(t, err)
	assert.Equal(t, a.ID, id)
}

func TestRecomputeStatsRepairsDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.add(t, models.Image{URL: "u1", Filename: "a", Size: 7})
	f.add(t, models.Image{URL: "u2", Filename: "b", Size: 3})
	require.NoError(t, f.kv.HSet(ctx, "test:stats", map[string]string{"totalImages": "-4", "totalSize": "1"}))

	stats, err := f.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.TotalImages)

	stats, err = f.store.RecomputeStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Stats{TotalImages: 2, TotalSize: 10}, stats)

	stored, err := f.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, stats, stored)
}

func TestSyncCursor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	n, err := f.store.SyncCursor(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, f.store.SetSyncCursor(ctx, 4242))
	n, err = f.store.SyncCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4242), n)
}

func TestInitIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	did, err := f.store.Init(ctx)
	require.NoError(t, err)
	assert.True(t, did)

	did, err = f.store.Init(ctx)
	require.NoError(t, err)
	assert.False(t, did)

	cats, err := f.store.Categories(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{models.DefaultCategory}, cats)

	folders, err := f.store.Folders(ctx)
	require.NoError(t, err)
	require.Len(t, folders, 2)
	assert.Equal(t, "avatar", folders[0].ID)
	assert.Equal(t, "chat", folders[1].ID)
}

func TestReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Init(ctx)
	require.NoError(t, err)
	img := f.add(t, models.Image{URL: "u1", Filename: "a", FileID: "F1", Category: "x", Size: 5})
	_, err = f.store.CreateFolder(ctx, "extra", nil)
	require.NoError(t, err)
	require.NoError(t, f.store.SetSyncCursor(ctx, 9))

	n, err := f.store.Reset(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.store.Get(ctx, img.ID)
	assert.True(t, errors.Is(err, models.ErrNotFound))

	stats, err := f.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Stats{}, stats)

	folders, err := f.store.Folders(ctx)
	require.NoError(t, err)
	assert.Len(t, folders, 2)

	cursor, err := f.store.SyncCursor(ctx)
	require.NoError(t, err)
	assert.Zero(t, cursor)

	cats, err := f.store.Categories(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{models.DefaultCategory}, cats)
}

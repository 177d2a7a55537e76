package metastore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imgbed/internal/models"
	"imgbed/internal/storage"
)

type fixture struct {
	kv    *storage.Memory
	store *Store
	clock time.Time
	seq   int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		kv:    storage.NewMemory(),
		clock: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.store = New(f.kv, "test",
		WithClock(func() time.Time {
			f.clock = f.clock.Add(time.Second)
			return f.clock
		}),
		WithIDGenerator(func() string {
			f.seq++
			return fmt.Sprintf("id%03d", f.seq)
		}),
	)
	return f
}

func strPtr(s string) *string { return &s }

func (f *fixture) add(t *testing.T, img models.Image) *models.Image {
	t.Helper()
	out, err := f.store.Add(context.Background(), &img)
	require.NoError(t, err)
	return out
}

func TestAddAssignsIDAndDate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	img := f.add(t, models.Image{URL: "https://x/a.png", Filename: "a.png", Category: "cats", Size: 10})
	assert.Equal(t, "id001", img.ID)
	assert.False(t, img.UploadDate.IsZero())

	got, err := f.store.Get(ctx, img.ID)
	require.NoError(t, err)
	assert.Equal(t, img.URL, got.URL)
	assert.True(t, img.UploadDate.Equal(got.UploadDate))

	cats, err := f.store.Categories(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"cats"}, cats)

	stats, err := f.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Stats{TotalImages: 1, TotalSize: 10}, stats)
}

func TestGetMissing(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Get(context.Background(), "nope")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestAddRejectsDuplicateFileID(t *testing.T) {
	f := newFixture(t)
	f.add(t, models.Image{URL: "u1", Filename: "a", FileID: "F1"})

	_, err := f.store.Add(context.Background(), &models.Image{URL: "u2", Filename: "b", FileID: "F1"})
	assert.True(t, errors.Is(err, models.ErrValidation))
}

func TestDeleteUpdatesIndexesAndStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.add(t, models.Image{URL: "u1", Filename: "a", FileID: "F1", Size: 100})
	f.add(t, models.Image{URL: "u2", Filename: "b", Size: 50})

	deleted, err := f.store.Delete(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, deleted.ID)

	_, err = f.store.FindByExternalID(ctx, "F1")
	assert.True(t, errors.Is(err, models.ErrNotFound))

	ext, err := f.store.ExternallySourced(ctx)
	require.NoError(t, err)
	assert.Empty(t, ext)

	stats, err := f.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Stats{TotalImages: 1, TotalSize: 50}, stats)

	_, err = f.store.Delete(ctx, a.ID)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestPutAdjustsSizeDelta(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	img := f.add(t, models.Image{URL: "u", Filename: "a", Size: 10})
	img.Size = 25
	require.NoError(t, f.store.Put(ctx, img))

	stats, err := f.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Stats{TotalImages: 1, TotalSize: 25}, stats)
}

func TestUpdatePatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	folder, err := f.store.CreateFolder(ctx, "Trips", nil)
	require.NoError(t, err)

	img := f.add(t, models.Image{URL: "u", Filename: "a", Category: "general", FileID: "F1", Description: "keep"})

	updated, err := f.store.Update(ctx, img.ID, models.ImagePatch{
		Category: strPtr("travel"),
		FolderID: models.OptionalString{Set: true, Value: &folder.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, "travel", updated.Category)
	assert.Equal(t, "keep", updated.Description)
	require.NotNil(t, updated.FolderID)
	assert.Equal(t, folder.ID, *updated.FolderID)
	assert.Equal(t, "F1", updated.FileID)
	assert.True(t, img.UploadDate.Equal(updated.UploadDate))

	updated, err = f.store.Update(ctx, img.ID, models.ImagePatch{
		FolderID: models.OptionalString{Set: true},
	})
	require.NoError(t, err)
	assert.Nil(t, updated.FolderID)

	_, err = f.store.Update(ctx, img.ID, models.ImagePatch{
		FolderID: models.OptionalString{Set: true, Value: strPtr("ghost")},
	})
	assert.True(t, errors.Is(err, models.ErrValidation))

	_, err = f.store.Update(ctx, img.ID, models.ImagePatch{URL: strPtr("  ")})
	assert.True(t, errors.Is(err, models.ErrValidation))

	_, err = f.store.Update(ctx, "missing", models.ImagePatch{})
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestListPaginationAndFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		category := "a"
		if i%2 == 1 {
			category = "b"
		}
		f.add(t, models.Image{URL: fmt.Sprintf("u%d", i), Filename: fmt.Sprintf("f%d", i), Category: category})
	}

	page, err := f.store.List(ctx, models.ListOptions{Page: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Equal(t, 3, page.Pages)
	require.Len(t, page.Images, 2)
	assert.Equal(t, "u4", page.Images[0].URL)
	assert.Equal(t, "u3", page.Images[1].URL)

	page, err = f.store.List(ctx, models.ListOptions{Page: 3, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Images, 1)
	assert.Equal(t, "u0", page.Images[0].URL)

	page, err = f.store.List(ctx, models.ListOptions{Page: 9, Limit: 2})
	require.NoError(t, err)
	assert.Empty(t, page.Images)
	assert.NotNil(t, page.Images)

	page, err = f.store.List(ctx, models.ListOptions{Page: 1, Limit: 10, Category: "b"})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, 1, page.Pages)
	for _, img := range page.Images {
		assert.Equal(t, "b", img.Category)
	}
}

func TestFindByExternalIDRepairsReverseIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	img := f.add(t, models.Image{URL: "u", Filename: "a", FileID: "F1"})
	require.NoError(t, f.kv.Del(ctx, "test:fileids"))

	got, err := f.store.FindByExternalID(ctx, "F1")
	require.NoError(t, err)
	assert.Equal(t, img.ID, got.ID)

	id, err := f.kv.HGet(ctx, "test:fileids", "F1")
	require.NoError(t, err)
	assert.Equal(t, img.ID, id)
}

func TestFindByExternalIDDropsStaleMapping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.kv.HSet(ctx, "test:fileids", map[string]string{"F9": "gone"}))

	_, err := f.store.FindByExternalID(ctx, "F9")
	assert.True(t, errors.Is(err, models.ErrNotFound))

	_, err = f.kv.HGet(ctx, "test:fileids", "F9")
	assert.True(t, errors.Is(err, storage.ErrNil))
}

func TestFindByExternalIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.add(t, models.Image{URL: "u1", Filename: "a", FileID: "F1"})
	b := f.add(t, models.Image{URL: "u2", Filename: "b", FileID: "F2"})
	require.NoError(t, f.kv.HDel(ctx, "test:fileids", "F2"))

	found, err := f.store.FindByExternalIDs(ctx, []string{"F1", "F2", "F3", "F1"})
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, a.ID, found["F1"].ID)
	assert.Equal(t, b.ID, found["F2"].ID)
}

func TestExternallySourcedSkipsDanglingMembers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.add(t, models.Image{URL: "u1", Filename: "a", FileID: "F1"})
	f.add(t, models.Image{URL: "u2", Filename: "b"})
	require.NoError(t, f.kv.SAdd(ctx, "test:telegram:ids", "ghost"))

	ext, err := f.store.ExternallySourced(ctx)
	require.NoError(t, err)
	require.Len(t, ext, 1)
	assert.Equal(t, "F1", ext[0].FileID)
}

func TestSetDimensions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	img := f.add(t, models.Image{URL: "u", Filename: "a"})
	require.NoError(t, f.store.SetDimensions(ctx, img.ID, 640, 480))

	got, err := f.store.Get(ctx, img.ID)
	require.NoError(t, err)
	assert.Equal(t, 640, got.Width)
	assert.Equal(t, 480, got.Height)
}

package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imgbed/internal/events"
	"imgbed/internal/logging"
	"imgbed/internal/metastore"
	"imgbed/internal/models"
	"imgbed/internal/storage"
	"imgbed/internal/telegram"
)

type scriptedSource struct {
	mu       sync.Mutex
	photos   []telegram.Photo
	complete bool
	err      error
	calls    atomic.Int32
	gate     chan struct{}
}

func (s *scriptedSource) ListCurrentPhotos(ctx context.Context, opts telegram.ListOptions) (*telegram.Snapshot, error) {
	s.calls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return &telegram.Snapshot{
		Photos:    append([]telegram.Photo(nil), s.photos...),
		Complete:  s.complete || opts.Full,
		ChatCount: len(s.photos),
	}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

func photo(fileID, caption string) telegram.Photo {
	return telegram.Photo{
		FileID:            fileID,
		URL:               "https://api.example/file/bot/x/" + fileID + ".jpg",
		Kind:              models.SourceMessagePhoto,
		MessageID:         7,
		From:              "channel",
		Date:              time.Unix(1_700_000_000, 0).UTC(),
		Caption:           caption,
		Size:              100,
		SuggestedCategory: telegram.SuggestCategory(caption),
	}
}

func newEngine(t *testing.T, src *scriptedSource) (*Engine, *metastore.Store, *recordingPublisher) {
	t.Helper()
	store := metastore.New(storage.NewMemory(), "t")
	pub := &recordingPublisher{}
	return NewEngine(src, store, pub, logging.Discard()), store, pub
}

func TestRunInsertsNewPhotos(t *testing.T) {
	src := &scriptedSource{photos: []telegram.Photo{photo("F1", "#Cats"), photo("F2", "")}, complete: true}
	e, store, pub := newEngine(t, src)
	ctx := context.Background()

	res, err := e.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 0, res.Skipped)
	assert.Equal(t, 0, res.Deleted)
	assert.Equal(t, 2, res.Total)

	f1, err := store.FindByExternalID(ctx, "F1")
	require.NoError(t, err)
	assert.Equal(t, "telegram_F1", f1.Filename)
	assert.Equal(t, "cats", f1.Category)
	assert.Nil(t, f1.FolderID)
	assert.Equal(t, models.SourceMessagePhoto, f1.Source)
	require.NotNil(t, f1.Metadata)
	assert.Equal(t, int64(7), f1.Metadata.MessageID)

	f2, err := store.FindByExternalID(ctx, "F2")
	require.NoError(t, err)
	assert.Equal(t, models.DefaultCategory, f2.Category)

	assert.Equal(t, []string{events.TypeImageCreated, events.TypeImageCreated, events.TypeSyncCompleted}, pub.types())
}

func TestRunIsIdempotent(t *testing.T) {
	src := &scriptedSource{photos: []telegram.Photo{photo("F1", ""), photo("F2", "")}, complete: true}
	e, _, _ := newEngine(t, src)
	ctx := context.Background()

	_, err := e.Run(ctx, RunOptions{})
	require.NoError(t, err)

	res, err := e.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 0, res.Deleted)
	assert.Equal(t, 2, res.Skipped)
}

func TestRunPreservesEditedCategory(t *testing.T) {
	src := &scriptedSource{photos: []telegram.Photo{photo("F1", "#dogs")}, complete: true}
	e, store, _ := newEngine(t, src)
	ctx := context.Background()

	_, err := e.Run(ctx, RunOptions{})
	require.NoError(t, err)
	img, err := store.FindByExternalID(ctx, "F1")
	require.NoError(t, err)

	cats := "cats"
	_, err = store.Update(ctx, img.ID, models.ImagePatch{Category: &cats})
	require.NoError(t, err)

	_, err = e.Run(ctx, RunOptions{Full: true})
	require.NoError(t, err)

	img, err = store.Get(ctx, img.ID)
	require.NoError(t, err)
	assert.Equal(t, "cats", img.Category)
}

func TestRunDeletesVanishedPhotos(t *testing.T) {
	src := &scriptedSource{photos: []telegram.Photo{photo("F1", ""), photo("F2", "")}, complete: true}
	e, store, pub := newEngine(t, src)
	ctx := context.Background()

	_, err := e.Run(ctx, RunOptions{})
	require.NoError(t, err)
	gone, err := store.FindByExternalID(ctx, "F2")
	require.NoError(t, err)

	src.mu.Lock()
	src.photos = []telegram.Photo{photo("F1", "")}
	src.mu.Unlock()

	res, err := e.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, 1, res.Skipped)

	_, err = store.Get(ctx, gone.ID)
	assert.True(t, errors.Is(err, models.ErrNotFound))
	assert.Contains(t, pub.types(), events.TypeImageDeleted)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalImages)
}

func TestIncrementalRunNeverDeletes(t *testing.T) {
	src := &scriptedSource{photos: []telegram.Photo{photo("F1", "")}, complete: true}
	e, store, _ := newEngine(t, src)
	ctx := context.Background()

	_, err := e.Run(ctx, RunOptions{})
	require.NoError(t, err)

	src.mu.Lock()
	src.photos = []telegram.Photo{photo("F9", "")}
	src.complete = false
	src.mu.Unlock()

	res, err := e.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.False(t, res.Complete)
	assert.Equal(t, 0, res.Deleted)
	assert.Equal(t, 1, res.Inserted)

	_, err = store.FindByExternalID(ctx, "F1")
	assert.NoError(t, err)
}

func TestRunListFailureAborts(t *testing.T) {
	src := &scriptedSource{err: errors.New("boom")}
	e, store, _ := newEngine(t, src)

	_, err := e.Run(context.Background(), RunOptions{})
	require.Error(t, err)

	all, err := store.All(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestConcurrentRunsShareOnePass(t *testing.T) {
	src := &scriptedSource{photos: []telegram.Photo{photo("F1", "")}, complete: true, gate: make(chan struct{})}
	e, store, _ := newEngine(t, src)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := e.Run(ctx, RunOptions{})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	assert.Equal(t, int32(1), src.calls.Load())
	all, err := store.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRunOutlivesCancelledCaller(t *testing.T) {
	src := &scriptedSource{photos: []telegram.Photo{photo("F1", "")}, complete: true, gate: make(chan struct{})}
	e, _, _ := newEngine(t, src)

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := e.Run(first, RunOptions{})
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)

	second := make(chan *Result, 1)
	go func() {
		res, err := e.Run(context.Background(), RunOptions{})
		assert.NoError(t, err)
		second <- res
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(src.gate)
	res := <-second
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestStatus(t *testing.T) {
	src := &scriptedSource{photos: []telegram.Photo{photo("F1", "")}, complete: true}
	e, store, _ := newEngine(t, src)
	ctx := context.Background()

	_, err := e.Run(ctx, RunOptions{})
	require.NoError(t, err)
	_, err = store.Add(ctx, &models.Image{URL: "u", Filename: "up.png", FileID: "U1", Source: models.SourceUpload})
	require.NoError(t, err)
	_, err = store.Add(ctx, &models.Image{URL: "m", Filename: "manual.png"})
	require.NoError(t, err)
	require.NoError(t, store.SetSyncCursor(ctx, 12))

	st, err := e.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.Stats.TotalImages)
	assert.Equal(t, 2, st.ExternallySourced)
	assert.Equal(t, SourceBreakdown{Telegram: 1, Upload: 1, Unknown: 1}, st.Recent)
	assert.Equal(t, int64(12), st.Cursor)
	assert.Len(t, st.RecentImages, 3)
}

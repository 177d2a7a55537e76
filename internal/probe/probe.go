// Package probe decodes newly indexed images and records their dimensions.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/disintegration/imaging"
	"github.com/segmentio/kafka-go"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"imgbed/internal/events"
	"imgbed/internal/models"
)

const (
	defaultFetchTimeout = 15 * time.Second
	maxImageBytes       = 20 << 20
)

// DimensionStore receives decoded sizes.
type DimensionStore interface {
	SetDimensions(ctx context.Context, id string, width, height int) error
}

// MessageReader is the part of *kafka.Reader the worker consumes.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type Worker struct {
	store   DimensionStore
	http    *http.Client
	timeout time.Duration
	log     *slog.Logger
}

func NewWorker(store DimensionStore, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{store: store, http: &http.Client{}, timeout: defaultFetchTimeout, log: log}
}

// NewReader builds the consumer-group reader for the image topic.
func NewReader(cfg models.KafkaConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.Topic,
		GroupID: cfg.GroupID,
	})
}

// Run consumes events until ctx is cancelled. Bad messages are logged and
// skipped.
func (w *Worker) Run(ctx context.Context, r MessageReader) error {
	defer r.Close()

	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			w.log.Error("probe: read message", "error", err)
			continue
		}
		ev, err := events.Decode(msg.Value)
		if err != nil {
			w.log.Warn("probe: skipping undecodable message", "offset", msg.Offset, "error", err)
			continue
		}
		if err := w.Handle(ctx, ev); err != nil {
			w.log.Warn("probe: image not measured", "image_id", ev.ImageID, "error", err)
		}
	}
}

// Handle measures the image behind an image.created event. Other event
// types are ignored.
func (w *Worker) Handle(ctx context.Context, ev events.Event) error {
	const op = "probe.Handle"

	if ev.Type != events.TypeImageCreated || ev.ImageID == "" || ev.URL == "" {
		return nil
	}

	width, height, err := w.measure(ctx, ev.URL)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := w.store.SetDimensions(ctx, ev.ImageID, width, height); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	w.log.Debug("probe: image measured", "image_id", ev.ImageID, "width", width, "height", height)
	return nil
}

func (w *Worker) measure(ctx context.Context, url string) (int, int, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, 0, err
	}
	resp, err := w.http.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", models.ErrUpstream, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, 0, fmt.Errorf("%w: fetch returned HTTP %d", models.ErrUpstream, resp.StatusCode)
	}

	img, err := imaging.Decode(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return 0, 0, fmt.Errorf("decode: %w", err)
	}
	b := img.Bounds()
	return b.Dx(), b.Dy(), nil
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imgbed/internal/auth"
	"imgbed/internal/logging"
	"imgbed/internal/metastore"
	"imgbed/internal/models"
	"imgbed/internal/ratelimit"
	"imgbed/internal/reconcile"
	"imgbed/internal/storage"
	"imgbed/internal/telegram"
	"imgbed/internal/upload"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeSyncer struct {
	runs []reconcile.RunOptions
	err  error
}

func (f *fakeSyncer) Run(_ context.Context, opts reconcile.RunOptions) (*reconcile.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.runs = append(f.runs, opts)
	return &reconcile.Result{Inserted: 2, Skipped: 1, Total: 3, Complete: opts.Full}, nil
}

func (f *fakeSyncer) Status(context.Context) (*reconcile.Status, error) {
	return &reconcile.Status{ExternallySourced: 4, Cursor: 99}, nil
}

type fakeSender struct{ sent int }

func (s *fakeSender) SendPhoto(_ context.Context, _, _, _ string, body io.Reader) (*telegram.Message, error) {
	s.sent++
	_, _ = io.Copy(io.Discard, body)
	return &telegram.Message{MessageID: 5, Photo: []telegram.PhotoSize{{FileID: "UP1", Width: 10, Height: 10, FileSize: 70}}}, nil
}

func (s *fakeSender) ResolveURL(_ context.Context, fileID string) (string, *telegram.File, error) {
	return "https://files.example/" + fileID, &telegram.File{FileID: fileID, FilePath: "p"}, nil
}

type harness struct {
	srv    *Server
	store  *metastore.Store
	sync   *fakeSyncer
	sender *fakeSender
	token  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := metastore.New(storage.NewMemory(), "t")
	_, err := store.Init(context.Background())
	require.NoError(t, err)

	signer := auth.NewSigner("test-secret", 24*time.Hour)
	sender := &fakeSender{}
	relay := upload.NewRelay(
		upload.Config{Telegram: models.TelegramConfig{BotToken: "1:x", ChatID: "-1"}, MaxBytes: 1024},
		sender, store, ratelimit.NewSlidingWindow(3, time.Minute), nil, logging.Discard(),
	)
	sync := &fakeSyncer{}
	srv := New(":0", Deps{
		Store:       store,
		Sync:        sync,
		Upload:      relay,
		Signer:      signer,
		Credentials: auth.Credentials{Username: "admin", Password: "pw"},
		Logger:      logging.Discard(),
	})
	token, _, err := signer.Issue("admin")
	require.NoError(t, err)
	return &harness{srv: srv, store: store, sync: sync, sender: sender, token: token}
}

func (h *harness) do(t *testing.T, method, target string, body any, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestLogin(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/admin-login", map[string]string{"username": "admin", "password": "pw"}, false)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "24h", body["expiresIn"])
	token, _ := body["token"].(string)
	claims, err := h.srv.signer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, auth.RoleAdmin, claims.Role)

	rec = h.do(t, http.MethodPost, "/admin-login", map[string]string{"username": "admin", "password": "nope"}, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotContains(t, decode(t, rec), "token")

	rec = h.do(t, http.MethodPost, "/admin-login", map[string]string{"username": "admin"}, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginVerifyAction(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/admin-login", map[string]string{"action": "verify"}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["valid"])

	req := httptest.NewRequest(http.MethodPost, "/admin-login", strings.NewReader(`{"action":"verify"}`))
	req.Header.Set("Authorization", "Bearer not.a.token")
	rec = httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, false, decode(t, rec)["valid"])
}

func TestRefreshToken(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/refresh-token", nil, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPost, "/refresh-token", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decode(t, rec)["token"])
}

func TestImageCRUD(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/images", map[string]string{"url": "https://x/a.png", "filename": "a.png"}, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPost, "/images", map[string]string{"url": "https://x/a.png"}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/images", map[string]any{"url": "https://x/a.png", "filename": "a.png", "folderId": "ghost"}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/images", map[string]string{"url": "https://x/a.png", "filename": "a.png", "folderId": "avatar"}, true)
	require.Equal(t, http.StatusCreated, rec.Code)
	img := decode(t, rec)["image"].(map[string]any)
	id := img["id"].(string)
	assert.Equal(t, models.UncategorizedCategory, img["category"])
	assert.Equal(t, "avatar", img["folderId"])

	rec = h.do(t, http.MethodGet, "/images?id="+id, nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-cache, no-store, must-revalidate", rec.Header().Get("Cache-Control"))

	rec = h.do(t, http.MethodPut, "/images", map[string]any{"id": id, "category": "cats", "folderId": nil}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decode(t, rec)["image"].(map[string]any)
	assert.Equal(t, "cats", updated["category"])
	assert.Nil(t, updated["folderId"])

	rec = h.do(t, http.MethodGet, "/image?id="+id+"&serve=true", nil, false)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://x/a.png", rec.Header().Get("Location"))

	rec = h.do(t, http.MethodDelete, "/images", map[string]string{"id": id}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, decode(t, rec)["deletedImage"].(map[string]any)["id"])

	rec = h.do(t, http.MethodDelete, "/image?id="+id, nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/image", nil, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListImages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, c := range []string{"a", "b", "a"} {
		_, err := h.store.Add(ctx, &models.Image{URL: "u", Filename: "f", Category: c})
		require.NoError(t, err)
	}

	rec := h.do(t, http.MethodGet, "/images?page=1&limit=2", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Len(t, body["images"], 2)
	pag := body["pagination"].(map[string]any)
	assert.Equal(t, float64(3), pag["total"])
	assert.Equal(t, float64(2), pag["totalPages"])

	rec = h.do(t, http.MethodGet, "/images?category=a", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["images"], 2)

	rec = h.do(t, http.MethodGet, "/images?stats=true", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), decode(t, rec)["stats"].(map[string]any)["totalImages"])

	for _, q := range []string{"limit=0", "limit=101", "page=0", "page=x"} {
		rec = h.do(t, http.MethodGet, "/images?"+q, nil, false)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestPreflightAndMethodNotAllowed(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodOptions, "/images", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST, PUT, DELETE, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))

	rec = h.do(t, http.MethodPatch, "/images", nil, false)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "Method Not Allowed", decode(t, rec)["error"])
}

func TestFolders(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/folders", map[string]string{"name": "Trips"}, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPost, "/folders", map[string]string{"name": "Trips", "parentId": "chat"}, true)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(t, http.MethodPost, "/folders", map[string]string{"name": "x", "parentId": "nope"}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/folders", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["folders"], 3)
}

func multipartBody(t *testing.T, data []byte, category string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", "pic.png")
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	if category != "" {
		require.NoError(t, mw.WriteField("category", category))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func tinyPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 1, 1))))
	return buf.Bytes()
}

func (h *harness) upload(t *testing.T, data []byte, category string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartBody(t, data, category)
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ct)
	if authed {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestUploadAdminAndAnonymous(t *testing.T) {
	h := newHarness(t)

	rec := h.upload(t, tinyPNG(t), "pets", true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "https://files.example/UP1", body["imageUrl"])
	assert.Equal(t, "pets", body["image"].(map[string]any)["category"])

	rec = h.upload(t, tinyPNG(t), "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.NotContains(t, body, "imageUrl")
	assert.Equal(t, "UP1", body["fileId"])
}

func TestUploadTooLargeAndRateLimited(t *testing.T) {
	h := newHarness(t)

	big := append(tinyPNG(t), bytes.Repeat([]byte{0}, 1024)...)
	rec := h.upload(t, big, "", false)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Zero(t, h.sender.sent)

	for i := 0; i < 3; i++ {
		rec = h.upload(t, tinyPNG(t), "", false)
		require.Equal(t, http.StatusOK, rec.Code, "the rejected upload did not use a slot")
	}

	rec = h.upload(t, tinyPNG(t), "", false)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	retry := decode(t, rec)["retryAfter"].(float64)
	assert.LessOrEqual(t, retry, float64(60))
}

func TestUploadRequiresMultipart(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/upload", map[string]string{"x": "y"}, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSyncEndpoints(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/sync-telegram?action=status", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(99), decode(t, rec)["status"].(map[string]any)["cursor"])

	rec = h.do(t, http.MethodGet, "/sync-telegram", nil, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/sync-telegram", nil, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPost, "/sync-telegram?full=true", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(2), body["syncedCount"])
	assert.Equal(t, true, body["complete"])
	require.Len(t, h.sync.runs, 1)
	assert.True(t, h.sync.runs[0].Full)

	h.sync.err = models.ErrConfiguration
	rec = h.do(t, http.MethodPost, "/sync-telegram", nil, true)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestAdminMaintenance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.store.Add(ctx, &models.Image{URL: "u", Filename: "f", FileID: "F", Size: 9})
	require.NoError(t, err)

	rec := h.do(t, http.MethodPost, "/admin/reindex", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["report"].(map[string]any)["indexed"])

	rec = h.do(t, http.MethodPost, "/admin/recompute-stats", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(9), decode(t, rec)["stats"].(map[string]any)["totalSize"])

	rec = h.do(t, http.MethodGet, "/health", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPublicMessage(t *testing.T) {
	err := fmt.Errorf("metastore.Update: %w", fmt.Errorf("metastore.Get: %w", models.Invalid("url must not be empty")))
	assert.Equal(t, "validation failed: url must not be empty", publicMessage(err))
	assert.Equal(t, http.StatusBadRequest, httpStatusFromError(err))
}

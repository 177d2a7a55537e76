// Package server exposes the image index over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"imgbed/internal/auth"
	"imgbed/internal/events"
	"imgbed/internal/metastore"
	"imgbed/internal/models"
	"imgbed/internal/reconcile"
	"imgbed/internal/upload"
)

const shutdownTimeout = 10 * time.Second

// ImageStore is the metadata surface the handlers use.
type ImageStore interface {
	Get(ctx context.Context, id string) (*models.Image, error)
	Add(ctx context.Context, img *models.Image) (*models.Image, error)
	Update(ctx context.Context, id string, patch models.ImagePatch) (*models.Image, error)
	Delete(ctx context.Context, id string) (*models.Image, error)
	List(ctx context.Context, opts models.ListOptions) (*models.ImagePage, error)
	Stats(ctx context.Context) (models.Stats, error)
	Categories(ctx context.Context) ([]string, error)
	Folder(ctx context.Context, id string) (*models.Folder, error)
	Folders(ctx context.Context) ([]models.Folder, error)
	CreateFolder(ctx context.Context, name string, parentID *string) (*models.Folder, error)
	RebuildIndexes(ctx context.Context) (metastore.IndexReport, error)
	RecomputeStats(ctx context.Context) (models.Stats, error)
}

type Syncer interface {
	Run(ctx context.Context, opts reconcile.RunOptions) (*reconcile.Result, error)
	Status(ctx context.Context) (*reconcile.Status, error)
}

type Uploader interface {
	Upload(ctx context.Context, req upload.Request) (*upload.Result, error)
	MaxBytes() int64
}

type Deps struct {
	Store       ImageStore
	Sync        Syncer
	Upload      Uploader
	Signer      *auth.Signer
	Credentials auth.Credentials
	Publisher   events.Publisher
	Logger      *slog.Logger
}

type Server struct {
	addr        string
	store       ImageStore
	sync        Syncer
	upload      Uploader
	signer      *auth.Signer
	credentials auth.Credentials
	publisher   events.Publisher
	logger      *slog.Logger
	router      *gin.Engine
}

func New(addr string, deps Deps) *Server {
	s := &Server{
		addr:        addr,
		store:       deps.Store,
		sync:        deps.Sync,
		upload:      deps.Upload,
		signer:      deps.Signer,
		credentials: deps.Credentials,
		publisher:   deps.Publisher,
		logger:      deps.Logger,
	}
	if s.publisher == nil {
		s.publisher = events.Nop{}
	}
	s.router = s.routes()
	return s
}

func (s *Server) log() *slog.Logger {
	if s.logger == nil {
		return slog.Default()
	}
	return s.logger
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	const op = "server.Run"

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log().Info("http server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s: %w", op, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s: shutdown: %w", op, err)
	}
	s.log().Info("http server stopped")
	return nil
}

type route struct {
	method   string
	handlers []gin.HandlerFunc
}

func on(method string, handlers ...gin.HandlerFunc) route {
	return route{method: method, handlers: handlers}
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(s.withRequestLogging(), gin.CustomRecovery(s.recover), withCORS())
	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "Method Not Allowed"})
	})
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Not Found"})
	})

	admin := s.requireAdmin()

	mount(r, "/health", on(http.MethodGet, s.handleHealth))
	mount(r, "/admin-login", on(http.MethodPost, s.handleLogin))
	mount(r, "/refresh-token", on(http.MethodPost, admin, s.handleRefresh))

	mount(r, "/images",
		on(http.MethodGet, s.handleListImages),
		on(http.MethodPost, admin, s.handleCreateImage),
		on(http.MethodPut, admin, s.handleUpdateImage),
		on(http.MethodDelete, admin, s.handleDeleteImage),
	)
	mount(r, "/image",
		on(http.MethodGet, s.handleGetImage),
		on(http.MethodPut, admin, s.handleUpdateImage),
		on(http.MethodDelete, admin, s.handleDeleteImage),
	)
	mount(r, "/folders",
		on(http.MethodGet, s.handleListFolders),
		on(http.MethodPost, admin, s.handleCreateFolder),
	)
	mount(r, "/upload", on(http.MethodPost, s.optionalAdmin(), s.handleUpload))
	mount(r, "/sync-telegram",
		on(http.MethodGet, s.handleSyncStatus),
		on(http.MethodPost, admin, s.handleSync),
	)
	mount(r, "/admin/reindex", on(http.MethodPost, admin, s.handleReindex))
	mount(r, "/admin/recompute-stats", on(http.MethodPost, admin, s.handleRecomputeStats))

	return r
}

// mount registers path's handlers plus a preflight responder, and
// advertises the allowed methods on every response for the path.
func mount(r *gin.Engine, path string, routes ...route) {
	methods := make([]string, 0, len(routes)+1)
	for _, rt := range routes {
		methods = append(methods, rt.method)
	}
	methods = append(methods, http.MethodOptions)
	allow := strings.Join(methods, ", ")

	advertise := func(c *gin.Context) {
		c.Header("Access-Control-Allow-Methods", allow)
	}
	for _, rt := range routes {
		r.Handle(rt.method, path, append([]gin.HandlerFunc{advertise}, rt.handlers...)...)
	}
	r.OPTIONS(path, advertise, func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
}

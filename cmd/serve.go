package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"imgbed/internal/auth"
	"imgbed/internal/events"
	"imgbed/internal/logging"
	"imgbed/internal/models"
	"imgbed/internal/probe"
	"imgbed/internal/ratelimit"
	"imgbed/internal/server"
	"imgbed/internal/telegram"
	"imgbed/internal/upload"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and, when kafka is configured, the dimension probe",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if strings.TrimSpace(cfg.Admin.JWTSecret) == "" {
				return fmt.Errorf("%w: JWT_SECRET is not set", models.ErrConfiguration)
			}
			if cfg.Admin.Password == "" && cfg.Admin.PasswordHash == "" {
				a.log.Warn("no admin password configured; every login will fail")
			}
			if logging.ParseLevel(cfg.LogLevel) > slog.LevelDebug {
				gin.SetMode(gin.ReleaseMode)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, closeStore, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			created, err := store.Init(ctx)
			if err != nil {
				return err
			}
			if created {
				a.log.Info("store initialized")
			}

			publisher := events.New(cfg.Kafka)
			defer func() {
				if err := publisher.Close(); err != nil {
					a.log.Warn("closing event publisher", "error", err)
				}
			}()

			client := telegram.NewClient(cfg.Telegram)
			relay := upload.NewRelay(
				upload.Config{Telegram: cfg.Telegram, MaxBytes: cfg.Upload.MaxBytes},
				client, store,
				ratelimit.NewSlidingWindow(cfg.Upload.RateLimit, cfg.Upload.RateWindow.Std()),
				publisher, a.log.With("component", "upload"),
			)

			srv := server.New(cfg.ServerAddr, server.Deps{
				Store:  store,
				Sync:   a.newEngine(client, store, publisher),
				Upload: relay,
				Signer: auth.NewSigner(cfg.Admin.JWTSecret, cfg.Admin.TokenTTL.Std()),
				Credentials: auth.Credentials{
					Username:     cfg.Admin.Username,
					Password:     cfg.Admin.Password,
					PasswordHash: cfg.Admin.PasswordHash,
				},
				Publisher: publisher,
				Logger:    a.log.With("component", "server"),
			})

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return srv.Run(gctx)
			})
			if cfg.Kafka.Enabled() {
				worker := probe.NewWorker(store, a.log.With("component", "probe"))
				g.Go(func() error {
					return worker.Run(gctx, probe.NewReader(cfg.Kafka))
				})
			}

			err = g.Wait()
			if err != nil && !errors.Is(err, ctx.Err()) {
				return err
			}
			a.log.Info("shutdown complete")
			return nil
		},
	}
}

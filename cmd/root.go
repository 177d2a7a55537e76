package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"imgbed/internal/events"
	"imgbed/internal/logging"
	"imgbed/internal/metastore"
	"imgbed/internal/models"
	"imgbed/internal/reconcile"
	"imgbed/internal/storage"
	"imgbed/internal/telegram"
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	configPath string
	cfg        *models.Config
	log        *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:           "imgbed",
		Short:         "Image hosting backed by Telegram",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := models.LoadConfig(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.log = logging.CreateLogger(cfg.LogLevel)
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&a.configPath, "config", "config.yaml", "path to the YAML config file")

	cmd.AddCommand(
		newServeCmd(a),
		newInitCmd(a),
		newResetCmd(a),
		newReindexCmd(a),
		newRecomputeStatsCmd(a),
		newSyncCmd(a),
	)
	return cmd
}

// openStore opens the configured backend. The returned func closes it.
func (a *app) openStore(ctx context.Context) (*metastore.Store, func(), error) {
	a.log.Info("opening store", "driver", a.cfg.Store.Driver, "prefix", a.cfg.Store.KeyPrefix)
	kv, err := storage.Open(ctx, a.cfg.Store)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := kv.Close(); err != nil {
			a.log.Warn("closing store", "error", err)
		}
	}
	return metastore.New(kv, a.cfg.Store.KeyPrefix), closeFn, nil
}

func (a *app) newEngine(client *telegram.Client, store *metastore.Store, publisher events.Publisher) *reconcile.Engine {
	fetcher := telegram.NewFetcher(client, a.cfg.Telegram, store, a.log.With("component", "telegram"))
	return reconcile.NewEngine(fetcher, store, publisher, a.log.With("component", "sync"))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

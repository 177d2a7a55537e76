package main

import (
	"errors"

	"github.com/spf13/cobra"

	"imgbed/internal/events"
	"imgbed/internal/reconcile"
	"imgbed/internal/telegram"
)

var errConfirm = errors.New("refusing to reset without --yes")

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Bootstrap the store with default categories, folders and stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			created, err := store.Init(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"initialized": created})
		},
	}
}

func newResetCmd(a *app) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every image record and index, then bootstrap again",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errConfirm
			}
			store, closeStore, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			n, err := store.Reset(cmd.Context())
			if err != nil {
				return err
			}
			a.log.Info("store reset", "deleted", n)
			return printJSON(cmd.OutOrStdout(), map[string]any{"deleted": n})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deleting all data")
	return cmd
}

func newReindexCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the file id index and the externally sourced set",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			report, err := store.RebuildIndexes(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}

func newRecomputeStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "recompute-stats",
		Short: "Recompute image count and total size from the records",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			stats, err := store.RecomputeStats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
}

func newSyncCmd(a *app) *cobra.Command {
	var full bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation pass against Telegram",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			if _, err := store.Init(cmd.Context()); err != nil {
				return err
			}
			publisher := events.New(a.cfg.Kafka)
			defer publisher.Close()

			engine := a.newEngine(telegram.NewClient(a.cfg.Telegram), store, publisher)
			res, err := engine.Run(cmd.Context(), reconcile.RunOptions{Full: full})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "ignore the stored cursor and allow deletions")
	return cmd
}

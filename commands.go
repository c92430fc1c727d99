package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"transcribe/api"
	"transcribe/config"
	"transcribe/services"
)

const shutdownTimeout = 30 * time.Second

type commandContext struct {
	configPath string
	cfg        *config.Config
	logger     *logrus.Logger
}

func newRootCommand() *cobra.Command {
	cc := &commandContext{}

	root := &cobra.Command{
		Use:           "transcribed",
		Short:         "Transcription job orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cc.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cc.cfg = cfg
			cc.logger = newLogger(cfg)
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&cc.configPath, "config", "c", "", "Configuration file path (TOML)")

	root.AddCommand(newServeCommand(cc))
	root.AddCommand(newProcessQueueCommand(cc))
	root.AddCommand(newReconcileCommand(cc))
	root.AddCommand(newMigrateCommand(cc))
	return root
}

func newServeCommand(cc *commandContext) *cobra.Command {
	var loops bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, optionally with in-process queue and reconcile loops",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("loops") {
				cc.cfg.RunLoops = loops
			}
			return serve(cmd.Context(), cc.cfg, cc.logger)
		},
	}
	cmd.Flags().BoolVar(&loops, "loops", false, "Run queue and reconcile loops in this process (overrides RUN_LOOPS)")
	return cmd
}

func serve(parent context.Context, cfg *config.Config, logger *logrus.Logger) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	server := api.New(a.pool, api.Options{
		WebhookSecret: cfg.WebhookSecret,
		CronSecret:    cfg.CronSecret,
		AccessLog:     true,
		BodyLimit:     cfg.MaxBodySize,
		Checks:        a.checks,
	}, logger)

	var wg sync.WaitGroup
	if cfg.RunLoops {
		wg.Add(2)
		go func() {
			defer wg.Done()
			a.pool.Queue.RunLoop(ctx, cfg.QueueInterval)
		}()
		go func() {
			defer wg.Done()
			a.pool.Reconciler.RunLoop(ctx, cfg.ReconcileInterval)
		}()
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining")
	case err, ok := <-serverErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http server shutdown incomplete")
	}
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("all loops stopped")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout, forcing exit")
	}
	return runErr
}

func newProcessQueueCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "process-queue",
		Short: "Promote queued jobs once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), cc.cfg, cc.logger)
			if err != nil {
				return err
			}
			defer a.Close()
			stats, err := a.pool.Queue.Run(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, stats)
		},
	}
}

func newReconcileCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Recover stalled jobs and repair the active job index once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), cc.cfg, cc.logger)
			if err != nil {
				return err
			}
			defer a.Close()
			stats, err := a.pool.Reconciler.Run(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, stats)
		},
	}
}

func newMigrateCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cc.cfg.StoreDriver != config.StoreDriverPostgres {
				return fmt.Errorf("migrate requires the %s store", config.StoreDriverPostgres)
			}
			db, err := services.NewDatabaseService(cc.cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := db.Migrate(cmd.Context())
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				cc.logger.Info("schema up to date")
			}
			for _, name := range applied {
				cc.logger.WithField("migration", name).Info("applied migration")
			}
			return nil
		},
	}
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/sydlexius/mediasweep/internal/api"
	"github.com/sydlexius/mediasweep/internal/version"
	"github.com/sydlexius/mediasweep/internal/watcher"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Run the HTTP API, job runner, watcher and maintenance scheduler",
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	a, err := bootstrap(c, os.Stdout)
	if err != nil {
		return err
	}
	defer a.close()
	logger := a.logger
	cfg := a.cfg

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Jobs left running by a previous process go back to the queue before
	// the runner starts.
	if n, err := a.queue.Recover(ctx); err != nil {
		return fmt.Errorf("recovering jobs: %w", err)
	} else if n > 0 {
		logger.Info("recovered interrupted jobs", slog.Int64("count", n))
	}
	if resumed, err := a.scan.Resume(ctx); err != nil {
		return fmt.Errorf("resuming scan: %w", err)
	} else if resumed {
		logger.Info("resumed interrupted scan")
	}

	go a.bus.Start()
	defer a.bus.Stop()
	go a.queue.Start(ctx)

	if cfg.Watcher.Enabled {
		w := watcher.NewService(cfg.Media.UploadsDir, a.content, a.hashes, logger)
		w.SetDebounce(cfg.Watcher.Debounce)
		go w.Start(ctx)
	}
	go a.maintenance.StartScheduler(ctx, time.Duration(max(cfg.Maintenance.IntervalHours, 1))*time.Hour)
	if cfg.Backup.IntervalHours > 0 {
		go a.backup.StartScheduler(ctx, time.Duration(cfg.Backup.IntervalHours)*time.Hour)
	}

	router := api.NewRouter(api.RouterDeps{
		ScanService:        a.scan,
		ActionService:      a.actions,
		SettingsService:    a.settings,
		WebhookService:     a.webhooks,
		WebhookDispatcher:  a.dispatcher,
		MaintenanceService: a.maintenance,
		BackupService:      a.backup,
		SettingsIO:         a.settingsIO,
		Queue:              a.queue,
		LogManager:         a.logManager,
		Logger:             logger,
		BasePath:           cfg.Server.BasePath,
		APIToken:           cfg.Server.APIToken,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router.Handler(ctx),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			slog.String("addr", srv.Addr),
			slog.String("version", version.Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	stop()
	a.dispatcher.Wait()
	logger.Info("server stopped")
	return nil
}

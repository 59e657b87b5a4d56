package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/sydlexius/mediasweep/internal/actions"
	"github.com/sydlexius/mediasweep/internal/backup"
	"github.com/sydlexius/mediasweep/internal/config"
	"github.com/sydlexius/mediasweep/internal/content"
	"github.com/sydlexius/mediasweep/internal/database"
	"github.com/sydlexius/mediasweep/internal/detector"
	"github.com/sydlexius/mediasweep/internal/event"
	"github.com/sydlexius/mediasweep/internal/extension"
	"github.com/sydlexius/mediasweep/internal/hashing"
	"github.com/sydlexius/mediasweep/internal/jobqueue"
	"github.com/sydlexius/mediasweep/internal/logging"
	"github.com/sydlexius/mediasweep/internal/maintenance"
	"github.com/sydlexius/mediasweep/internal/refindex"
	"github.com/sydlexius/mediasweep/internal/results"
	"github.com/sydlexius/mediasweep/internal/scan"
	"github.com/sydlexius/mediasweep/internal/settings"
	"github.com/sydlexius/mediasweep/internal/settingsio"
	"github.com/sydlexius/mediasweep/internal/webhook"
)

// app holds every service built from one configuration.
type app struct {
	cfg        *config.Config
	db         *sql.DB
	logManager *logging.Manager
	logger     *slog.Logger

	registry    *extension.Registry
	content     *content.Service
	settings    *settings.Service
	index       *refindex.Index
	hashes      *hashing.Service
	results     *results.Store
	queue       *jobqueue.Queue
	bus         *event.Bus
	scan        *scan.Service
	actions     *actions.Service
	webhooks    *webhook.Service
	dispatcher  *webhook.Dispatcher
	maintenance *maintenance.Service
	backup      *backup.Service
	settingsIO  *settingsio.Service
}

// bootstrap loads configuration, opens and migrates the database, and wires
// the services. console receives log output.
func bootstrap(c *cli.Context, console io.Writer) (*app, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logCfg := logging.FromConfig(cfg.Logging)
	logCfg.Console = console
	logManager, logger := logging.NewManager(logCfg)
	slog.SetDefault(logger)

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		logManager.Close() //nolint:errcheck
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := database.Migrate(db); err != nil {
		db.Close()         //nolint:errcheck
		logManager.Close() //nolint:errcheck
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.Debug("database ready", slog.String("path", cfg.Database.Path))

	a := &app{cfg: cfg, db: db, logManager: logManager, logger: logger}
	a.wire()
	a.loadDBLoggingConfig(c.Context)
	return a, nil
}

func (a *app) wire() {
	cfg := a.cfg
	logger := a.logger

	defaults := settings.Defaults()
	if cfg.Scan.BatchSize > 0 {
		defaults.BatchSize = cfg.Scan.BatchSize
	}
	if cfg.Hash.Algorithm != "" {
		defaults.HashAlgorithm = cfg.Hash.Algorithm
	}
	a.settings = settings.NewService(a.db, defaults)
	current := func(ctx context.Context) settings.Settings {
		st, err := a.settings.Get(ctx)
		if err != nil {
			logger.Warn("reading settings, using defaults", "error", err)
			return defaults
		}
		return st
	}

	a.registry = extension.NewRegistry()
	a.content = content.NewService(a.db, cfg.Media.UploadsDir, cfg.Media.UploadsURL)
	a.registry.AddUnusedOverride(extension.PathProtector(a.content, func(ctx context.Context) ([]string, error) {
		return current(ctx).ProtectedPatterns, nil
	}))

	a.index = refindex.NewIndex(a.db, a.content, a.registry, cfg.Media.PathMarker, logger)
	a.index.SetMetaKeysFunc(func(ctx context.Context) []string {
		return append(append([]string{}, refindex.DefaultMetaKeys...), current(ctx).ExtraMetaKeys...)
	})

	a.hashes = hashing.NewService(a.db, a.content, logger)
	a.hashes.SetWorkers(cfg.Hash.Workers)
	a.hashes.SetAlgorithmFunc(func(ctx context.Context) string {
		return a.registry.HashAlgorithm(current(ctx).HashAlgorithm)
	})

	thresholds := func(ctx context.Context) (settings.Thresholds, error) {
		st, err := a.settings.Get(ctx)
		if err != nil {
			return settings.Thresholds{}, err
		}
		return st.Thresholds, nil
	}
	detectors := detector.NewRegistry(
		detector.NewUnused(a.content, a.content, a.index, a.registry),
		detector.NewDuplicate(a.content, a.hashes, a.content),
		detector.NewOversized(a.content, thresholds, a.registry),
	)

	a.results = results.NewStore(a.db, a.content, a.index)
	a.queue = jobqueue.New(a.db, jobqueue.Options{
		PollInterval:  cfg.Runner.PollInterval,
		MaxAttempts:   cfg.Runner.MaxAttempts,
		RatePerSecond: cfg.Runner.RatePerSecond,
		TaskTimeout:   cfg.Runner.TaskTimeout,
	}, logger)

	a.bus = event.NewBus(logger, 256)
	a.scan = scan.NewService(a.db, a.content, a.index, a.hashes, detectors, a.results, a.queue, logger)
	a.scan.SetEventBus(a.bus)
	a.scan.SetDefaultTypes(cfg.Scan.DefaultTypes)
	a.scan.SetBatchSizeFunc(func(ctx context.Context) int { return current(ctx).BatchSize })

	a.actions = actions.NewService(a.content, logger)
	a.actions.SetEventBus(a.bus)
	a.actions.SetFolderFunc(func(ctx context.Context) string {
		return a.registry.ArchiveFolder(current(ctx).ArchiveFolderName)
	})

	a.webhooks = webhook.NewService(a.db)
	a.dispatcher = webhook.NewDispatcher(a.webhooks, logger)
	a.bus.SubscribeAll(a.dispatcher.HandleEvent)

	a.maintenance = maintenance.NewService(a.db, cfg.Database.Path, logger)
	a.maintenance.SetScheduleDefaults(maintenance.ScheduleConfig{
		Enabled:       cfg.Maintenance.Enabled,
		IntervalHours: cfg.Maintenance.IntervalHours,
	})
	a.maintenance.AddPruner("orphan_annotations", a.content.PruneOrphans)
	a.maintenance.AddPruner("stale_hashes", a.hashes.PruneStale)
	a.maintenance.AddPruner("finished_jobs", func(ctx context.Context) (int64, error) {
		return a.queue.Purge(ctx, time.Now().AddDate(0, 0, -cfg.Runner.RetainDays))
	})

	a.backup = backup.NewService(a.db, cfg.Backup.Dir, cfg.Backup.Retention, logger)
	a.backup.SetMaxAgeDays(cfg.Backup.MaxAgeDays)
	a.settingsIO = settingsio.NewService(a.db, a.settings, a.webhooks)
}

// close releases the database and log file.
func (a *app) close() {
	if err := a.db.Close(); err != nil {
		a.logger.Error("closing database", "error", err)
	}
	a.logManager.Close() //nolint:errcheck
}

// loadDBLoggingConfig applies logging settings saved through the API, which
// take precedence over the config file.
func (a *app) loadDBLoggingConfig(ctx context.Context) {
	level := a.settings.GetString(ctx, "logging.level", "")
	format := a.settings.GetString(ctx, "logging.format", "")
	if level == "" && format == "" {
		return
	}

	cfg := a.logManager.Config()
	if logging.ValidLevel(level) {
		cfg.Level = level
	}
	if logging.ValidFormat(format) {
		cfg.Format = format
	}
	cfg.FilePath = a.settings.GetString(ctx, "logging.file_path", cfg.FilePath)
	if v := a.intSetting(ctx, "logging.file_max_size_mb"); v > 0 {
		cfg.FileMaxSizeMB = v
	}
	if v := a.intSetting(ctx, "logging.file_max_files"); v > 0 {
		cfg.FileMaxFiles = v
	}
	if v := a.intSetting(ctx, "logging.file_max_age_days"); v > 0 {
		cfg.FileMaxAgeDays = v
	}

	a.logManager.Reconfigure(cfg)
	a.logger.Debug("applied DB logging overrides", "config", cfg.String())
}

func (a *app) intSetting(ctx context.Context, key string) int {
	n, err := strconv.Atoi(a.settings.GetString(ctx, key, ""))
	if err != nil {
		return 0
	}
	return n
}

// withApp runs fn with a bootstrapped app whose logs go to stderr, keeping
// stdout for command output.
func withApp(fn func(c *cli.Context, a *app) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		a, err := bootstrap(c, os.Stderr)
		if err != nil {
			return err
		}
		defer a.close()
		return fn(c, a)
	}
}

package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sydlexius/mediasweep/internal/actions"
	"github.com/sydlexius/mediasweep/internal/api/middleware"
	"github.com/sydlexius/mediasweep/internal/backup"
	"github.com/sydlexius/mediasweep/internal/jobqueue"
	"github.com/sydlexius/mediasweep/internal/logging"
	"github.com/sydlexius/mediasweep/internal/maintenance"
	"github.com/sydlexius/mediasweep/internal/metrics"
	"github.com/sydlexius/mediasweep/internal/scan"
	"github.com/sydlexius/mediasweep/internal/settings"
	"github.com/sydlexius/mediasweep/internal/settingsio"
	"github.com/sydlexius/mediasweep/internal/webhook"
)

// RouterDeps bundles all dependencies needed by the HTTP router.
type RouterDeps struct {
	ScanService        *scan.Service
	ActionService      *actions.Service
	SettingsService    *settings.Service
	WebhookService     *webhook.Service
	WebhookDispatcher  *webhook.Dispatcher
	MaintenanceService *maintenance.Service
	BackupService      *backup.Service
	SettingsIO         *settingsio.Service
	Queue              *jobqueue.Queue
	LogManager         *logging.Manager
	Logger             *slog.Logger
	BasePath           string
	APIToken           string
}

// Router sets up all HTTP routes for the application.
type Router struct {
	scanService        *scan.Service
	actionService      *actions.Service
	settingsService    *settings.Service
	webhookService     *webhook.Service
	webhookDispatcher  *webhook.Dispatcher
	maintenanceService *maintenance.Service
	backupService      *backup.Service
	settingsIO         *settingsio.Service
	queue              *jobqueue.Queue
	logManager         *logging.Manager
	logger             *slog.Logger
	basePath           string
	apiToken           string
}

// NewRouter creates a new Router with all routes configured.
func NewRouter(deps RouterDeps) *Router {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Router{
		scanService:        deps.ScanService,
		actionService:      deps.ActionService,
		settingsService:    deps.SettingsService,
		webhookService:     deps.WebhookService,
		webhookDispatcher:  deps.WebhookDispatcher,
		maintenanceService: deps.MaintenanceService,
		backupService:      deps.BackupService,
		settingsIO:         deps.SettingsIO,
		queue:              deps.Queue,
		logManager:         deps.LogManager,
		logger:             logger.With(slog.String("component", "api")),
		basePath:           strings.TrimRight(deps.BasePath, "/"),
		apiToken:           deps.APIToken,
	}
}

// Handler returns the fully configured HTTP handler with middleware applied.
// ctx bounds background helpers such as the rate limiter cleanup.
func (r *Router) Handler(ctx context.Context) http.Handler {
	authMw := middleware.Auth(r.apiToken)
	limiter := middleware.NewRateLimiter(ctx, 100*time.Millisecond, 20)
	mux := http.NewServeMux()
	api := r.basePath + "/api/v1"

	// Public routes (no auth)
	mux.HandleFunc("GET "+api+"/health", r.handleHealth)

	// Scan control
	mux.HandleFunc("GET "+api+"/scan/status", wrapAuth(r.handleScanStatus, authMw))
	mux.HandleFunc("POST "+api+"/scan/start", wrapAuth(r.handleScanStart, authMw, limiter.Middleware))
	mux.HandleFunc("POST "+api+"/scan/cancel", wrapAuth(r.handleScanCancel, authMw))
	mux.HandleFunc("POST "+api+"/scan/reset", wrapAuth(r.handleScanReset, authMw, limiter.Middleware))
	mux.HandleFunc("GET "+api+"/stats", wrapAuth(r.handleStats, authMw))

	// Findings
	mux.HandleFunc("GET "+api+"/results", wrapAuth(r.handleListResults, authMw))
	mux.HandleFunc("GET "+api+"/results/{id}", wrapAuth(r.handleGetResult, authMw))
	mux.HandleFunc("GET "+api+"/duplicates", wrapAuth(r.handleDuplicates, authMw))

	// Media actions
	mux.HandleFunc("POST "+api+"/actions/set-primary", wrapAuth(r.handleSetPrimary, authMw, limiter.Middleware))
	mux.HandleFunc("POST "+api+"/actions/{action}", wrapAuth(r.handleAction, authMw, limiter.Middleware))

	// Settings
	mux.HandleFunc("GET "+api+"/settings", wrapAuth(r.handleGetSettings, authMw))
	mux.HandleFunc("PUT "+api+"/settings", wrapAuth(r.handleUpdateSettings, authMw))
	mux.HandleFunc("POST "+api+"/settings/export", wrapAuth(r.handleExportSettings, authMw, limiter.Middleware))
	mux.HandleFunc("POST "+api+"/settings/import", wrapAuth(r.handleImportSettings, authMw, limiter.Middleware))
	mux.HandleFunc("GET "+api+"/logging", wrapAuth(r.handleGetLogging, authMw))
	mux.HandleFunc("PUT "+api+"/logging", wrapAuth(r.handleUpdateLogging, authMw))

	// Webhook routes
	mux.HandleFunc("GET "+api+"/webhooks", wrapAuth(r.handleListWebhooks, authMw))
	mux.HandleFunc("POST "+api+"/webhooks", wrapAuth(r.handleCreateWebhook, authMw))
	mux.HandleFunc("GET "+api+"/webhooks/{id}", wrapAuth(r.handleGetWebhook, authMw))
	mux.HandleFunc("PUT "+api+"/webhooks/{id}", wrapAuth(r.handleUpdateWebhook, authMw))
	mux.HandleFunc("DELETE "+api+"/webhooks/{id}", wrapAuth(r.handleDeleteWebhook, authMw))
	mux.HandleFunc("POST "+api+"/webhooks/{id}/test", wrapAuth(r.handleTestWebhook, authMw))

	// Maintenance and operations
	mux.HandleFunc("GET "+api+"/maintenance/status", wrapAuth(r.handleMaintenanceStatus, authMw))
	mux.HandleFunc("POST "+api+"/maintenance/optimize", wrapAuth(r.handleMaintenanceOptimize, authMw))
	mux.HandleFunc("POST "+api+"/maintenance/vacuum", wrapAuth(r.handleMaintenanceVacuum, authMw))
	mux.HandleFunc("POST "+api+"/maintenance/prune", wrapAuth(r.handleMaintenancePrune, authMw))
	mux.HandleFunc("PUT "+api+"/maintenance/schedule", wrapAuth(r.handleMaintenanceSchedule, authMw))
	mux.HandleFunc("GET "+api+"/maintenance/backups", wrapAuth(r.handleListBackups, authMw))
	mux.HandleFunc("POST "+api+"/maintenance/backups", wrapAuth(r.handleCreateBackup, authMw, limiter.Middleware))
	mux.HandleFunc("DELETE "+api+"/maintenance/backups/{name}", wrapAuth(r.handleDeleteBackup, authMw))
	mux.HandleFunc("GET "+api+"/jobs", wrapAuth(r.handleListJobs, authMw))
	mux.Handle("GET "+api+"/metrics", authMw(metrics.Handler()))

	return middleware.Logging(r.logger)(middleware.SecurityHeaders(mux))
}

// wrapAuth wraps a handler function with auth middleware followed by any
// extra middleware, outermost first.
func wrapAuth(fn http.HandlerFunc, authMw func(http.Handler) http.Handler, extra ...func(http.Handler) http.Handler) http.HandlerFunc {
	var h http.Handler = fn
	for i := len(extra) - 1; i >= 0; i-- {
		h = extra[i](h)
	}
	h = authMw(h)
	return h.ServeHTTP
}

package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sydlexius/mediasweep/internal/config"
)

// Config describes the desired logging configuration.
type Config struct {
	Level          string `json:"level"`
	Format         string `json:"format"`
	FilePath       string `json:"file_path,omitempty"`
	FileMaxSizeMB  int    `json:"file_max_size_mb,omitempty"`
	FileMaxFiles   int    `json:"file_max_files,omitempty"`
	FileMaxAgeDays int    `json:"file_max_age_days,omitempty"`

	// Console is where records go besides the optional file. Nil means
	// stdout. CLI subcommands point this at stderr so their output stays
	// machine readable.
	Console io.Writer `json:"-"`
}

// FromConfig converts the application logging section.
func FromConfig(c config.LoggingConfig) Config {
	return Config{
		Level:          c.Level,
		Format:         c.Format,
		FilePath:       c.FilePath,
		FileMaxSizeMB:  c.FileMaxSizeMB,
		FileMaxFiles:   c.FileMaxFiles,
		FileMaxAgeDays: c.FileMaxAgeDays,
	}
}

// swappableHandler delegates to an inner handler that can be replaced at
// runtime while loggers derived from it keep working.
type swappableHandler struct {
	inner atomic.Pointer[slog.Handler]
}

func newSwappableHandler(h slog.Handler) *swappableHandler {
	s := &swappableHandler{}
	s.inner.Store(&h)
	return s
}

func (s *swappableHandler) swap(h slog.Handler) {
	s.inner.Store(&h)
}

func (s *swappableHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return (*s.inner.Load()).Enabled(ctx, level)
}

func (s *swappableHandler) Handle(ctx context.Context, r slog.Record) error {
	return (*s.inner.Load()).Handle(ctx, r)
}

func (s *swappableHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return newSwappableHandler((*s.inner.Load()).WithAttrs(attrs))
}

func (s *swappableHandler) WithGroup(name string) slog.Handler {
	return newSwappableHandler((*s.inner.Load()).WithGroup(name))
}

// Manager owns the logger lifecycle and supports runtime reconfiguration.
type Manager struct {
	levelVar *slog.LevelVar
	handler  *swappableHandler

	mu     sync.Mutex
	config Config
	closer io.Closer // lumberjack writer, if any
}

// NewManager creates a Manager and returns it along with a ready-to-use logger.
func NewManager(cfg Config) (*Manager, *slog.Logger) {
	lvl := &slog.LevelVar{}
	lvl.Set(parseLevel(cfg.Level))

	writer, closer := buildWriter(cfg)
	m := &Manager{
		levelVar: lvl,
		handler:  newSwappableHandler(buildHandler(writer, lvl, cfg.Format)),
		config:   cfg,
		closer:   closer,
	}
	return m, slog.New(m.handler)
}

// Reconfigure applies a new configuration. Level changes take effect
// immediately; format or output changes rebuild the handler.
func (m *Manager) Reconfigure(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.levelVar.Set(parseLevel(cfg.Level))

	outputChanged := cfg.Format != m.config.Format ||
		cfg.FilePath != m.config.FilePath ||
		cfg.FileMaxSizeMB != m.config.FileMaxSizeMB ||
		cfg.FileMaxFiles != m.config.FileMaxFiles ||
		cfg.FileMaxAgeDays != m.config.FileMaxAgeDays ||
		cfg.Console != m.config.Console

	if outputChanged {
		if m.closer != nil {
			m.closer.Close() //nolint:errcheck
			m.closer = nil
		}
		writer, closer := buildWriter(cfg)
		m.handler.swap(buildHandler(writer, m.levelVar, cfg.Format))
		m.closer = closer
	}

	m.config = cfg
}

// Config returns the current configuration snapshot.
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config
}

// Close releases the log file writer, if any.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closer == nil {
		return nil
	}
	err := m.closer.Close()
	m.closer = nil
	return err
}

// Discard returns a logger that drops every record. Used by tests and by
// components constructed without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildWriter returns the console writer, teed into a rotating lumberjack
// file when a path is configured.
func buildWriter(cfg Config) (io.Writer, io.Closer) {
	console := cfg.Console
	if console == nil {
		console = os.Stdout
	}
	if cfg.FilePath == "" {
		return console, nil
	}

	lj := &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    orDefault(cfg.FileMaxSizeMB, 100),
		MaxBackups: orDefault(cfg.FileMaxFiles, 3),
		MaxAge:     orDefault(cfg.FileMaxAgeDays, 30),
	}
	return io.MultiWriter(console, lj), lj
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func buildHandler(w io.Writer, leveler slog.Leveler, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: leveler}
	if format == "text" {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// ValidLevel returns true if s is a recognized log level.
func ValidLevel(s string) bool {
	switch s {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

// ValidFormat returns true if s is a recognized log format.
func ValidFormat(s string) bool {
	return s == "text" || s == "json"
}

// String returns a human-readable summary of the config.
func (c Config) String() string {
	s := fmt.Sprintf("level=%s format=%s", c.Level, c.Format)
	if c.FilePath != "" {
		s += fmt.Sprintf(" file=%s max_size=%dMB max_files=%d max_age=%dd",
			c.FilePath, c.FileMaxSizeMB, c.FileMaxFiles, c.FileMaxAgeDays)
	}
	return s
}

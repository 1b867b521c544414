package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"quill/internal/config"
	"quill/internal/db"
	"quill/internal/engine"
	"quill/internal/logging"
	"quill/internal/migrate"
	"quill/internal/notify"
)

// Overrides are flag and environment values layered over the workspace config file. Empty
// fields keep the file's value.
type Overrides struct {
	ConfigPath     string
	Driver         string
	DSN            string
	LogLevel       string
	LogFormat      string
	NATSURL        string
	PushgatewayURL string
	// RequireFile fails resolution when the workspace has no quill.yml instead of falling
	// back to defaults.
	RequireFile bool
}

// ResolveConfig loads the config at o.ConfigPath, or quill.yml in the workspace when it
// exists, then applies overrides and validates the result.
func ResolveConfig(workspace string, o Overrides) (*config.Config, error) {
	var cfg *config.Config
	var err error
	switch {
	case o.ConfigPath != "":
		cfg, err = config.FromFile(o.ConfigPath)
	case o.RequireFile:
		cfg, err = config.Load(workspace)
	default:
		cfg, err = config.LoadOptional(workspace)
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.Driver != "" {
		cfg.Store.Driver = o.Driver
	}
	if o.DSN != "" {
		cfg.Store.DSN = o.DSN
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	if o.LogFormat != "" {
		cfg.Log.Format = o.LogFormat
	}
	if o.NATSURL != "" {
		cfg.Notify.NATSURL = o.NATSURL
	}
	if o.PushgatewayURL != "" {
		cfg.Metrics.PushgatewayURL = o.PushgatewayURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Runtime is everything one CLI invocation needs: a migrated store, the engine wired to it,
// and the notification and metrics sinks the config names.
type Runtime struct {
	Conn   *db.DB
	Engine engine.Engine
	Config *config.Config
	Logger *slog.Logger

	SchemaVersion int
}

// Open resolves config, opens and migrates the store and wires the engine. Logs go to
// logOut. A configured NATS server that cannot be reached is logged and skipped.
func Open(ctx context.Context, workspace string, o Overrides, logOut io.Writer) (*Runtime, error) {
	cfg, err := ResolveConfig(workspace, o)
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format, logOut)
	conn, err := db.Open(ctx, db.Config{
		Workspace: workspace,
		Driver:    cfg.Store.Driver,
		DSN:       cfg.Store.DSN,
		MaxConns:  cfg.Store.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	version, err := migrate.Version(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read schema version: %w", err)
	}
	e := engine.New(conn, cfg)
	e.Logger = logger
	if cfg.Notify.NATSURL != "" {
		pub, err := notify.ConnectNATS(cfg.Notify.NATSURL, cfg.Notify.SubjectPrefix, "quill", logger)
		if err != nil {
			logger.WarnContext(ctx, "notifications disabled", "url", cfg.Notify.NATSURL, "error", err)
		} else {
			e.Notify = pub
		}
	}
	logger.DebugContext(ctx, "runtime ready", "driver", conn.Dialect.Name, "schema_version", version, "capacity", e.Capacity())
	return &Runtime{Conn: conn, Engine: e, Config: cfg, Logger: logger, SchemaVersion: version}, nil
}

// Close pushes metrics when a Pushgateway is configured, flushes notifications and closes
// the store. Push and flush failures are logged; only the store close error is returned.
func (r *Runtime) Close(ctx context.Context) error {
	if url := r.Config.Metrics.PushgatewayURL; url != "" && r.Engine.Metrics != nil {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := PushMetrics(pctx, url, r.Config.Metrics.Job, r.Engine.Metrics.Registry); err != nil {
			r.Logger.WarnContext(ctx, "push metrics", "url", url, "error", err)
		}
		cancel()
	}
	if r.Engine.Notify != nil {
		if err := r.Engine.Notify.Close(); err != nil {
			r.Logger.WarnContext(ctx, "close notifications", "error", err)
		}
	}
	return r.Conn.Close()
}

// PushMetrics sends the registry's metric families to a Prometheus Pushgateway under job.
func PushMetrics(ctx context.Context, url, job string, reg *prometheus.Registry) error {
	if reg == nil {
		return errors.New("no metrics registry")
	}
	return push.New(url, job).Gatherer(reg).PushContext(ctx)
}

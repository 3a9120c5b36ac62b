package cli

import (
	"context"
	"io"
	"time"

	"github.com/Zozz7777/Clutchplatform-sub014/internal/clock"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/config"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/db"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/logging"
	syncpkg "github.com/Zozz7777/Clutchplatform-sub014/internal/sync"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/sync/applier"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/sync/conflict"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/sync/oplog"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/sync/transport"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/telemetry"
)

// app is the wired set of components behind every command.
type app struct {
	cfg      *config.Config
	database *db.DB
	engine   *syncpkg.Engine
	realtime *transport.Realtime
}

// loadConfig reads the config and sets up logging. Full validation is for
// commands that talk to the server; the rest only need the data directory.
func loadConfig(opts *RootOptions, needServer bool, stderr io.Writer) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}

	validate := cfg.ValidateLocal
	if needServer {
		validate = cfg.Validate
	}
	if err := validate(); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid config", err)
	}

	setupLogging(cfg.Logging, opts.Verbose, stderr)
	return cfg, nil
}

func setupLogging(lc config.LoggingConfig, verbose bool, stderr io.Writer) {
	level := logging.ParseLevel(lc.Level)
	if verbose {
		level = logging.LevelDebug
	}

	var out io.Writer = stderr
	if lc.File != "" {
		out = logging.NewFileWriter(logging.FileOptions{
			Path:       lc.File,
			MaxSizeMB:  lc.MaxSizeMB,
			MaxBackups: lc.MaxBackups,
			MaxAgeDays: lc.MaxAgeDays,
		})
	}
	logging.Init(out, level)
}

// openApp opens the store, restores queue and conflict state and builds the
// engine. withRealtime attaches the websocket channel when one is configured.
func openApp(ctx context.Context, cfg *config.Config, withRealtime bool) (*app, error) {
	strategy, err := conflict.ParseStrategy(cfg.Sync.ConflictStrategy)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid config", err)
	}

	database, err := db.OpenAndMigrate(cfg.Storage.DataDir)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	clk := clock.Real{}
	repo := db.NewRepository(database.DB)

	opLog := oplog.New(repo, clk, cfg.Sync.MaxRetries)
	if _, err := opLog.Recover(ctx); err != nil {
		database.Close()
		return nil, WrapExitError(ExitCommandError, "failed to recover operation log", err)
	}

	conflicts := conflict.NewStore(repo, clk)
	if err := conflicts.Load(ctx); err != nil {
		database.Close()
		return nil, WrapExitError(ExitCommandError, "failed to load conflicts", err)
	}

	client := transport.NewHTTPClient(transport.Options{
		BaseURL:   cfg.Server.BaseURL,
		PartnerID: cfg.Identity.PartnerID,
		DeviceID:  cfg.Identity.DeviceID,
		AuthToken: cfg.Identity.AuthToken,
		Timeout:   cfg.Server.RequestTimeout,
	})

	a := &app{cfg: cfg, database: database}

	deps := syncpkg.Deps{
		Log:       opLog,
		Conflicts: conflicts,
		Transport: client,
		Applier:   applier.New(repo, clk),
		Clock:     clk,
		State:     repo,
		Metrics:   telemetry.New(),
	}
	if withRealtime && cfg.Server.RealtimeURL != "" {
		a.realtime = transport.NewRealtime(transport.RealtimeOptions{
			URL:            cfg.Server.RealtimeURL,
			PartnerID:      cfg.Identity.PartnerID,
			DeviceID:       cfg.Identity.DeviceID,
			AuthToken:      cfg.Identity.AuthToken,
			ReconnectDelay: cfg.Server.ReconnectDelay,
		})
		deps.Realtime = a.realtime
	}

	engine, err := syncpkg.New(deps, syncpkg.Options{
		Strategy:        strategy,
		MaxRetries:      cfg.Sync.MaxRetries,
		BaseDelay:       cfg.Sync.BaseDelay,
		StrictDetection: cfg.Sync.StrictDetection,
		InitialCursor:   cfg.Sync.LastSyncTimestamp,
	})
	if err != nil {
		database.Close()
		return nil, WrapExitError(ExitCommandError, "failed to create sync engine", err)
	}
	a.engine = engine
	return a, nil
}

// Close stops the engine and closes the store.
func (a *app) Close() {
	a.engine.Stop()
	if err := a.database.Close(); err != nil {
		logging.Error("Failed to close database", err, nil)
	}
}

// warnTokenExpiry logs when a JWT auth token is already past its expiry.
func warnTokenExpiry(cfg *config.Config) {
	info, err := config.InspectToken(cfg.Identity)
	if err != nil || !info.IsJWT || info.ExpiresAt == nil {
		return
	}
	if info.Expired(time.Now()) {
		logging.Warn("Auth token has expired; the server will reject requests", map[string]interface{}{
			"expired_at": info.ExpiresAt.Format(time.RFC3339),
		})
	}
}

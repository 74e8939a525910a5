package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/patchkit/internal/backup"
	"github.com/roach88/patchkit/internal/config"
	"github.com/roach88/patchkit/internal/engine"
	"github.com/roach88/patchkit/internal/ledger"
	"github.com/roach88/patchkit/internal/store"
)

// app holds the handles a stateful command works with.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	store   *store.Store
	backups *backup.Manager
	ledger  *ledger.Ledger
	engine  *engine.Engine
}

// loadConfig resolves the effective configuration: file, .env, and
// environment via config.Load, then the global flags on top.
func (o *RootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(config.LoadOptions{ConfigPath: o.ConfigPath})
	if err != nil {
		return config.Config{}, err
	}
	if o.BackupDir != "" {
		cfg.BackupDir = o.BackupDir
	}
	if o.LedgerPath != "" {
		cfg.LedgerPath = o.LedgerPath
	}
	return cfg, nil
}

// newLogger configures slog on cmd's stderr at the configured level, or
// debug with --verbose.
func (o *RootOptions) newLogger(cmd *cobra.Command, cfg config.Config) *slog.Logger {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	if o.Verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

// engineOptions builds the engine options shared by every command.
func engineOptions(cfg config.Config, logger *slog.Logger) []engine.Option {
	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithTargetExtensions(cfg.TargetExtensions),
		engine.WithPatchExtensions(cfg.PatchExtensions),
	}
	if cfg.ExtractTool != "" {
		opts = append(opts, engine.WithExtractor(engine.ExecExtractor{Tool: cfg.ExtractTool}))
	}
	return opts
}

// statelessEngine returns an engine for commands that only parse and
// validate; it has no ledger or backup store.
func (o *RootOptions) statelessEngine(cmd *cobra.Command) (*engine.Engine, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		_ = o.formatter(cmd).Error(CodeConfig, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger := o.newLogger(cmd, cfg)
	return engine.New(nil, nil, engineOptions(cfg, logger)...), nil
}

// openApp loads the configuration and opens the ledger and backup store.
// The caller must Close the returned app.
func (o *RootOptions) openApp(cmd *cobra.Command, extra ...engine.Option) (*app, error) {
	f := o.formatter(cmd)
	cfg, err := o.loadConfig()
	if err != nil {
		_ = f.Error(CodeConfig, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger := o.newLogger(cmd, cfg)

	st, err := store.Open(cfg.LedgerPath)
	if err != nil {
		_ = f.Error(CodeConfig, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "failed to open ledger", err)
	}
	bm, err := backup.New(cfg.BackupDir, st,
		backup.WithCompressionLevel(cfg.CompressionLevel),
		backup.WithLogger(logger),
	)
	if err != nil {
		st.Close()
		_ = f.Error(CodeConfig, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "failed to open backup store", err)
	}
	l := ledger.New(st, bm, ledger.WithLogger(logger))

	opts := append(engineOptions(cfg, logger), extra...)
	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		backups: bm,
		ledger:  l,
		engine:  engine.New(l, bm, opts...),
	}, nil
}

// Close releases the ledger database.
func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing ledger", "error", err)
	}
}

// Package main is the entry point for the schematic-mirror CLI application.
// schematic-mirror keeps local mirrors of schematic repositories, scans their
// history and serves cached distillations of the schematic files at any commit.
package main

import (
	"context"
	"os"

	"github.com/MyCarrier-DevOps/goLibMyCarrier/logger"

	"github.com/MyCarrier-DevOps/schematic-mirror/cmd"
	"github.com/MyCarrier-DevOps/schematic-mirror/internal/adapters/distiller"
	"github.com/MyCarrier-DevOps/schematic-mirror/internal/adapters/git"
	logadapter "github.com/MyCarrier-DevOps/schematic-mirror/internal/adapters/logger"
	"github.com/MyCarrier-DevOps/schematic-mirror/internal/adapters/output"
	"github.com/MyCarrier-DevOps/schematic-mirror/internal/adapters/store"
	"github.com/MyCarrier-DevOps/schematic-mirror/internal/domain"
	"github.com/MyCarrier-DevOps/schematic-mirror/internal/infrastructure/config"
)

func main() {
	// Create a single shared logger instance for the application
	zapLog := logger.NewZapLoggerFromConfig()
	adapter := logadapter.NewZapAdapter(zapLog)

	cmd.SetDefaultDependencies(newDependencies(adapter))
	cmd.Execute()
}

// newDependencies wires the production adapters behind the command factories.
func newDependencies(adapter *logadapter.ZapAdapter) *cmd.Dependencies {
	return &cmd.Dependencies{
		LoggerFactory: func() cmd.Logger {
			return adapter
		},

		ConfigLoader: func() (*cmd.AppConfig, error) {
			cfg, err := config.Load()
			if err != nil {
				return nil, err
			}
			return newAppConfig(cfg), nil
		},

		MirrorRegistryFactory: func(cfg *cmd.AppConfig, _ cmd.Logger) (domain.MirrorRegistry, error) {
			opts, ok := cfg.MirrorConfig.(*git.Options)
			if !ok {
				return nil, newConfigTypeError("*git.Options")
			}
			return git.NewRegistry(*opts, adapter.Component("mirror")), nil
		},

		ResultStoreFactory: func(ctx context.Context, cfg *cmd.AppConfig, _ cmd.Logger) (domain.ResultStore, error) {
			storeCfg, ok := cfg.CacheConfig.(*store.Config)
			if !ok {
				return nil, newConfigTypeError("*store.Config")
			}
			return store.Open(ctx, *storeCfg)
		},

		DistillerFactory: func(cfg *cmd.AppConfig, _ cmd.Logger) (domain.Distiller, domain.WorkspaceReaper, error) {
			opts, ok := cfg.DistillerConfig.(*distiller.Options)
			if !ok {
				return nil, nil, newConfigTypeError("*distiller.Options")
			}
			reaperOpts, ok := cfg.ReaperConfig.(*distiller.ReaperOptions)
			if !ok {
				return nil, nil, newConfigTypeError("*distiller.ReaperOptions")
			}
			pipeline := distiller.NewPipeline(*opts, adapter.Component("distiller"))
			return pipeline, pipeline.NewReaper(*reaperOpts), nil
		},

		OutputWriterFactory: func() domain.OutputWriter {
			return output.NewWriter()
		},

		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

// newAppConfig splits the loaded configuration into per-adapter settings.
func newAppConfig(cfg *config.Config) *cmd.AppConfig {
	return &cmd.AppConfig{
		MirrorConfig: &git.Options{
			Root:         cfg.MirrorRoot,
			URLTemplate:  cfg.RemoteURLTemplate,
			TargetSuffix: cfg.TargetSuffix,
			Timeout:      cfg.GitTimeout,
			Retries:      cfg.GitRetries,
		},
		DistillerConfig: &distiller.Options{
			WorkspaceRoot: cfg.WorkspaceRoot,
			Command:       cfg.DistillerCommand,
			Args:          cfg.DistillerArgs,
			Timeout:       cfg.DistillerTimeout,
		},
		ReaperConfig: &distiller.ReaperOptions{
			MaxAge:   cfg.WorkspaceMaxAge,
			MaxCount: cfg.WorkspaceMaxCount,
		},
		CacheConfig: &store.Config{
			Driver:      cfg.CacheDriver,
			DatabaseURL: cfg.DatabaseURL,
			SQLitePath:  cfg.SQLitePath,
			MaxConns:    cfg.DatabaseMaxConns,
		},
		LogLevel:   cfg.LogLevel,
		LogAppName: cfg.LogAppName,
	}
}

func newConfigTypeError(expected string) error {
	return &configTypeError{expected: expected}
}

// configTypeError is returned when configuration type assertion fails.
type configTypeError struct {
	expected string
}

func (e *configTypeError) Error() string {
	return "invalid configuration type: expected " + e.expected
}

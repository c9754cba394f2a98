// Package cmd provides the CLI commands for schematic-mirror.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MyCarrier-DevOps/schematic-mirror/internal/domain"
)

// Logger defines the logging interface used by the commands.
type Logger interface {
	Info(ctx context.Context, msg string, fields map[string]interface{})
	Debug(ctx context.Context, msg string, fields map[string]interface{})
	Warn(ctx context.Context, msg string, fields map[string]interface{})
	Error(ctx context.Context, msg string, err error, fields map[string]interface{})
}

// Dependencies holds all injectable dependencies for the commands.
// This enables testing by allowing mock implementations to be injected.
type Dependencies struct {
	// LoggerFactory creates a logger instance.
	LoggerFactory func() Logger

	// ConfigLoader loads application configuration.
	ConfigLoader func() (*AppConfig, error)

	// MirrorRegistryFactory creates the repository mirror registry.
	MirrorRegistryFactory func(cfg *AppConfig, log Logger) (domain.MirrorRegistry, error)

	// ResultStoreFactory opens the result cache.
	ResultStoreFactory func(ctx context.Context, cfg *AppConfig, log Logger) (domain.ResultStore, error)

	// DistillerFactory creates the distillation pipeline and its workspace reaper.
	DistillerFactory func(cfg *AppConfig, log Logger) (domain.Distiller, domain.WorkspaceReaper, error)

	// OutputWriterFactory creates an OutputWriter.
	OutputWriterFactory func() domain.OutputWriter

	// Stdout is the writer for standard output (for command results).
	Stdout io.Writer

	// Stderr is the writer for standard error (for warnings/errors).
	Stderr io.Writer
}

// AppConfig holds application configuration loaded by ConfigLoader.
// The adapter settings are opaque here and interpreted by the factories.
type AppConfig struct {
	// MirrorConfig is passed to the MirrorRegistryFactory.
	MirrorConfig any

	// DistillerConfig and ReaperConfig are passed to the DistillerFactory.
	DistillerConfig any
	ReaperConfig    any

	// CacheConfig is passed to the ResultStoreFactory.
	CacheConfig any

	// LogLevel is the log level setting.
	LogLevel string

	// LogAppName is the application name for logging.
	LogAppName string
}

// Command-line flags.
var (
	verbose bool
)

// defaultDeps holds the production dependencies.
// This is set by the production wiring in main or via SetDefaultDependencies.
var defaultDeps *Dependencies

// SetDefaultDependencies sets the default dependencies for production use.
// This should be called from main() before Execute().
func SetDefaultDependencies(deps *Dependencies) {
	defaultDeps = deps
}

// NewRootCmd creates the root command for schematic-mirror.
func NewRootCmd() *cobra.Command {
	return NewRootCmdWithDeps(defaultDeps)
}

// NewRootCmdWithDeps creates the root command with explicit dependencies.
// This is the primary constructor that enables testing via dependency injection.
func NewRootCmdWithDeps(deps *Dependencies) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "schematic-mirror",
		Short: "Mirror schematic repositories and serve distilled schematic data",
		Long: `schematic-mirror keeps local mirrors of remote Git repositories, lists the
commits that touch schematic files, extracts those files at any commit and
runs an external distillation tool over them. Distilled documents are cached
per repository and commit.

Repositories are named owner/name. Commits may be full hashes or any revision
expression the mirror can resolve, such as a branch name or HEAD~2.

Examples:
  # List commits that change schematics, with stored summaries
  schematic-mirror commits acme/board --matching --enrich

  # Distill the schematics at a commit
  schematic-mirror distill acme/board 4f2c9e1

  # Drop every cached result for a repository and its local mirror
  schematic-mirror invalidate acme/board --mirror

  # Enable verbose logging
  schematic-mirror -v latest acme/board`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable verbose/debug logging")

	rootCmd.AddCommand(
		newCommitsCmd(deps),
		newFilesCmd(deps),
		newChangedCmd(deps),
		newInfoCmd(deps),
		newLatestCmd(deps),
		newDistillCmd(deps),
		newInvalidateCmd(deps),
		newRefreshCmd(deps),
		newRecordCmd(deps),
		newStoreRecordCmd(deps),
		newFindPartCmd(deps),
		newReapCmd(deps),
		newMigrateCmd(deps),
	)

	return rootCmd
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stderr := io.Writer(os.Stderr)
	if defaultDeps != nil && defaultDeps.Stderr != nil {
		stderr = defaultDeps.Stderr
	}

	rootCmd := NewRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		ReportError(stderr, err)
		stop()
		os.Exit(1)
	}
}

// ReportError writes err to w as "kind: message".
func ReportError(w io.Writer, err error) {
	if err == nil {
		return
	}
	kind := domain.KindOf(err)
	writeWarningf(w, "%s: %v\n", kind, err)
}

// runtime carries what a single command invocation needs and releases it afterwards.
type runtime struct {
	ctx     context.Context
	deps    *Dependencies
	log     Logger
	cfg     *AppConfig
	closers []func()
}

// newRuntime initializes logging and configuration for a command.
func newRuntime(cmd *cobra.Command, deps *Dependencies) (*runtime, error) {
	if deps == nil {
		return nil, errors.New("dependencies not configured")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	stderr := deps.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	// Set log level based on verbose flag (best-effort)
	if verbose {
		if err := os.Setenv("LOG_LEVEL", "debug"); err != nil {
			writeWarningf(stderr, "warning: could not set log level: %v\n", err)
		}
	}

	log := deps.LoggerFactory()
	log.Debug(ctx, "starting command", map[string]interface{}{
		"command": cmd.Name(),
		"verbose": verbose,
	})

	cfg, err := deps.ConfigLoader()
	if err != nil {
		log.Error(ctx, "failed to load configuration", err, nil)
		return nil, fmt.Errorf("configuration error: %w", err)
	}

	return &runtime{ctx: ctx, deps: deps, log: log, cfg: cfg}, nil
}

func (r *runtime) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func (r *runtime) mirrors() (domain.MirrorRegistry, error) {
	reg, err := r.deps.MirrorRegistryFactory(r.cfg, r.log)
	if err != nil {
		r.log.Error(r.ctx, "failed to initialize mirror registry", err, nil)
		return nil, fmt.Errorf("mirror configuration error: %w", err)
	}
	return reg, nil
}

// store opens and migrates the result cache. When required is false an
// unavailable cache is reported as a warning and replaced by one whose
// every call fails, which the use cases treat as a soft fault.
func (r *runtime) store(required bool) (domain.ResultStore, error) {
	s, err := r.deps.ResultStoreFactory(r.ctx, r.cfg, r.log)
	if err == nil {
		r.closers = append(r.closers, func() {
			if closeErr := s.Close(); closeErr != nil {
				r.log.Warn(r.ctx, "failed to close result cache", map[string]interface{}{
					"error": closeErr.Error(),
				})
			}
		})
		err = s.Migrate(r.ctx)
	}
	if err == nil {
		return s, nil
	}

	if required {
		r.log.Error(r.ctx, "result cache unavailable", err, nil)
		return nil, err
	}
	r.log.Warn(r.ctx, "result cache unavailable; continuing without it", map[string]interface{}{
		"error": err.Error(),
	})
	return unavailableStore{err: err}, nil
}

func (r *runtime) distiller() (domain.Distiller, domain.WorkspaceReaper, error) {
	d, reaper, err := r.deps.DistillerFactory(r.cfg, r.log)
	if err != nil {
		r.log.Error(r.ctx, "failed to initialize distiller", err, nil)
		return nil, nil, fmt.Errorf("distiller configuration error: %w", err)
	}
	return d, reaper, nil
}

func (r *runtime) write(v any) error {
	if err := r.deps.OutputWriterFactory().WriteJSON(v); err != nil {
		r.log.Error(r.ctx, "failed to write output", err, nil)
		return fmt.Errorf("output error: %w", err)
	}
	return nil
}

// writeWarningf writes a warning message to the given writer.
// This is a best-effort operation; errors are intentionally ignored
// because there is no recovery action if stderr writes fail.
func writeWarningf(w io.Writer, format string, args ...any) {
	_, err := fmt.Fprintf(w, format, args...)
	if err != nil {
		return
	}
}

// Package distiller materializes file snapshots into a scratch workspace and runs
// the external transformation tool over it. It implements domain.Distiller and
// domain.WorkspaceReaper.
package distiller

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/MyCarrier-DevOps/schematic-mirror/internal/adapters/lock"
	"github.com/MyCarrier-DevOps/schematic-mirror/internal/domain"
)

// WorkspacePlaceholder in an argument is replaced by the workspace path.
const WorkspacePlaceholder = "{workspace}"

const (
	// outputPreviewBytes bounds the stdout excerpt attached to malformed output errors.
	outputPreviewBytes = 512

	// stderrPreviewBytes bounds the stderr excerpt attached to tool failures.
	stderrPreviewBytes = 4096

	// waitDelay is how long a killed tool may keep its output pipes open.
	waitDelay = 2 * time.Second
)

var (
	hexObjectName = regexp.MustCompile(`^[0-9a-f]{4,64}$`)
	segmentName   = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
)

// Logger defines the logging interface for the distiller.
type Logger interface {
	Info(ctx context.Context, msg string, fields map[string]interface{})
	Debug(ctx context.Context, msg string, fields map[string]interface{})
	Warn(ctx context.Context, msg string, fields map[string]interface{})
}

// Options configures a Pipeline.
type Options struct {
	// WorkspaceRoot holds one workspace per identity and commit.
	WorkspaceRoot string

	// Command is the transformation tool executable.
	Command string

	// Args is the argument template. Occurrences of WorkspacePlaceholder are
	// replaced by the workspace path; without any, the path is appended.
	Args []string

	// Timeout bounds a single tool run. Zero disables it.
	Timeout time.Duration
}

// Pipeline runs distillations.
type Pipeline struct {
	opts   Options
	locks  *lock.Keyed
	logger Logger
}

// NewPipeline creates a Pipeline.
func NewPipeline(opts Options, log Logger) *Pipeline {
	return &Pipeline{
		opts:   opts,
		locks:  lock.NewKeyed(),
		logger: log,
	}
}

// Distill writes files into the workspace for identity and commit, runs the tool
// over it and returns the JSON document it prints.
func (p *Pipeline) Distill(ctx context.Context, identity, commit string, files []domain.FileSnapshot) (domain.Document, error) {
	if len(files) == 0 {
		return nil, domain.NewOpError("distill", identity, commit, domain.ErrNoInputFiles)
	}

	ws, key, err := p.workspacePath(identity, commit)
	if err != nil {
		return nil, domain.NewOpError("distill", identity, commit, err)
	}

	unlock := p.locks.Lock(key)
	defer unlock()

	var doc domain.Document
	err = lock.WithFile(ctx, ws+".lock", func() error {
		if err := materialize(ws, files); err != nil {
			return err
		}
		p.logger.Debug(ctx, "materialized workspace", map[string]interface{}{
			"repository": identity,
			"commit":     commit,
			"workspace":  ws,
			"files":      len(files),
		})

		stdout, err := p.invoke(ctx, ws)
		if err != nil {
			return err
		}
		doc, err = parseDocument(stdout)
		return err
	})
	if err != nil {
		return nil, domain.NewOpError("distill", identity, commit, err)
	}

	p.logger.Info(ctx, "distillation complete", map[string]interface{}{
		"repository": identity,
		"commit":     commit,
		"files":      len(files),
	})
	return doc, nil
}

// Reachable reports whether the configured tool can be executed.
func (p *Pipeline) Reachable() error {
	_, err := p.resolveCommand()
	return err
}

// WorkspacePath returns the workspace directory used for identity and commit.
func (p *Pipeline) WorkspacePath(identity, commit string) (string, error) {
	ws, _, err := p.workspacePath(identity, commit)
	return ws, err
}

// workspacePath returns <root>/<owner>/<name>/<commit dir> and the key that
// guards it. Commits that are not hex object names are hashed so any ref
// expression maps to a single safe directory name.
func (p *Pipeline) workspacePath(identity, commit string) (string, string, error) {
	owner, name, ok := strings.Cut(identity, "/")
	if !ok || !validSegment(owner) || !validSegment(name) {
		return "", "", fmt.Errorf("%w: %q", domain.ErrInvalidIdentity, identity)
	}

	dir := strings.ToLower(commit)
	if !hexObjectName.MatchString(dir) {
		sum := sha256.Sum256([]byte(commit))
		dir = hex.EncodeToString(sum[:])
	}

	key := owner + "/" + name + "/" + dir
	return filepath.Join(p.opts.WorkspaceRoot, owner, name, dir), key, nil
}

func validSegment(s string) bool {
	return s != "." && s != ".." && segmentName.MatchString(s)
}

// materialize recreates ws from scratch and writes every file into it.
func materialize(ws string, files []domain.FileSnapshot) error {
	if err := os.RemoveAll(ws); err != nil {
		return fmt.Errorf("failed to clear workspace: %w", err)
	}
	if err := os.MkdirAll(ws, 0o755); err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}

	for _, f := range files {
		target := filepath.Join(ws, filepath.FromSlash(f.Path))
		rel, err := filepath.Rel(ws, target)
		if err != nil || rel == "." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == ".." {
			return fmt.Errorf("refusing to write %q outside workspace", f.Path)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", f.Path, err)
		}
		if err := os.WriteFile(target, []byte(f.Content), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.Path, err)
		}
	}
	return nil
}

// resolveCommand locates the tool executable.
func (p *Pipeline) resolveCommand() (string, error) {
	command := strings.TrimSpace(p.opts.Command)
	if command == "" {
		return "", fmt.Errorf("%w: no command configured", domain.ErrToolNotFound)
	}

	if !strings.ContainsRune(command, filepath.Separator) {
		path, err := exec.LookPath(command)
		if err != nil {
			return "", fmt.Errorf("%w: %w", domain.ErrToolNotFound, err)
		}
		return path, nil
	}

	info, err := os.Stat(command)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrToolNotFound, err)
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return "", fmt.Errorf("%w: %s is not executable", domain.ErrToolNotFound, command)
	}
	return command, nil
}

// args renders the argument template for ws.
func (p *Pipeline) args(ws string) []string {
	out := make([]string, 0, len(p.opts.Args)+1)
	substituted := false
	for _, a := range p.opts.Args {
		if strings.Contains(a, WorkspacePlaceholder) {
			a = strings.ReplaceAll(a, WorkspacePlaceholder, ws)
			substituted = true
		}
		out = append(out, a)
	}
	if !substituted {
		out = append(out, ws)
	}
	return out
}

// invoke runs the tool over ws and returns its stdout.
func (p *Pipeline) invoke(ctx context.Context, ws string) ([]byte, error) {
	command, err := p.resolveCommand()
	if err != nil {
		return nil, err
	}

	runCtx := ctx
	if p.opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, command, p.args(ws)...)
	cmd.Dir = ws
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	started := time.Now()
	err = cmd.Run()
	elapsed := time.Since(started)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", domain.ErrTransformTimeout, p.opts.Timeout)
		}
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %w", domain.ErrToolNotFound, err)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%w (exit %d): %s", domain.ErrTransformFailed,
				exitErr.ExitCode(), preview(stderr.Bytes(), stderrPreviewBytes))
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrTransformFailed, err)
	}

	p.logger.Debug(ctx, "tool finished", map[string]interface{}{
		"workspace":    ws,
		"duration_ms":  elapsed.Milliseconds(),
		"stdout_bytes": stdout.Len(),
		"stderr_bytes": stderr.Len(),
	})
	return stdout.Bytes(), nil
}

// parseDocument accepts exactly one JSON object, optionally surrounded by whitespace.
func parseDocument(stdout []byte) (domain.Document, error) {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: expected a JSON object, got %q",
			domain.ErrMalformedOutput, preview(stdout, outputPreviewBytes))
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v: %q", domain.ErrMalformedOutput, err, preview(stdout, outputPreviewBytes))
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after document: %q",
			domain.ErrMalformedOutput, preview(stdout, outputPreviewBytes))
	}
	return domain.Document(raw), nil
}

func preview(b []byte, limit int) string {
	b = bytes.TrimSpace(b)
	if len(b) > limit {
		b = b[:limit]
	}
	return strings.ToValidUTF8(string(b), "�")
}

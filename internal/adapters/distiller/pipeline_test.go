package distiller

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MyCarrier-DevOps/schematic-mirror/internal/domain"
)

// testLogger is a minimal logger for testing that doesn't output anything.
type testLogger struct{}

func (l *testLogger) Info(_ context.Context, _ string, _ map[string]interface{})  {}
func (l *testLogger) Debug(_ context.Context, _ string, _ map[string]interface{}) {}
func (l *testLogger) Warn(_ context.Context, _ string, _ map[string]interface{})  {}

// writeTool creates an executable shell script standing in for the transformation tool.
func writeTool(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "distill.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func newTestPipeline(t *testing.T, tool string, args ...string) *Pipeline {
	t.Helper()
	return NewPipeline(Options{
		WorkspaceRoot: filepath.Join(t.TempDir(), "workspaces"),
		Command:       tool,
		Args:          args,
		Timeout:       10 * time.Second,
	}, &testLogger{})
}

var boardFiles = []domain.FileSnapshot{
	{Path: "top.kicad_sch", Content: "(kicad_sch top)"},
	{Path: "sub/power.kicad_sch", Content: "(kicad_sch power)"},
}

const commitHash = "0123456789abcdef0123456789abcdef01234567"

func TestPipeline_Distill_Success(t *testing.T) {
	tool := writeTool(t, `
test -f "$1/top.kicad_sch" || exit 3
test -f "$1/sub/power.kicad_sch" || exit 4
grep -q power "$1/sub/power.kicad_sch" || exit 5
echo '{"components":{"R1":{},"C1":{}},"nets":{"GND":[],"VCC":[],"SDA":[]}}'
`)
	p := newTestPipeline(t, tool)

	doc, err := p.Distill(context.Background(), "acme/board", commitHash, boardFiles)

	require.NoError(t, err)
	assert.JSONEq(t, `{"components":{"R1":{},"C1":{}},"nets":{"GND":[],"VCC":[],"SDA":[]}}`, string(doc))
	assert.Equal(t, domain.DocumentSummary{Components: 2, Nets: 3}, doc.Summary())

	ws, err := p.WorkspacePath("acme/board", commitHash)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(p.opts.WorkspaceRoot, "acme", "board", commitHash), ws)
	assert.FileExists(t, filepath.Join(ws, "sub", "power.kicad_sch"))
}

func TestPipeline_Distill_ArgumentTemplate(t *testing.T) {
	tool := writeTool(t, `
test "$1" = "--dir" || exit 3
test -f "$2/top.kicad_sch" || exit 4
test "$3" = "--json" || exit 5
echo '{"components":[],"nets":[]}'
`)
	p := newTestPipeline(t, tool, "--dir", WorkspacePlaceholder, "--json")

	doc, err := p.Distill(context.Background(), "acme/board", commitHash, boardFiles)

	require.NoError(t, err)
	assert.Equal(t, domain.DocumentSummary{}, doc.Summary())
}

func TestPipeline_Distill_WorkspaceStartsEmpty(t *testing.T) {
	tool := writeTool(t, `
test -e "$1/stale.kicad_sch" && exit 3
echo '{}'
`)
	p := newTestPipeline(t, tool)

	ws, err := p.WorkspacePath("acme/board", commitHash)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(ws, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "stale.kicad_sch"), []byte("old"), 0o644))

	_, err = p.Distill(context.Background(), "acme/board", commitHash, boardFiles)

	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(ws, "stale.kicad_sch"))
}

func TestPipeline_Distill_NoInputFiles(t *testing.T) {
	p := newTestPipeline(t, writeTool(t, `echo '{}'`))

	_, err := p.Distill(context.Background(), "acme/board", commitHash, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNoInputFiles)
	assert.Equal(t, domain.KindNoInputFiles, domain.KindOf(err))
	assert.NoDirExists(t, p.opts.WorkspaceRoot)
}

func TestPipeline_Distill_ToolFailure(t *testing.T) {
	p := newTestPipeline(t, writeTool(t, `
echo "parse error in top.kicad_sch" >&2
exit 2
`))

	_, err := p.Distill(context.Background(), "acme/board", commitHash, boardFiles)

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransformFailed)
	assert.Equal(t, domain.KindTransformFailed, domain.KindOf(err))
	assert.True(t, domain.Retryable(err))
	assert.Contains(t, err.Error(), "parse error in top.kicad_sch")
	assert.Contains(t, err.Error(), "exit 2")
}

func TestPipeline_Distill_MalformedOutput(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not JSON", body: `echo "hello world"`},
		{name: "empty", body: `true`},
		{name: "truncated", body: `printf '{"components": {'`},
		{name: "two documents", body: `echo '{}'; echo '{}'`},
		{name: "array", body: `echo '[1,2]'`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPipeline(t, writeTool(t, tt.body))

			_, err := p.Distill(context.Background(), "acme/board", commitHash, boardFiles)

			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrMalformedOutput)
			assert.False(t, domain.Retryable(err))
		})
	}
}

func TestPipeline_Distill_Timeout(t *testing.T) {
	p := NewPipeline(Options{
		WorkspaceRoot: t.TempDir(),
		Command:       writeTool(t, `exec sleep 5`),
		Timeout:       200 * time.Millisecond,
	}, &testLogger{})

	started := time.Now()
	_, err := p.Distill(context.Background(), "acme/board", commitHash, boardFiles)

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransformTimeout)
	assert.Equal(t, domain.KindTransformTimeout, domain.KindOf(err))
	assert.Less(t, time.Since(started), 4*time.Second)
}

func TestPipeline_Distill_CallerCancellation(t *testing.T) {
	p := newTestPipeline(t, writeTool(t, `exec sleep 5`))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := p.Distill(ctx, "acme/board", commitHash, boardFiles)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, domain.ErrTransformTimeout)
}

func TestPipeline_Distill_ToolNotFound(t *testing.T) {
	p := newTestPipeline(t, filepath.Join(t.TempDir(), "missing-tool"))

	_, err := p.Distill(context.Background(), "acme/board", commitHash, boardFiles)

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrToolNotFound)
	assert.False(t, domain.Retryable(err))
}

func TestPipeline_Reachable(t *testing.T) {
	notExec := filepath.Join(t.TempDir(), "plain.txt")
	require.NoError(t, os.WriteFile(notExec, []byte("x"), 0o644))

	tests := []struct {
		name    string
		command string
		wantErr bool
	}{
		{name: "script path", command: writeTool(t, "true")},
		{name: "on PATH", command: "sh"},
		{name: "empty", command: "", wantErr: true},
		{name: "missing file", command: "/nonexistent/tool", wantErr: true},
		{name: "not executable", command: notExec, wantErr: true},
		{name: "missing on PATH", command: "definitely-not-a-real-tool-xyz", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPipeline(Options{Command: tt.command}, &testLogger{})
			err := p.Reachable()
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrToolNotFound)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestPipeline_WorkspacePath(t *testing.T) {
	p := NewPipeline(Options{WorkspaceRoot: "/ws"}, &testLogger{})

	ws, err := p.WorkspacePath("acme/board", commitHash)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/ws", "acme", "board", commitHash), ws)

	byRef, err := p.WorkspacePath("acme/board", "refs/heads/main")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/ws", "acme", "board"), filepath.Dir(byRef))
	assert.Len(t, filepath.Base(byRef), 64)
	assert.False(t, strings.Contains(filepath.Base(byRef), "/"))

	other, err := p.WorkspacePath("acme/other", commitHash)
	require.NoError(t, err)
	assert.NotEqual(t, ws, other)

	for _, bad := range []string{"acme", "../board", "acme/..", "acme/board/x", ""} {
		_, err := p.WorkspacePath(bad, commitHash)
		assert.ErrorIs(t, err, domain.ErrInvalidIdentity, bad)
	}
}

func TestPipeline_Distill_RejectsEscapingPaths(t *testing.T) {
	p := newTestPipeline(t, writeTool(t, `echo '{}'`))

	_, err := p.Distill(context.Background(), "acme/board", commitHash, []domain.FileSnapshot{
		{Path: "../escape.kicad_sch", Content: "x"},
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside workspace")
}

func TestParseDocument(t *testing.T) {
	doc, err := parseDocument([]byte("\n  {\"components\": {}}\n\n"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"components": {}}`, string(doc))

	long := strings.Repeat("x", 2000)
	_, err = parseDocument([]byte(long))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMalformedOutput)
	assert.Less(t, len(err.Error()), 700)
}

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ibrasoft/driveclonr/internal/config"
	"github.com/ibrasoft/driveclonr/internal/export"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// testLogWriter adapts testing.T.Log to io.Writer for slog output.
type testLogWriter struct {
	t *testing.T
}

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// flatSource is one Drive root holding numbered text files.
type flatSource struct {
	files int
	delay time.Duration

	mu      stdsync.Mutex
	fetches int
}

func fileBody(i int) string {
	return fmt.Sprintf("content of file %d\n", i)
}

func fileName(i int) string {
	return fmt.Sprintf("file-%02d.txt", i)
}

func (f *flatSource) Roots(context.Context) ([]export.Node, error) {
	return []export.Node{{
		ID:      "root",
		Service: export.ServiceDrive,
		Kind:    export.KindContainer,
		Name:    "My Drive",
	}}, nil
}

func (f *flatSource) List(_ context.Context, c export.Node) ([]export.Node, error) {
	if c.ID != "root" {
		return nil, nil
	}

	nodes := make([]export.Node, 0, f.files)
	for i := range f.files {
		nodes = append(nodes, export.Node{
			ID:       fmt.Sprintf("f%d", i),
			Service:  export.ServiceDrive,
			Kind:     export.KindLeaf,
			ParentID: "root",
			Name:     fileName(i),
			Size:     int64(len(fileBody(i))),
			Digest:   "v:1",
		})
	}

	return nodes, nil
}

func (f *flatSource) Fetch(_ context.Context, leaf export.Node) (*export.Content, error) {
	f.mu.Lock()
	f.fetches++
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	var i int
	if _, err := fmt.Sscanf(leaf.ID, "f%d", &i); err != nil {
		return nil, fmt.Errorf("unknown leaf %s: %w", leaf.ID, export.ErrNotFound)
	}

	body := fileBody(i)

	return &export.Content{
		Body: io.NopCloser(strings.NewReader(body)),
		Size: int64(len(body)),
	}, nil
}

func (f *flatSource) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.fetches
}

// useSource makes every export in the test read from src.
func useSource(t *testing.T, src export.RemoteSource) {
	t.Helper()

	prev := buildSources
	buildSources = func(context.Context, *config.Resolved, *slog.Logger) (*export.Sources, error) {
		sources := export.NewSources()
		sources.Register(src, export.ServiceDrive)

		return sources, nil
	}

	t.Cleanup(func() { buildSources = prev })
}

// isolateEnv clears the variables that would redirect config resolution.
func isolateEnv(t *testing.T) {
	t.Helper()

	t.Setenv(config.EnvConfig, "")
	t.Setenv(config.EnvOutputDir, "")
	t.Setenv(config.EnvCredentials, "")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())
}

// writeCLIConfig writes a config exporting Drive into outputDir with a
// single worker and returns its path.
func writeCLIConfig(t *testing.T, outputDir string) string {
	t.Helper()

	content := fmt.Sprintf(`output_dir = %q
workers = 1
poll_interval = "10ms"
base_backoff = "10ms"
max_backoff = "50ms"
services = ["drive"]
`, outputDir)

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

// runCLI executes the root command with args and returns what it wrote to
// stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(context.Background())

	return out.String(), err
}

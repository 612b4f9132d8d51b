package proxy

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-certd/internal/command"
)

type countingController struct {
	calls int
	err   error
}

func (c *countingController) Reload(context.Context) error {
	c.calls++
	return c.err
}

func TestApplyMissingFileWritesAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf.d", "nginx.conf")
	ctrl := &countingController{}
	w := NewWriter(path, ctrl, nil)

	changed, err := w.Apply(context.Background(), []byte("server {}\n"))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 1, ctrl.calls)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "server {}\n", string(data))
}

func TestApplyUnchangedIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nginx.conf")
	require.NoError(t, os.WriteFile(path, []byte("server {}\n"), 0o644))
	info, err := os.Stat(path)
	require.NoError(t, err)

	ctrl := &countingController{}
	w := NewWriter(path, ctrl, nil)

	changed, err := w.Apply(context.Background(), []byte("server {}\n"))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Zero(t, ctrl.calls)

	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info.ModTime(), after.ModTime(), "unchanged config must not be rewritten")
}

func TestApplyTrailingWhitespaceCountsAsChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nginx.conf")
	require.NoError(t, os.WriteFile(path, []byte("server {}\n"), 0o644))

	ctrl := &countingController{}
	w := NewWriter(path, ctrl, nil)

	changed, err := w.Apply(context.Background(), []byte("server {}\n "))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 1, ctrl.calls)
}

func TestApplyReplacesContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nginx.conf")
	require.NoError(t, os.WriteFile(path, []byte("a much longer previous configuration\n"), 0o644))

	w := NewWriter(path, &countingController{}, nil)
	_, err := w.Apply(context.Background(), []byte("short\n"))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "short\n", string(data))
}

func TestApplyReloadFailureIsRetried(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nginx.conf")
	ctrl := &countingController{err: errors.New("nginx: [emerg] invalid directive")}
	w := NewWriter(path, ctrl, nil)

	changed, err := w.Apply(context.Background(), []byte("v1"))
	require.Error(t, err)
	assert.True(t, changed)
	assert.ErrorIs(t, err, ErrReload)
	assert.NotErrorIs(t, err, ErrWrite)
	assert.True(t, w.ReloadPending())

	data, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.Equal(t, "v1", string(data), "file is written before the reload is attempted")

	// Same text, but the previous reload never succeeded.
	ctrl.err = nil
	changed, err = w.Apply(context.Background(), []byte("v1"))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 2, ctrl.calls)
	assert.False(t, w.ReloadPending())

	changed, err = w.Apply(context.Background(), []byte("v1"))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 2, ctrl.calls)
}

func TestApplyWriteFailureSkipsReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nginx.conf")
	require.NoError(t, os.MkdirAll(filepath.Join(path, "blocker"), 0o755))

	ctrl := &countingController{}
	w := NewWriter(path, ctrl, nil)

	changed, err := w.Apply(context.Background(), []byte("server {}"))
	require.Error(t, err)
	assert.False(t, changed)
	assert.ErrorIs(t, err, ErrWrite)
	assert.Zero(t, ctrl.calls)
}

func TestApplyLogsDiffAtDebug(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nginx.conf")
	require.NoError(t, os.WriteFile(path, []byte("line1\nold\n"), 0o644))

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	w := NewWriter(path, nil, logger)

	_, err := w.Apply(context.Background(), []byte("line1\nnew\n"))
	require.NoError(t, err)

	assert.Contains(t, buf.String(), "Proxy config diff")
	assert.Contains(t, buf.String(), "-old")
	assert.Contains(t, buf.String(), "+new")
}

// Applying the same text twice never writes or reloads the second time.
func TestApplyIdempotentProperty(t *testing.T) {
	dir := t.TempDir()
	rapid.Check(t, func(t *rapid.T) {
		path := filepath.Join(dir, rapid.StringMatching(`[a-z]{8}`).Draw(t, "file")+".conf")
		text := []byte(rapid.String().Draw(t, "text"))

		ctrl := &countingController{}
		w := NewWriter(path, ctrl, nil)

		if _, err := w.Apply(context.Background(), text); err != nil {
			t.Fatalf("first apply: %v", err)
		}
		reloads := ctrl.calls

		changed, err := w.Apply(context.Background(), text)
		if err != nil {
			t.Fatalf("second apply: %v", err)
		}
		if changed || ctrl.calls != reloads {
			t.Fatalf("second apply changed=%v reloads=%d->%d", changed, reloads, ctrl.calls)
		}
	})
}

func TestCommandController(t *testing.T) {
	var got []string
	runner := command.RunnerFunc(func(_ context.Context, name string, args ...string) ([]byte, error) {
		got = append([]string{name}, args...)
		return nil, nil
	})

	ctrl, err := NewCommandController(runner, []string{"nginx", "-s", "reload"}, nil)
	require.NoError(t, err)
	require.NoError(t, ctrl.Reload(context.Background()))
	assert.Equal(t, []string{"nginx", "-s", "reload"}, got)

	_, err = NewCommandController(runner, nil, nil)
	assert.Error(t, err)
}

func TestCommandControllerFailure(t *testing.T) {
	runner := command.RunnerFunc(func(context.Context, string, ...string) ([]byte, error) {
		return []byte("nginx: [error] invalid PID number"), &command.Error{Command: []string{"nginx"}, ExitCode: 1}
	})
	ctrl, err := NewCommandController(runner, []string{"nginx", "-s", "reload"}, nil)
	require.NoError(t, err)

	err = ctrl.Reload(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "proxy reload")
}

func TestControllerFunc(t *testing.T) {
	called := false
	var c Controller = ControllerFunc(func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, c.Reload(context.Background()))
	assert.True(t, called)
}

package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/polisai/polis-certd/internal/fileutil"
)

// Sentinel errors distinguishing which half of an apply failed.
var (
	ErrWrite  = errors.New("config write failed")
	ErrReload = errors.New("proxy reload failed")
)

// Writer is the only writer of the proxy configuration file. It writes and
// reloads only when the rendered text differs byte for byte from the file.
type Writer struct {
	path       string
	controller Controller
	logger     *slog.Logger

	mu            sync.Mutex
	reloadPending bool
}

// NewWriter returns a writer for path.
func NewWriter(path string, controller Controller, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{path: path, controller: controller, logger: logger}
}

// Path returns the managed configuration file.
func (w *Writer) Path() string {
	return w.path
}

// ReloadPending reports whether a previous reload failed and has not yet
// been retried successfully.
func (w *Writer) ReloadPending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloadPending
}

// Apply writes text and reloads the proxy if text differs from the file on
// disk. A missing or unreadable file counts as different. No normalisation
// is applied: any byte difference, including whitespace, triggers a write.
//
// If a reload failed on an earlier call the reload is retried even when the
// file is unchanged, since the running proxy may still hold the old config.
func (w *Writer) Apply(ctx context.Context, text []byte) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	current, err := os.ReadFile(w.path)
	changed := true
	switch {
	case err == nil:
		changed = !bytes.Equal(current, text)
	case errors.Is(err, fs.ErrNotExist):
		current = nil
	default:
		w.logger.Warn("Cannot read current proxy config, rewriting it", "path", w.path, "error", err)
		current = nil
	}

	if !changed {
		if !w.reloadPending {
			return false, nil
		}
		w.logger.Info("Retrying pending proxy reload", "path", w.path)
		return false, w.reload(ctx)
	}

	w.logDiff(ctx, current, text)

	if err := fileutil.WriteFileAtomic(w.path, text, 0o644); err != nil {
		return false, fmt.Errorf("%w: %s: %w", ErrWrite, w.path, err)
	}
	w.logger.Info("Proxy config written", "path", w.path, "bytes", len(text))

	// The file changed, so the running proxy is stale until a reload succeeds.
	w.reloadPending = true
	return true, w.reload(ctx)
}

func (w *Writer) reload(ctx context.Context) error {
	if w.controller == nil {
		w.reloadPending = false
		return nil
	}
	if err := w.controller.Reload(ctx); err != nil {
		w.reloadPending = true
		return fmt.Errorf("%w: %w", ErrReload, err)
	}
	w.reloadPending = false
	return nil
}

func (w *Writer) logDiff(ctx context.Context, before, after []byte) {
	if !w.logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(before)),
		B:        difflib.SplitLines(string(after)),
		FromFile: w.path,
		ToFile:   w.path + " (rendered)",
		Context:  2,
	})
	if err != nil {
		return
	}
	w.logger.Debug("Proxy config diff", "path", w.path, "diff", diff)
}

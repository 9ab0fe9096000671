package writer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lamim/convoforge/internal/util"
)

// ErrTransientIOLock is returned once a write kept failing on lock contention
// for the whole retry budget.
var ErrTransientIOLock = errors.New("file stayed locked past retry budget")

// RetryObserver is told about every retried write
type RetryObserver func(op string)

// FileWriter performs durable writes, retrying while another process
// (a sync client, an indexer, a virus scanner) holds the file.
type FileWriter struct {
	policy  util.Backoff
	logger  *slog.Logger
	onRetry RetryObserver

	openFile   func(name string, flag int, perm os.FileMode) (*os.File, error)
	createTemp func(dir, pattern string) (*os.File, error)
	rename     func(oldpath, newpath string) error
}

// NewFileWriter creates a writer using the given backoff policy
func NewFileWriter(policy util.Backoff, logger *slog.Logger) *FileWriter {
	return &FileWriter{
		policy:     policy,
		logger:     logger,
		openFile:   os.OpenFile,
		createTemp: os.CreateTemp,
		rename:     os.Rename,
	}
}

// SetRetryObserver installs a hook called before each retried write
func (w *FileWriter) SetRetryObserver(fn RetryObserver) {
	w.onRetry = fn
}

// WriteAtomic replaces path with data via a synced temp file and rename, so
// readers see either the old or the new content, never a partial file.
func (w *FileWriter) WriteAtomic(ctx context.Context, path string, data []byte) error {
	return w.retry(ctx, "replace", path, func() error {
		return w.replaceOnce(path, data)
	})
}

func (w *FileWriter) replaceOnce(path string, data []byte) error {
	tmp, err := w.createTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := w.rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// AppendLine appends one newline-terminated line and syncs it to disk
func (w *FileWriter) AppendLine(ctx context.Context, path string, line []byte) error {
	buf := make([]byte, 0, len(line)+1)
	buf = append(append(buf, line...), '\n')

	return w.retry(ctx, "append", path, func() error {
		f, err := w.openFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		if _, err := f.Write(buf); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	})
}

// Move renames src to dst, retrying on lock contention. A missing src is not an error.
func (w *FileWriter) Move(ctx context.Context, src, dst string) error {
	err := w.retry(ctx, "move", src, func() error {
		return w.rename(src, dst)
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (w *FileWriter) retry(ctx context.Context, op, path string, fn func() error) error {
	_, err := w.policy.Retry(ctx,
		func(int) error { return fn() },
		IsTransient,
		func(attempt int, delay time.Duration, err error) {
			w.logger.Warn("Write blocked, retrying",
				"op", op,
				"path", path,
				"attempt", attempt,
				"backoff", delay,
				"error", err)
			if w.onRetry != nil {
				w.onRetry(op)
			}
		})
	if err == nil {
		return nil
	}
	if errors.Is(err, util.ErrAttemptsExhausted) {
		return fmt.Errorf("%w: %s %s: %w", ErrTransientIOLock, op, path, err)
	}
	return fmt.Errorf("%s %s: %w", op, path, err)
}

// IsTransient reports whether a filesystem error is likely lock contention
// that clears on its own.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, fs.ErrPermission) {
		return true
	}
	return isLockErrno(err)
}

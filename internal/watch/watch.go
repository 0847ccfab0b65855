// Package watch ingests text files from a directory tree into memoryd as they
// are created or changed.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/s11ngh/supermemory-selfhosted/internal/ignore"
	"github.com/s11ngh/supermemory-selfhosted/internal/logging"
	"github.com/s11ngh/supermemory-selfhosted/pkg/client"
)

// Source is the metadata.source value of watched documents.
const Source = "watch"

var (
	// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
	ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

	errTooLarge = errors.New("file exceeds size limit")
)

// Uploader is the subset of *client.Client the watcher calls.
type Uploader interface {
	UploadFile(ctx context.Context, filename string, r io.Reader, containerTag string, metadata map[string]any) (*client.Added, error)
}

// Config configures a Watcher.
type Config struct {
	Root         string
	Includes     []string
	Excludes     []string
	ContainerTag string
	// Debounce coalesces bursts of writes to the same file.
	Debounce time.Duration
	// MaxBytes skips larger files. Zero means 1 MiB.
	MaxBytes int64
	// Initial ingests every matching file once before watching.
	Initial bool
}

// Stats counts ingest outcomes.
type Stats struct {
	Ingested int
	Skipped  int
	Failed   int
}

// Watcher watches Config.Root and uploads matching files.
type Watcher struct {
	cfg      Config
	matcher  *ignore.Matcher
	uploader Uploader
	logger   *logging.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	stats  Stats
	ready  chan string
}

// New creates a Watcher. It does not touch the filesystem beyond reading
// ignore files.
func New(cfg Config, uploader Uploader, logger *logging.Logger) (*Watcher, error) {
	if uploader == nil {
		return nil, errors.New("uploader is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 200 * time.Millisecond
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 1 << 20
	}
	matcher, err := ignore.NewMatcher(cfg.Root, cfg.Includes, cfg.Excludes)
	if err != nil {
		return nil, err
	}
	cfg.Root = matcher.Root

	return &Watcher{
		cfg:      cfg,
		matcher:  matcher,
		uploader: uploader,
		logger:   logger,
		timers:   make(map[string]*time.Timer),
		ready:    make(chan string, 64),
	}, nil
}

// Stats returns a snapshot of the counters.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Run watches until ctx is cancelled. It returns nil on cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	defer func() {
		_ = fw.Close()
	}()

	if err := w.addTree(fw, w.cfg.Root); err != nil {
		return err
	}

	if w.cfg.Initial {
		if err := w.Scan(ctx); err != nil {
			return err
		}
	}

	w.logger.Info(ctx, "watching directory", zap.String("root", w.cfg.Root))
	defer w.stopTimers()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, fw, event)
		case path := <-w.ready:
			_ = w.Ingest(ctx, path)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn(ctx, "watcher error", zap.Error(err))
		}
	}
}

// Scan ingests every matching file under the root once.
func (w *Watcher) Scan(ctx context.Context) error {
	return filepath.WalkDir(w.cfg.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != w.cfg.Root && w.matcher.Excluded(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if w.matcher.Match(path) {
			_ = w.Ingest(ctx, path)
		}
		return nil
	})
}

// Ingest uploads one file. Empty and oversized files are skipped.
func (w *Watcher) Ingest(ctx context.Context, path string) error {
	rel, _ := filepath.Rel(w.cfg.Root, path)
	rel = filepath.ToSlash(rel)

	f, err := os.Open(path)
	if err != nil {
		w.count(func(s *Stats) { s.Failed++ })
		w.logger.Warn(ctx, "open failed", zap.String("path", rel), zap.Error(err))
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		w.count(func(s *Stats) { s.Failed++ })
		return err
	}
	if info.Size() == 0 {
		w.count(func(s *Stats) { s.Skipped++ })
		return nil
	}
	if info.Size() > w.cfg.MaxBytes {
		w.count(func(s *Stats) { s.Skipped++ })
		w.logger.Debug(ctx, "skipping large file", zap.String("path", rel), zap.Int64("bytes", info.Size()))
		return errTooLarge
	}

	added, err := w.uploader.UploadFile(ctx, filepath.Base(path), f, w.cfg.ContainerTag, map[string]any{
		"source": Source,
		"path":   rel,
	})
	if err != nil {
		w.count(func(s *Stats) { s.Failed++ })
		w.logger.Warn(ctx, "upload failed", zap.String("path", rel), zap.Error(err))
		return err
	}

	w.count(func(s *Stats) { s.Ingested++ })
	w.logger.Info(ctx, "ingested file", zap.String("path", rel), zap.String("id", added.ID))
	return nil
}

func (w *Watcher) handleEvent(ctx context.Context, fw *fsnotify.Watcher, event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if event.Has(fsnotify.Create) && !w.matcher.Excluded(event.Name) {
			if err := w.addTree(fw, event.Name); err != nil {
				w.logger.Warn(ctx, "watching new directory", zap.String("path", event.Name), zap.Error(err))
			}
		}
		return
	}
	if w.matcher.Match(event.Name) {
		w.schedule(event.Name)
	}
}

// schedule queues path for ingest once writes have been quiet for Debounce.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Reset(w.cfg.Debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.cfg.Debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		w.ready <- path
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
}

// addTree watches dir and every non-excluded directory below it.
func (w *Watcher) addTree(fw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.cfg.Root && w.matcher.Excluded(path) {
			return filepath.SkipDir
		}
		if err := fw.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) count(f func(*Stats)) {
	w.mu.Lock()
	f(&w.stats)
	w.mu.Unlock()
}

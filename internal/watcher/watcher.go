// Package watcher ingests product images dropped into inbox directories.
//
// Each inbox root is watched with fsnotify. Writes are debounced per path and
// handed to a Handler, which turns the image into a catalog product and a
// vector. Removed or renamed-away images are handed back for deletion.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 400 * time.Millisecond

// Handler receives inbox events. The indexer satisfies it.
type Handler interface {
	IndexFile(ctx context.Context, path string, allowedExts []string) error
	DeleteFile(ctx context.Context, path string) error
}

// InboxStats counts what the inbox has handed to its Handler.
type InboxStats struct {
	Ingested int64 `json:"ingested"`
	Removed  int64 `json:"removed"`
	Failed   int64 `json:"failed"`
}

// Inbox watches image directories and feeds new files to a Handler.
type Inbox struct {
	handler    Handler
	extensions []string
	recursive  bool
	debounce   time.Duration
	logger     *zap.Logger

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	roots   map[string][]string // root -> directories registered with fsnotify
	pending map[string]*time.Timer
	done    chan struct{}

	ingested atomic.Int64
	removed  atomic.Int64
	failed   atomic.Int64
}

// Option configures an Inbox.
type Option func(*Inbox)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(in *Inbox) {
		if l != nil {
			in.logger = l
		}
	}
}

// WithDebounce sets how long a path must be quiet before it is ingested.
func WithDebounce(d time.Duration) Option {
	return func(in *Inbox) {
		if d > 0 {
			in.debounce = d
		}
	}
}

// NewInbox creates an inbox. An empty extensions list accepts every file.
func NewInbox(handler Handler, extensions []string, recursive bool, opts ...Option) *Inbox {
	in := &Inbox{
		handler:    handler,
		extensions: extensions,
		recursive:  recursive,
		debounce:   defaultDebounce,
		logger:     zap.NewNop(),
		roots:      make(map[string][]string),
		pending:    make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Start begins watching roots. Missing roots are created. Events are handled
// until ctx is cancelled or Stop is called.
func (in *Inbox) Start(ctx context.Context, roots []string) error {
	in.mu.Lock()
	if in.fsw != nil {
		in.mu.Unlock()
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		in.mu.Unlock()
		return err
	}
	in.fsw = fsw
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	in.ctx, in.cancel, in.done = runCtx, cancel, done
	all := append([]string(nil), roots...)
	for root := range in.roots {
		all = append(all, root)
	}
	in.mu.Unlock()

	for _, root := range all {
		if err := in.AddDirectory(root); err != nil {
			in.Stop()
			return err
		}
	}
	go in.run(runCtx, fsw, done)
	in.logger.Info("Inbox started",
		zap.Strings("roots", in.Directories()),
		zap.Strings("extensions", in.extensions),
		zap.Bool("recursive", in.recursive))
	return nil
}

func (in *Inbox) run(ctx context.Context, fsw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			in.handleEvent(ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			in.logger.Warn("Inbox watch error", zap.Error(err))
		}
	}
}

func (in *Inbox) handleEvent(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	switch {
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		in.cancelPending(path)
		if !in.accepts(path) {
			return
		}
		in.logger.Debug("Inbox file removed", zap.String("path", path))
		if err := in.handler.DeleteFile(in.context(), path); err != nil {
			in.failed.Add(1)
			in.logger.Warn("Failed to remove inbox image", zap.String("path", path), zap.Error(err))
			return
		}
		in.removed.Add(1)
	case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		if info.IsDir() {
			if ev.Has(fsnotify.Create) && in.recursive {
				in.adoptDirectory(path)
			}
			return
		}
		if in.accepts(path) {
			in.schedule(path)
		}
	}
}

// adoptDirectory registers a directory created under a root and schedules the
// images already inside it, since they may have landed before the watch did.
func (in *Inbox) adoptDirectory(dir string) {
	root := in.rootOf(dir)
	if root == "" {
		return
	}
	dirs := in.walk(dir, nil)
	in.mu.Lock()
	if in.fsw == nil {
		in.mu.Unlock()
		return
	}
	for _, d := range dirs {
		if err := in.fsw.Add(d); err != nil {
			in.logger.Warn("Failed to watch directory", zap.String("dir", d), zap.Error(err))
			continue
		}
		in.roots[root] = append(in.roots[root], d)
	}
	in.mu.Unlock()
	in.walk(dir, in.schedule)
	in.logger.Debug("Inbox adopted directory", zap.String("dir", dir), zap.Int("watched", len(dirs)))
}

// walk returns dir plus, when recursive, every directory beneath it. fn is
// called for each accepted file found on the way.
func (in *Inbox) walk(dir string, fn func(path string)) []string {
	var dirs []string
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir && !in.recursive {
				return filepath.SkipDir
			}
			dirs = append(dirs, path)
			return nil
		}
		if fn != nil && in.accepts(path) {
			fn(path)
		}
		return nil
	})
	return dirs
}

func (in *Inbox) schedule(path string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if t, ok := in.pending[path]; ok {
		t.Stop()
	}
	in.pending[path] = time.AfterFunc(in.debounce, func() {
		in.mu.Lock()
		delete(in.pending, path)
		in.mu.Unlock()
		in.ingest(path)
	})
}

func (in *Inbox) cancelPending(path string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if t, ok := in.pending[path]; ok {
		t.Stop()
		delete(in.pending, path)
	}
}

func (in *Inbox) ingest(path string) {
	ctx := in.context()
	if ctx.Err() != nil {
		return
	}
	if err := in.handler.IndexFile(ctx, path, in.extensions); err != nil {
		in.failed.Add(1)
		in.logger.Warn("Failed to ingest inbox image", zap.String("path", path), zap.Error(err))
		return
	}
	in.ingested.Add(1)
	in.logger.Debug("Inbox image ingested", zap.String("path", path))
}

func (in *Inbox) context() context.Context {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.ctx == nil {
		return context.Background()
	}
	return in.ctx
}

// AddDirectory starts watching root, creating it when missing. Roots added
// before Start are registered with fsnotify when Start runs.
func (in *Inbox) AddDirectory(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return err
	}
	dirs := in.walk(abs, nil)

	in.mu.Lock()
	defer in.mu.Unlock()
	if dirs, ok := in.roots[abs]; ok && len(dirs) > 0 {
		return nil
	}
	var watched []string
	if in.fsw != nil {
		for _, d := range dirs {
			if err := in.fsw.Add(d); err != nil {
				in.logger.Warn("Failed to watch directory", zap.String("dir", d), zap.Error(err))
				continue
			}
			watched = append(watched, d)
		}
	}
	in.roots[abs] = watched
	in.logger.Debug("Inbox directory added", zap.String("root", abs), zap.Int("watched", len(watched)))
	return nil
}

// RemoveDirectory stops watching root and everything registered under it.
func (in *Inbox) RemoveDirectory(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	dirs, ok := in.roots[abs]
	if !ok {
		return nil
	}
	if in.fsw != nil {
		for _, d := range dirs {
			_ = in.fsw.Remove(d)
		}
	}
	delete(in.roots, abs)
	for path, t := range in.pending {
		if inDir(abs, path) {
			t.Stop()
			delete(in.pending, path)
		}
	}
	return nil
}

// Directories returns the watched roots, sorted.
func (in *Inbox) Directories() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]string, 0, len(in.roots))
	for root := range in.roots {
		out = append(out, root)
	}
	sort.Strings(out)
	return out
}

// Sync ingests every accepted image already present under the roots and
// returns how many were handed to the Handler without error.
func (in *Inbox) Sync(ctx context.Context) int {
	var n int
	for _, root := range in.Directories() {
		in.walk(root, func(path string) {
			if ctx.Err() != nil {
				return
			}
			if err := in.handler.IndexFile(ctx, path, in.extensions); err != nil {
				in.failed.Add(1)
				in.logger.Warn("Failed to ingest inbox image", zap.String("path", path), zap.Error(err))
				return
			}
			in.ingested.Add(1)
			n++
		})
	}
	return n
}

// Stats returns the event counters.
func (in *Inbox) Stats() InboxStats {
	return InboxStats{
		Ingested: in.ingested.Load(),
		Removed:  in.removed.Load(),
		Failed:   in.failed.Load(),
	}
}

// Stop cancels pending ingests and closes the fsnotify watcher. Safe to call
// more than once.
func (in *Inbox) Stop() {
	in.mu.Lock()
	fsw, cancel, done := in.fsw, in.cancel, in.done
	in.fsw = nil
	for path, t := range in.pending {
		t.Stop()
		delete(in.pending, path)
	}
	in.mu.Unlock()
	if fsw == nil {
		return
	}
	cancel()
	_ = fsw.Close()
	if done != nil {
		<-done
	}
}

func (in *Inbox) accepts(path string) bool {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return false
	}
	return matchExtension(path, in.extensions)
}

func (in *Inbox) rootOf(path string) string {
	in.mu.Lock()
	defer in.mu.Unlock()
	for root := range in.roots {
		if inDir(root, path) {
			return root
		}
	}
	return ""
}

func matchExtension(path string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range extensions {
		if strings.ToLower(e) == ext {
			return true
		}
	}
	return false
}

func inDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingHandler struct {
	mu      sync.Mutex
	indexed []string
	deleted []string
	failOn  string
}

func (h *recordingHandler) IndexFile(_ context.Context, path string, _ []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failOn != "" && strings.HasSuffix(path, h.failOn) {
		return errors.New("boom")
	}
	h.indexed = append(h.indexed, path)
	return nil
}

func (h *recordingHandler) DeleteFile(_ context.Context, path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deleted = append(h.deleted, path)
	return nil
}

func (h *recordingHandler) snapshot() (indexed, deleted []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.indexed...), append([]string(nil), h.deleted...)
}

func hasSuffix(paths []string, suffix string) bool {
	for _, p := range paths {
		if strings.HasSuffix(p, suffix) {
			return true
		}
	}
	return false
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func startInbox(t *testing.T, h Handler, exts []string, roots ...string) *Inbox {
	t.Helper()
	in := NewInbox(h, exts, true, WithDebounce(30*time.Millisecond))
	if err := in.Start(context.Background(), roots); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(in.Stop)
	return in
}

func TestInbox_IngestsNewImage(t *testing.T) {
	dir := t.TempDir()
	h := &recordingHandler{}
	in := startInbox(t, h, []string{".jpg", ".png"}, dir)

	writeFile(t, filepath.Join(dir, "sku-1.jpg"))
	writeFile(t, filepath.Join(dir, "notes.txt"))

	eventually(t, func() bool {
		indexed, _ := h.snapshot()
		return hasSuffix(indexed, "sku-1.jpg")
	})
	indexed, _ := h.snapshot()
	if hasSuffix(indexed, "notes.txt") {
		t.Errorf("notes.txt should be filtered out, got %v", indexed)
	}
	if got := in.Stats().Ingested; got < 1 {
		t.Errorf("Ingested = %d, want >= 1", got)
	}
}

func TestInbox_DebouncesRepeatedWrites(t *testing.T) {
	dir := t.TempDir()
	h := &recordingHandler{}
	in := NewInbox(h, []string{".png"}, true, WithDebounce(200*time.Millisecond))
	if err := in.Start(context.Background(), []string{dir}); err != nil {
		t.Fatal(err)
	}
	defer in.Stop()

	path := filepath.Join(dir, "a.png")
	for i := 0; i < 5; i++ {
		writeFile(t, path)
		time.Sleep(10 * time.Millisecond)
	}
	eventually(t, func() bool {
		indexed, _ := h.snapshot()
		return len(indexed) > 0
	})
	time.Sleep(300 * time.Millisecond)
	indexed, _ := h.snapshot()
	if len(indexed) != 1 {
		t.Errorf("expected a single ingest after debounce, got %v", indexed)
	}
}

func TestInbox_RemovedImageIsDeleted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gone.jpg")
	writeFile(t, path)

	h := &recordingHandler{}
	in := startInbox(t, h, []string{".jpg"}, dir)
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool {
		_, deleted := h.snapshot()
		return hasSuffix(deleted, "gone.jpg")
	})
	if got := in.Stats().Removed; got != 1 {
		t.Errorf("Removed = %d, want 1", got)
	}
}

func TestInbox_NewFolderIsAdopted(t *testing.T) {
	dir := t.TempDir()
	h := &recordingHandler{}
	startInbox(t, h, []string{".jpg", ".webp"}, dir)

	nested := filepath.Join(dir, "drop", "batch")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(nested, "deep.webp"))
	writeFile(t, filepath.Join(dir, "drop", "top.jpg"))

	eventually(t, func() bool {
		indexed, _ := h.snapshot()
		return hasSuffix(indexed, "deep.webp") && hasSuffix(indexed, "top.jpg")
	})
}

func TestInbox_FailuresAreCounted(t *testing.T) {
	dir := t.TempDir()
	h := &recordingHandler{failOn: "bad.jpg"}
	in := startInbox(t, h, []string{".jpg"}, dir)

	writeFile(t, filepath.Join(dir, "bad.jpg"))
	eventually(t, func() bool { return in.Stats().Failed == 1 })
	if got := in.Stats().Ingested; got != 0 {
		t.Errorf("Ingested = %d, want 0", got)
	}
}

func TestInbox_SyncIngestsExistingImages(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.jpg"))
	writeFile(t, filepath.Join(dir, ".hidden.jpg"))
	writeFile(t, filepath.Join(dir, "ignore.xyz"))
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "sub", "b.JPG"))

	h := &recordingHandler{}
	in := NewInbox(h, []string{".jpg"}, true)
	if err := in.AddDirectory(dir); err != nil {
		t.Fatal(err)
	}
	if n := in.Sync(context.Background()); n != 2 {
		t.Errorf("Sync = %d, want 2", n)
	}
	indexed, _ := h.snapshot()
	if !hasSuffix(indexed, "a.jpg") || !hasSuffix(indexed, "b.JPG") {
		t.Errorf("unexpected ingests: %v", indexed)
	}
}

func TestInbox_SyncNonRecursive(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.jpg"))
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "sub", "b.jpg"))

	h := &recordingHandler{}
	in := NewInbox(h, []string{".jpg"}, false)
	if err := in.AddDirectory(dir); err != nil {
		t.Fatal(err)
	}
	if n := in.Sync(context.Background()); n != 1 {
		t.Errorf("Sync = %d, want 1", n)
	}
}

func TestInbox_AddRemoveDirectories(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "inbox", "new")
	h := &recordingHandler{}
	in := startInbox(t, h, nil)

	if err := in.AddDirectory(root); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(root); err != nil {
		t.Errorf("root should be created: %v", err)
	}
	if dirs := in.Directories(); len(dirs) != 1 || dirs[0] != root {
		t.Errorf("Directories = %v, want [%s]", dirs, root)
	}
	if err := in.RemoveDirectory(root); err != nil {
		t.Fatal(err)
	}
	if dirs := in.Directories(); len(dirs) != 0 {
		t.Errorf("Directories after remove = %v", dirs)
	}
}

func TestInbox_StopIsIdempotent(t *testing.T) {
	in := NewInbox(&recordingHandler{}, nil, true)
	in.Stop()
	if err := in.Start(context.Background(), []string{t.TempDir()}); err != nil {
		t.Fatal(err)
	}
	in.Stop()
	in.Stop()
}

func TestMatchExtension(t *testing.T) {
	tests := []struct {
		path       string
		extensions []string
		want       bool
	}{
		{"/a/b.jpg", []string{".jpg"}, true},
		{"/a/b.JPG", []string{".jpg"}, true},
		{"/a/b.png", []string{".JPG", ".PNG"}, true},
		{"/a/b.gif", []string{".jpg"}, false},
		{"/a/b", nil, true},
		{"/a/b", []string{}, true},
	}
	for _, tt := range tests {
		if got := matchExtension(tt.path, tt.extensions); got != tt.want {
			t.Errorf("matchExtension(%q, %v) = %v, want %v", tt.path, tt.extensions, got, tt.want)
		}
	}
}

func TestInDir(t *testing.T) {
	tests := []struct {
		dir  string
		path string
		want bool
	}{
		{"/tmp/a", "/tmp/a", true},
		{"/tmp/a", "/tmp/a/b.jpg", true},
		{"/tmp/a", "/tmp/b", false},
		{"/tmp/a", "/tmp/ab", false},
		{"/tmp/a", "/tmp/a/../b", false},
	}
	for _, tt := range tests {
		if got := inDir(tt.dir, tt.path); got != tt.want {
			t.Errorf("inDir(%q, %q) = %v, want %v", tt.dir, tt.path, got, tt.want)
		}
	}
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("image-bytes"), 0o600); err != nil {
		t.Fatal(err)
	}
}

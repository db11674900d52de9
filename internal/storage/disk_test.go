package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMeasureDiskUsage(t *testing.T) {
	dir := t.TempDir()

	snap := filepath.Join(dir, "vectors.snap")
	if err := os.WriteFile(snap, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	journal := filepath.Join(dir, "journal")
	if err := os.Mkdir(journal, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(journal, "000001.vlog"), []byte("ab"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(journal, "MANIFEST"), []byte("c"), 0644); err != nil {
		t.Fatal(err)
	}

	usage, err := MeasureDiskUsage(map[string]string{
		"snapshot": snap,
		"journal":  journal,
		"catalog":  filepath.Join(dir, "missing.db"),
		"unset":    "",
	})
	if err != nil {
		t.Fatal(err)
	}
	if usage.Paths["snapshot"] != 5 {
		t.Errorf("snapshot: got %d bytes, want 5", usage.Paths["snapshot"])
	}
	if usage.Paths["journal"] != 3 {
		t.Errorf("journal: got %d bytes, want 3", usage.Paths["journal"])
	}
	if usage.Paths["catalog"] != 0 || usage.Paths["unset"] != 0 {
		t.Errorf("missing and empty paths should be 0: %v", usage.Paths)
	}
	if usage.Total != 8 {
		t.Errorf("total: got %d, want 8", usage.Total)
	}
}

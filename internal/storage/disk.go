package storage

import (
	"io/fs"
	"os"
	"path/filepath"
)

// DiskUsage is the on-disk footprint of the catalog, snapshot and journal.
type DiskUsage struct {
	Paths map[string]int64 `json:"paths"`
	Total int64            `json:"total_bytes"`
}

// MeasureDiskUsage sums the size of each named path. A path may be a file or a
// directory (summed recursively). Empty and missing paths count as 0.
func MeasureDiskUsage(paths map[string]string) (DiskUsage, error) {
	usage := DiskUsage{Paths: make(map[string]int64, len(paths))}
	for name, p := range paths {
		n, err := pathSize(p)
		if err != nil {
			return DiskUsage{}, err
		}
		usage.Paths[name] = n
		usage.Total += n
	}
	return usage, nil
}

func pathSize(p string) (int64, error) {
	if p == "" {
		return 0, nil
	}
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	if !info.IsDir() {
		return info.Size(), nil
	}
	var total int64
	err = filepath.WalkDir(p, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		total += fi.Size()
		return nil
	})
	return total, err
}

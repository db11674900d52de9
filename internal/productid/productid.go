// Package productid derives product identifiers from inbox image paths.
package productid

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
)

const hashPrefix = "img:"

// FromPath returns the product ID for an image file: its base name without
// extension ("/inbox/SKU-123.jpg" -> "SKU-123"). Names that are empty after
// trimming fall back to a stable hash of the cleaned path.
func FromPath(path string) string {
	base := filepath.Base(filepath.Clean(path))
	stem := strings.TrimSpace(strings.TrimSuffix(base, filepath.Ext(base)))
	if stem != "" && stem != "." && stem != string(filepath.Separator) {
		return stem
	}
	hash := sha256.Sum256([]byte(filepath.Clean(path)))
	return hashPrefix + hex.EncodeToString(hash[:])
}

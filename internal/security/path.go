package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateFilePath rejects paths that are empty, carry NUL bytes or walk up
// the tree with "..". Absolute paths are allowed; the database file usually
// lives on a mounted volume.
func ValidateFilePath(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("file path cannot be empty")
	}
	if strings.ContainsRune(path, '\x00') {
		return fmt.Errorf("file path contains NUL byte")
	}

	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("path contains directory traversal: %s", path)
		}
	}

	if filepath.Base(filepath.Clean(path)) == string(filepath.Separator) {
		return fmt.Errorf("path names a directory: %s", path)
	}

	return nil
}

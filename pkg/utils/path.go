package utils

import (
	"fmt"
	"path/filepath"
	"strings"
)

// SecureJoin safely joins path elements under base and ensures the
// result stays within it. Unlike filepath.Join, it rejects a
// combination that escapes base through directory traversal — the
// object store uses this to join a content digest's two shard
// components onto its root, since digests can arrive from outside the
// process (read back out of the metadata index) rather than always
// being freshly computed from a Put.
func SecureJoin(base string, elements ...string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("base path cannot be empty")
	}

	cleanBase := filepath.Clean(base)
	fullPath := filepath.Join(append([]string{cleanBase}, elements...)...)

	if !strings.HasPrefix(fullPath, cleanBase+string(filepath.Separator)) && fullPath != cleanBase {
		return "", fmt.Errorf("path escapes base directory")
	}

	return fullPath, nil
}

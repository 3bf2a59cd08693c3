package config

import (
	"path/filepath"
	"strings"
)

// ResolveLocalPath resolves a relative file reference against baseDir.
// URLs, s3:// and data: references are returned unchanged.
func ResolveLocalPath(raw, baseDir string) string {
	target := strings.TrimSpace(raw)
	if target == "" || strings.Contains(target, "://") || strings.HasPrefix(target, "data:") {
		return target
	}
	if filepath.IsAbs(target) {
		return filepath.Clean(target)
	}
	if strings.TrimSpace(baseDir) == "" {
		baseDir = "."
	}
	return filepath.Clean(filepath.Join(baseDir, target))
}

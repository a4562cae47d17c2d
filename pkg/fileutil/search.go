package fileutil

import (
	"os"
	"path/filepath"
)

// ConfigFileName is the name searched for when no --config flag is given
const ConfigFileName = "alerthook.yaml"

// SearchPathsOptional looks for a file in multiple locations.
// Returns the first path that exists as a regular file, or empty string if none do.
func SearchPathsOptional(paths []string) string {
	for _, path := range paths {
		if FileExists(path) {
			return path
		}
	}
	return ""
}

// DefaultConfigPaths returns standard config search paths for a given filename.
// Search order:
// 1. Current directory (./<filename>)
// 2. Config subdirectory (./config/<filename>)
// 3. System-wide config (/etc/alerthook/<filename>)
func DefaultConfigPaths(filename string) []string {
	return []string{
		filepath.Join(".", filename),
		filepath.Join(".", "config", filename),
		filepath.Join("/etc/alerthook", filename),
	}
}

// FindConfigOptional searches the default locations for the alerthook config.
// An empty result means "run on defaults and environment only".
func FindConfigOptional() string {
	return SearchPathsOptional(DefaultConfigPaths(ConfigFileName))
}

// FileExists checks if a file exists and is not a directory.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

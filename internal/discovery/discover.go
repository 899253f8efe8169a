// Package discovery finds camera clips under an input path.
package discovery

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Supported video extensions (lowercase, with leading dot).
var videoExtensions = map[string]bool{
	".mov": true,
	".mp4": true,
	".mxf": true,
	".m4v": true,
}

// Extensions returns the supported extensions, sorted.
func Extensions() []string {
	out := make([]string, 0, len(videoExtensions))
	for ext := range videoExtensions {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// IsVideo matches the extension case-insensitively.
func IsVideo(path string) bool {
	return videoExtensions[strings.ToLower(filepath.Ext(path))]
}

// Discover returns the video files under root in lexicographic order. A root
// that is itself a file is returned alone when it has a video extension.
// Without recursive only the immediate directory is listed.
func Discover(root string, recursive bool) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("input path: %w", err)
	}
	if !info.IsDir() {
		if IsVideo(root) {
			return []string{root}, nil
		}
		return nil, nil
	}

	var files []string
	if !recursive {
		entries, err := os.ReadDir(root)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", root, err)
		}
		for _, e := range entries {
			path := filepath.Join(root, e.Name())
			if IsVideo(path) && isFile(path, e) {
				files = append(files, path)
			}
		}
		return files, nil
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if IsVideo(path) && isFile(path, d) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// isFile accepts regular files and symlinks to regular files. Dangling links
// and links to directories are skipped.
func isFile(path string, d fs.DirEntry) bool {
	if d.Type().IsRegular() {
		return true
	}
	if d.Type()&fs.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

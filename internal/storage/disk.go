package storage

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// fileBytes sums the sizes of the regular files among paths. Missing paths count as zero.
func fileBytes(paths ...string) (int64, error) {
	var total int64
	for _, p := range paths {
		info, err := os.Stat(p)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			continue
		case err != nil:
			return 0, err
		case info.Mode().IsRegular():
			total += info.Size()
		}
	}
	return total, nil
}

// UsageByPrefix returns the bytes used by each snapshot found directly in dir.
// Temp files and names PrefixOf does not recognize are not counted. A missing
// directory yields an empty map.
func UsageByPrefix(dir string) (map[string]int64, error) {
	usage := make(map[string]int64)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return usage, nil
	}
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		prefix, ok := PrefixOf(e.Name())
		if !ok {
			continue
		}
		n, err := fileBytes(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		usage[prefix] += n
	}
	return usage, nil
}

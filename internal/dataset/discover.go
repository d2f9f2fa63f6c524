package dataset

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"retina-forge/internal/failure"
)

// DefaultExtensions are the image suffixes indexed when none are configured.
var DefaultExtensions = []string{".jpeg", ".jpg", ".png"}

// DiscoverImages maps image key (file name without extension) to its path for
// every file beneath root whose extension is in exts. Two files sharing a key
// are a dataset error.
func DiscoverImages(root string, exts []string) (map[string]string, error) {
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	allowed := make(map[string]bool, len(exts))
	for _, ext := range exts {
		allowed[strings.ToLower(ext)] = true
	}

	paths := make([]string, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if allowed[strings.ToLower(filepath.Ext(d.Name()))] {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, failure.New(failure.Dataset, "discover images", err)
	}
	sort.Strings(paths)

	images := make(map[string]string, len(paths))
	for _, path := range paths {
		key := keyOf(path)
		if prev, ok := images[key]; ok {
			return nil, failure.Newf(failure.Dataset, "discover images", "duplicate key %q: %s and %s", key, prev, path)
		}
		images[key] = path
	}
	return images, nil
}

func keyOf(path string) string {
	name := filepath.Base(path)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func describeMissing(keys []string) string {
	const show = 5
	if len(keys) <= show {
		return strings.Join(keys, ", ")
	}
	return fmt.Sprintf("%s and %d more", strings.Join(keys[:show], ", "), len(keys)-show)
}

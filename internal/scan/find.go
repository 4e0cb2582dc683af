package scan

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Version control metadata is never deployed.
var ignoredDirs = map[string]bool{
	".git": true,
	".hg":  true,
	".svn": true,
}

// Find expands glob patterns relative to root. Matched directories are walked
// recursively. The result holds absolute paths inside root, deduplicated and
// sorted.
func Find(root string, patterns []string) ([]string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving game path: %w", err)
	}

	seen := make(map[string]bool)
	add := func(p string) {
		rel, err := filepath.Rel(absRoot, p)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return
		}
		seen[p] = true
	}

	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		full := filepath.Join(absRoot, filepath.FromSlash(pattern))
		matches, err := filepath.Glob(full)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			if hiddenMatch(full, m) || ignoredPath(absRoot, m) {
				continue
			}
			info, err := os.Stat(m)
			if err != nil {
				continue
			}
			if !info.IsDir() {
				add(m)
				continue
			}
			err = filepath.WalkDir(m, func(p string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if d.IsDir() {
					if ignoredDirs[d.Name()] {
						return filepath.SkipDir
					}
					return nil
				}
				add(p)
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("walking %s: %w", m, err)
			}
		}
	}

	files := make([]string, 0, len(seen))
	for p := range seen {
		files = append(files, p)
	}
	sort.Strings(files)
	return files, nil
}

// hiddenMatch reports whether a wildcard element of pattern matched a
// dot-name. Wildcards only match a leading dot when the element itself
// starts with one.
func hiddenMatch(pattern, match string) bool {
	pe := strings.Split(pattern, string(filepath.Separator))
	me := strings.Split(match, string(filepath.Separator))
	if len(pe) != len(me) {
		return false
	}
	for i, elem := range pe {
		if !strings.ContainsAny(elem, "*?[") || strings.HasPrefix(elem, ".") {
			continue
		}
		if strings.HasPrefix(me[i], ".") {
			return true
		}
	}
	return false
}

// ignoredPath reports whether p lies in a version control folder below root.
func ignoredPath(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	for _, elem := range strings.Split(rel, string(filepath.Separator)) {
		if ignoredDirs[elem] {
			return true
		}
	}
	return false
}

// RelPath returns the slash-separated path of abs relative to root.
func RelPath(root, abs string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absRoot, abs)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

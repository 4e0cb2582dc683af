// Package artifact manages the on-disk cache of compressed transport
// artifacts and per-game metadata blobs.
//
// Layout under the cache directory:
//
//	<slug>.json.gz        metadata cache for one game
//	<slug>/<rel>.gz       compressed artifact for one source file
//	__cached_hashes__/    hash cache files shared across games
package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/bianoble/hubdeploy/internal/sandbox"
)

// Ext is appended to a source path to name its artifact.
const Ext = ".gz"

// MetadataExt names the per-game metadata blob.
const MetadataExt = ".json.gz"

// Store holds the artifacts of one game.
type Store struct {
	cacheDir string
	slug     string
	dir      string
}

// New opens the store for slug under cacheDir, creating it if needed.
// The slug must stay inside cacheDir.
func New(cacheDir, slug string) (*Store, error) {
	if slug == "" || strings.ContainsAny(slug, `/\`) || slug == "." || slug == ".." {
		return nil, fmt.Errorf("invalid game slug %q", slug)
	}
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("creating cache directory %s: %w", cacheDir, err)
	}
	if err := sandbox.SafeMkdirAll(cacheDir, slug, 0755); err != nil {
		return nil, fmt.Errorf("creating artifact directory for %s: %w", slug, err)
	}
	dir, err := sandbox.ValidatePath(cacheDir, slug)
	if err != nil {
		return nil, err
	}
	return &Store{cacheDir: cacheDir, slug: slug, dir: dir}, nil
}

// DefaultDir returns the default cache directory.
// Uses XDG_CACHE_HOME if set, otherwise ~/.cache/hubdeploy.
func DefaultDir() string {
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "hubdeploy")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		if runtime.GOOS == "windows" {
			return filepath.Join(os.TempDir(), "hubdeploy-cache")
		}
		return filepath.Join("/tmp", "hubdeploy-cache")
	}
	return filepath.Join(home, ".cache", "hubdeploy")
}

// Dir returns the artifact directory of the game.
func (s *Store) Dir() string {
	return s.dir
}

// Slug returns the game slug the store belongs to.
func (s *Store) Slug() string {
	return s.slug
}

// MetadataPath returns the location of the game's metadata blob.
func (s *Store) MetadataPath() string {
	return filepath.Join(s.cacheDir, s.slug+MetadataExt)
}

// Path returns where the artifact for the slash-separated rel path lives.
func (s *Store) Path(rel string) (string, error) {
	return sandbox.ValidatePath(s.dir, rel+Ext)
}

// Remove deletes the artifact for rel. A missing artifact is not an error.
func (s *Store) Remove(rel string) error {
	return sandbox.SafeRemove(s.dir, rel+Ext)
}

// Size returns the total size of the game's artifacts in bytes.
func (s *Store) Size() (int64, error) {
	var total int64
	err := filepath.Walk(s.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// Clear deletes every artifact and the metadata blob of the game.
func (s *Store) Clear() error {
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("removing %s: %w", s.dir, err)
	}
	if err := os.Remove(s.MetadataPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", s.MetadataPath(), err)
	}
	return nil
}

// IsArtifact reports whether path names a compressed artifact.
func IsArtifact(path string) bool {
	return strings.HasSuffix(path, Ext)
}

// Rename moves the cached state of oldSlug to newSlug, replacing whatever
// newSlug had. A game with no cached state is not an error.
func Rename(cacheDir, oldSlug, newSlug string) error {
	if oldSlug == newSlug {
		return nil
	}
	for _, slug := range []string{oldSlug, newSlug} {
		if _, err := sandbox.ValidatePath(cacheDir, slug); err != nil {
			return err
		}
	}

	oldFile := filepath.Join(cacheDir, oldSlug+MetadataExt)
	newFile := filepath.Join(cacheDir, newSlug+MetadataExt)
	oldDir := filepath.Join(cacheDir, oldSlug)
	newDir := filepath.Join(cacheDir, newSlug)

	// The destination must be gone or the old folder ends up inside it.
	if err := os.Remove(newFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", newFile, err)
	}
	if err := os.RemoveAll(newDir); err != nil {
		return fmt.Errorf("removing %s: %w", newDir, err)
	}

	if err := os.Rename(oldFile, newFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("renaming %s: %w", oldFile, err)
	}
	if err := os.Rename(oldDir, newDir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("renaming %s: %w", oldDir, err)
	}
	return nil
}

// Slugs lists the games that have a metadata blob under cacheDir.
func Slugs(cacheDir string) ([]string, error) {
	entries, err := os.ReadDir(cacheDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading cache directory %s: %w", cacheDir, err)
	}

	var slugs []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), MetadataExt) {
			continue
		}
		slugs = append(slugs, strings.TrimSuffix(e.Name(), MetadataExt))
	}
	sort.Strings(slugs)
	return slugs, nil
}

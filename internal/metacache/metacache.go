// Package metacache persists per-file hashing results between runs so
// unchanged files are not rehashed.
//
// The blob is gzip-compressed compact JSON keyed by slash-separated relative
// path. Its modification time is the freshness watermark: files whose change
// time is not later than it may reuse their cached entry.
package metacache

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/bianoble/hubdeploy/internal/logging"
	"github.com/bianoble/hubdeploy/internal/sandbox"
)

// Entry records what was learned about one source file.
type Entry struct {
	Hash   string `json:"hash"`
	Length int64  `json:"length"`
	MD5    string `json:"md5"`
}

// Entries maps relative path to entry.
type Entries map[string]Entry

// Remover deletes the compressed artifact of a relative path.
type Remover interface {
	Remove(rel string) error
}

// Cache reads and writes one game's metadata blob.
type Cache struct {
	path     string
	log      *zap.Logger
	previous Entries
}

// New returns a cache stored at path.
func New(path string, log *zap.Logger) *Cache {
	return &Cache{path: path, log: logging.OrNop(log)}
}

// Path returns the blob location.
func (c *Cache) Path() string {
	return c.path
}

// Read loads the blob. A missing or unreadable blob yields the zero
// watermark, which marks every file as needing a hash.
func (c *Cache) Read() (time.Time, Entries) {
	c.previous = Entries{}

	info, err := os.Stat(c.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.log.Warn("metadata cache unavailable", zap.String("path", c.path), zap.Error(err))
		}
		return time.Time{}, Entries{}
	}

	entries, err := c.decode()
	if err != nil {
		c.log.Warn("discarding corrupt metadata cache", zap.String("path", c.path), zap.Error(err))
		return time.Time{}, Entries{}
	}

	c.previous = entries
	out := make(Entries, len(entries))
	for k, v := range entries {
		out[k] = v
	}
	return info.ModTime(), out
}

func (c *Cache) decode() (Entries, error) {
	f, err := os.Open(c.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := gzip.NewReader(bufio.NewReader(f))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var entries Entries
	if err := json.NewDecoder(zr).Decode(&entries); err != nil {
		return nil, err
	}
	if entries == nil {
		entries = Entries{}
	}
	return entries, nil
}

// Write replaces the blob with entries and stamps it with watermark. A zero
// watermark leaves the write time in place.
func (c *Cache) Write(entries Entries, watermark time.Time) error {
	err := sandbox.WriteAtomic(c.path, 0644, func(w io.Writer) error {
		zw, err := gzip.NewWriterLevel(w, gzip.BestCompression)
		if err != nil {
			return err
		}
		if err := Encode(zw, entries); err != nil {
			return err
		}
		return zw.Close()
	})
	if err != nil {
		return fmt.Errorf("writing metadata cache %s: %w", c.path, err)
	}

	if !watermark.IsZero() {
		if err := os.Chtimes(c.path, watermark, watermark); err != nil {
			return fmt.Errorf("stamping metadata cache %s: %w", c.path, err)
		}
	}
	return nil
}

// Encode writes entries as compact JSON with sorted keys and no trailing
// newline.
func Encode(w io.Writer, entries Entries) error {
	if entries == nil {
		entries = Entries{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(entries); err != nil {
		return err
	}
	_, err := w.Write(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
	return err
}

// Prune deletes the artifacts of every path known at the last Read that is
// absent from current. It returns how many artifacts were removed.
func (c *Cache) Prune(current Entries, artifacts Remover) int {
	removed := 0
	for rel := range c.previous {
		if _, ok := current[rel]; ok {
			continue
		}
		if err := artifacts.Remove(rel); err != nil {
			c.log.Warn("removing stale artifact", zap.String("path", rel), zap.Error(err))
			continue
		}
		removed++
	}
	return removed
}

// Watermark returns the stamp for a blob whose newest rehashed source changed
// at newest. Sub-second precision is dropped and one second added, so only
// files changed strictly before the next whole second are trusted.
func Watermark(previous, newest time.Time) time.Time {
	if newest.IsZero() {
		return previous
	}
	next := time.Unix(newest.Unix()+1, 0)
	if next.Before(previous) {
		return previous
	}
	return next
}

// Package hashcache remembers which file contents a hub already stores so
// later runs can skip existence checks for them.
//
// Tokens are kept in timestamped JSON files under <cache>/__cached_hashes__.
// Each save writes only the tokens not already recorded for the same host.
// Files expire after thirty days and are deleted when they are stale,
// unreadable or written by an older format.
package hashcache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bianoble/hubdeploy/internal/logging"
	"github.com/bianoble/hubdeploy/internal/sandbox"
)

const (
	// Version is the file format written by Save.
	Version = 2
	// MinVersion is the oldest format Load accepts, locally and remotely.
	MinVersion = 2
	// TTL is how long a cache file stays valid.
	TTL = 30 * 24 * time.Hour
	// DirName is the cache subdirectory holding the files.
	DirName = "__cached_hashes__"
)

// Token identifies a file content: hash, length in lowercase hex, then the
// extension of the relative path.
func Token(rel, hash string, length int64) string {
	return hash + strconv.FormatInt(length, 16) + filepath.Ext(rel)
}

// Tokens is a concurrency-safe token set.
type Tokens struct {
	mu  sync.RWMutex
	set map[string]struct{}
}

// NewTokens returns a set holding tokens.
func NewTokens(tokens ...string) *Tokens {
	t := &Tokens{set: make(map[string]struct{}, len(tokens))}
	for _, tok := range tokens {
		t.set[tok] = struct{}{}
	}
	return t
}

// Add inserts tok.
func (t *Tokens) Add(tok string) {
	t.mu.Lock()
	t.set[tok] = struct{}{}
	t.mu.Unlock()
}

// Has reports whether tok is present.
func (t *Tokens) Has(tok string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.set[tok]
	return ok
}

// Len returns the number of tokens.
func (t *Tokens) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.set)
}

// Sorted returns the tokens in ascending order.
func (t *Tokens) Sorted() []string {
	t.mu.RLock()
	out := make([]string, 0, len(t.set))
	for tok := range t.set {
		out = append(out, tok)
	}
	t.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Lister fetches the tokens a hub reports for a project.
type Lister interface {
	ListHashes(ctx context.Context, project string, minVersion int) ([]string, error)
}

type file struct {
	Version int      `json:"version"`
	Host    string   `json:"host"`
	Hashes  []string `json:"hashes"`
}

// Cache loads and saves the token files of one hub host.
type Cache struct {
	dir    string
	host   string
	remote Lister
	log    *zap.Logger
	now    func() time.Time
}

// New returns a cache rooted at cacheDir for host. remote may be nil.
func New(cacheDir, host string, remote Lister, log *zap.Logger) *Cache {
	return &Cache{
		dir:    filepath.Join(cacheDir, DirName),
		host:   host,
		remote: remote,
		log:    logging.OrNop(log),
		now:    time.Now,
	}
}

// Dir returns the directory holding the token files.
func (c *Cache) Dir() string {
	return c.dir
}

// Load merges every valid local file for this host with the hub's listing
// for project. Failures only shrink the result; Load never fails.
func (c *Cache) Load(ctx context.Context, project string) *Tokens {
	tokens := NewTokens()
	for _, h := range c.readLocal(true) {
		tokens.Add(h)
	}

	if c.remote != nil {
		remote, err := c.remote.ListHashes(ctx, project, MinVersion)
		if err != nil {
			c.log.Warn("listing hub hashes", zap.String("project", project), zap.Error(err))
		}
		for _, h := range remote {
			tokens.Add(h)
		}
	}
	return tokens
}

// readLocal returns the tokens of valid files for this host. When prune is
// set, stale or unusable files are deleted.
func (c *Cache) readLocal(prune bool) []string {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			c.log.Warn("reading hash cache", zap.String("dir", c.dir), zap.Error(err))
		}
		return nil
	}

	oldest := c.now().Add(-TTL).Unix()
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(c.dir, name)

		stamp, err := strconv.ParseInt(strings.TrimSuffix(name, ".json"), 10, 64)
		if err != nil || stamp <= oldest {
			c.discard(prune, path, "expired")
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			c.discard(prune, path, "unreadable")
			continue
		}
		var f file
		if err := json.Unmarshal(data, &f); err != nil {
			c.discard(prune, path, "corrupt")
			continue
		}
		if f.Version < MinVersion || len(f.Hashes) == 0 {
			c.discard(prune, path, "outdated")
			continue
		}
		if f.Host == c.host {
			out = append(out, f.Hashes...)
		}
	}
	return out
}

func (c *Cache) discard(prune bool, path, why string) {
	if !prune {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		c.log.Warn("removing hash cache file", zap.String("path", path), zap.Error(err))
		return
	}
	c.log.Debug("removed hash cache file", zap.String("path", path), zap.String("reason", why))
}

// Save records the tokens not yet stored for this host in a new file named
// after the current time. Nothing is written when there is nothing new.
func (c *Cache) Save(tokens *Tokens) error {
	known := make(map[string]struct{})
	for _, h := range c.readLocal(false) {
		known[h] = struct{}{}
	}

	var delta []string
	for _, tok := range tokens.Sorted() {
		if _, ok := known[tok]; !ok {
			delta = append(delta, tok)
		}
	}
	if len(delta) == 0 {
		return nil
	}

	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return fmt.Errorf("creating hash cache directory: %w", err)
	}

	// Two saves within one second must not overwrite each other.
	stamp := c.now().Unix()
	path := filepath.Join(c.dir, strconv.FormatInt(stamp, 10)+".json")
	for {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		stamp++
		path = filepath.Join(c.dir, strconv.FormatInt(stamp, 10)+".json")
	}

	data, err := json.Marshal(file{Version: Version, Host: c.host, Hashes: delta})
	if err != nil {
		return err
	}
	err = sandbox.WriteAtomic(path, 0644, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
	if err != nil {
		return fmt.Errorf("writing hash cache: %w", err)
	}
	c.log.Debug("saved hash cache", zap.String("path", path), zap.Int("tokens", len(delta)))
	return nil
}

// Stats reports how many files and tokens are stored for every host.
func (c *Cache) Stats() (files, tokens int) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, 0
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.dir, e.Name()))
		if err != nil {
			continue
		}
		var f file
		if json.Unmarshal(data, &f) != nil {
			continue
		}
		files++
		tokens += len(f.Hashes)
	}
	return files, tokens
}

// Clear deletes every token file.
func (c *Cache) Clear() error {
	return os.RemoveAll(c.dir)
}

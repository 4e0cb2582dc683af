package hashcache

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLister struct {
	hashes []string
	err    error
	calls  int
}

func (f *fakeLister) ListHashes(_ context.Context, project string, minVersion int) ([]string, error) {
	f.calls++
	return f.hashes, f.err
}

var fixedNow = time.Unix(1_800_000_000, 0)

func newCache(t *testing.T, remote Lister) *Cache {
	t.Helper()
	c := New(t.TempDir(), "hub.example.com", remote, nil)
	c.now = func() time.Time { return fixedNow }
	return c
}

func writeCacheFile(t *testing.T, c *Cache, stamp int64, f any) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(c.Dir(), 0755))
	path := filepath.Join(c.Dir(), strconv.FormatInt(stamp, 10)+".json")
	var data []byte
	if s, ok := f.(string); ok {
		data = []byte(s)
	} else {
		var err error
		data, err = json.Marshal(f)
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func TestToken(t *testing.T) {
	assert.Equal(t, "abcdff.js", Token("js/app.js", "abcd", 255))
	assert.Equal(t, "abcd10", Token("LICENSE", "abcd", 16))
}

func TestTokens(t *testing.T) {
	tokens := NewTokens("b", "a")
	tokens.Add("c")
	tokens.Add("a")
	assert.True(t, tokens.Has("c"))
	assert.False(t, tokens.Has("d"))
	assert.Equal(t, 3, tokens.Len())
	assert.Equal(t, []string{"a", "b", "c"}, tokens.Sorted())
}

func TestLoadMergesLocalAndRemote(t *testing.T) {
	remote := &fakeLister{hashes: []string{"r1"}}
	c := newCache(t, remote)
	recent := fixedNow.Add(-time.Hour).Unix()
	writeCacheFile(t, c, recent, file{Version: 2, Host: "hub.example.com", Hashes: []string{"l1", "l2"}})
	writeCacheFile(t, c, recent+1, file{Version: 2, Host: "other.example.com", Hashes: []string{"x"}})

	tokens := c.Load(context.Background(), "demo")
	assert.Equal(t, []string{"l1", "l2", "r1"}, tokens.Sorted())
	assert.Equal(t, 1, remote.calls)
}

func TestLoadDeletesUnusableFiles(t *testing.T) {
	c := newCache(t, nil)
	recent := fixedNow.Add(-time.Hour).Unix()

	expired := writeCacheFile(t, c, fixedNow.Add(-TTL).Unix(), file{Version: 2, Host: "hub.example.com", Hashes: []string{"old"}})
	outdated := writeCacheFile(t, c, recent, file{Version: 1, Host: "hub.example.com", Hashes: []string{"v1"}})
	corrupt := writeCacheFile(t, c, recent+1, "{not json")
	empty := writeCacheFile(t, c, recent+2, file{Version: 2, Host: "hub.example.com"})
	other := writeCacheFile(t, c, recent+3, file{Version: 2, Host: "other.example.com", Hashes: []string{"x"}})

	tokens := c.Load(context.Background(), "demo")
	assert.Equal(t, 0, tokens.Len())

	for _, p := range []string{expired, outdated, corrupt, empty} {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), p)
	}
	_, err := os.Stat(other)
	assert.NoError(t, err, "files of other hosts are kept")
}

func TestLoadToleratesRemoteFailure(t *testing.T) {
	c := newCache(t, &fakeLister{err: errors.New("hub down")})
	recent := fixedNow.Add(-time.Minute).Unix()
	writeCacheFile(t, c, recent, file{Version: 2, Host: "hub.example.com", Hashes: []string{"l1"}})

	tokens := c.Load(context.Background(), "demo")
	assert.Equal(t, []string{"l1"}, tokens.Sorted())
}

func TestSaveWritesOnlyNewTokens(t *testing.T) {
	c := newCache(t, nil)
	recent := fixedNow.Add(-time.Minute).Unix()
	writeCacheFile(t, c, recent, file{Version: 2, Host: "hub.example.com", Hashes: []string{"a"}})

	require.NoError(t, c.Save(NewTokens("a", "c", "b")))

	data, err := os.ReadFile(filepath.Join(c.Dir(), strconv.FormatInt(fixedNow.Unix(), 10)+".json"))
	require.NoError(t, err)
	var got file
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, file{Version: 2, Host: "hub.example.com", Hashes: []string{"b", "c"}}, got)

	tokens := c.Load(context.Background(), "demo")
	assert.Equal(t, []string{"a", "b", "c"}, tokens.Sorted())
}

func TestSaveNothingNew(t *testing.T) {
	c := newCache(t, nil)
	require.NoError(t, c.Save(NewTokens()))
	_, err := os.Stat(c.Dir())
	assert.True(t, os.IsNotExist(err))
}

func TestSaveSameSecondDoesNotOverwrite(t *testing.T) {
	c := newCache(t, nil)
	require.NoError(t, c.Save(NewTokens("a")))
	require.NoError(t, c.Save(NewTokens("a", "b")))

	files, tokens := c.Stats()
	assert.Equal(t, 2, files)
	assert.Equal(t, 2, tokens)
	_, err := os.Stat(filepath.Join(c.Dir(), strconv.FormatInt(fixedNow.Unix()+1, 10)+".json"))
	assert.NoError(t, err)
}

func TestClear(t *testing.T) {
	c := newCache(t, nil)
	require.NoError(t, c.Save(NewTokens("a")))
	require.NoError(t, c.Clear())
	files, tokens := c.Stats()
	assert.Zero(t, files)
	assert.Zero(t, tokens)
}

package hasher

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	helloSHA256 = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	helloMD5    = "5d41402abc4b2a76b9719d911017c592"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestContentHashAndChecksum(t *testing.T) {
	path := writeFile(t, t.TempDir(), "a.txt", "hello")

	sum, err := ContentHash(path)
	require.NoError(t, err)
	assert.Equal(t, helloSHA256, sum)

	check, err := Checksum(path)
	require.NoError(t, err)
	assert.Equal(t, helloMD5, check)
}

func TestPairSameFileMatchesSeparateDigests(t *testing.T) {
	path := writeFile(t, t.TempDir(), "a.txt", "hello")

	sums, err := Pair(path, path)
	require.NoError(t, err)
	assert.Equal(t, Sums{Hash: helloSHA256, MD5: helloMD5}, sums)
}

func TestPairDifferentFiles(t *testing.T) {
	dir := t.TempDir()
	src := writeFile(t, dir, "src.txt", "hello")
	dst := writeFile(t, dir, "dst.gz", "other bytes")

	sums, err := Pair(src, dst)
	require.NoError(t, err)
	assert.Equal(t, helloSHA256, sums.Hash)

	want, err := Checksum(dst)
	require.NoError(t, err)
	assert.Equal(t, want, sums.MD5)
	assert.NotEqual(t, helloMD5, sums.MD5)
}

func TestHashIsStableAcrossRuns(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.bin", "same content")
	b := writeFile(t, dir, "b.bin", "same content")

	ha, err := ContentHash(a)
	require.NoError(t, err)
	hb, err := ContentHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestMissingFile(t *testing.T) {
	_, err := ContentHash(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Pair(filepath.Join(t.TempDir(), "missing"), "other")
	assert.Error(t, err)
}

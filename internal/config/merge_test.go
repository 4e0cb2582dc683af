package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeScalarsOverlayWins(t *testing.T) {
	base := &Config{
		Version:        1,
		Hub:            Hub{URL: "https://base.example.com/dynamic", Cookie: "hub=base", Timeout: time.Minute},
		Project:        "base",
		ProjectVersion: "1.0",
		Game:           Game{Slug: "game", Path: "./base", EngineVersion: "0.27"},
		Workers:        2,
		Log:            Log{Level: "debug"},
	}
	overlay := &Config{
		Hub:     Hub{URL: "https://overlay.example.com/dynamic"},
		Project: "overlay",
		Game:    Game{Path: "./overlay"},
	}

	merged, err := Merge(base, overlay)
	require.NoError(t, err)

	assert.Equal(t, "https://overlay.example.com/dynamic", merged.Hub.URL, "overlay should win")
	assert.Equal(t, "hub=base", merged.Hub.Cookie, "unset overlay fields inherit")
	assert.Equal(t, time.Minute, merged.Hub.Timeout)
	assert.Equal(t, "overlay", merged.Project)
	assert.Equal(t, "1.0", merged.ProjectVersion)
	assert.Equal(t, "game", merged.Game.Slug)
	assert.Equal(t, "./overlay", merged.Game.Path)
	assert.Equal(t, "0.27", merged.Game.EngineVersion)
	assert.Equal(t, 2, merged.Workers)
	assert.Equal(t, "debug", merged.Log.Level)
	assert.Equal(t, 1, merged.Version)
}

func TestMergeBooleansAreSticky(t *testing.T) {
	base := &Config{Game: Game{IsMultiplayer: true}}
	overlay := &Config{Compress: Compress{Ultra: true}}

	merged, err := Merge(base, overlay)
	require.NoError(t, err)
	assert.True(t, merged.Game.IsMultiplayer)
	assert.True(t, merged.Compress.Ultra)
}

func TestMergeIncludeConcatenatesAndDedupes(t *testing.T) {
	base := &Config{Game: Game{Include: []string{"*.html", "assets"}}}
	overlay := &Config{Game: Game{Include: []string{"assets", "staticmax/*"}}}

	merged, err := Merge(base, overlay)
	require.NoError(t, err)
	assert.Equal(t, []string{"*.html", "assets", "staticmax/*"}, merged.Game.Include)
}

func TestMergeVersionMismatch(t *testing.T) {
	_, err := Merge(&Config{Version: 1}, &Config{Version: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version mismatch")
}

func TestMergeVersionZeroInherits(t *testing.T) {
	merged, err := Merge(&Config{Version: 1}, &Config{})
	require.NoError(t, err)
	assert.Equal(t, 1, merged.Version)
}

func TestMergeNil(t *testing.T) {
	cfg := &Config{Version: 1}
	got, _ := Merge(nil, cfg)
	assert.Same(t, cfg, got, "nil base should return overlay")
	got, _ = Merge(cfg, nil)
	assert.Same(t, cfg, got, "nil overlay should return base")
}

func TestMergeAllEmpty(t *testing.T) {
	_, err := MergeAll(nil)
	assert.Error(t, err)
}

func writeLayer(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestLoadLayeredMergesLayers(t *testing.T) {
	dir := t.TempDir()
	sysPath := filepath.Join(dir, "system", FileName)
	writeLayer(t, sysPath, `
version: 1
hub:
  url: https://hub.example.com/dynamic
  cookie: hub=shared
game:
  include: ["*.html"]
log:
  level: warn
`)
	projPath := filepath.Join(dir, "project", FileName)
	writeLayer(t, projPath, `
version: 1
project: my-game
project_version: "1.2"
game:
  slug: my-game
  path: ./game
  include: [staticmax]
`)

	cfg, layers, err := LoadLayered(DiscoverOptions{
		ProjectPath:      projPath,
		SystemConfigPath: sysPath,
		UserConfigPath:   filepath.Join(dir, "nonexistent", FileName),
	})
	require.NoError(t, err)

	assert.Equal(t, "hub=shared", cfg.Hub.Cookie, "system layer applied")
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, []string{"*.html", "staticmax"}, cfg.Game.Include)
	assert.Equal(t, filepath.Join(dir, "project", "game"), cfg.Game.Path)

	loaded := 0
	for _, l := range layers {
		if l.Loaded {
			loaded++
		}
	}
	assert.Equal(t, 2, loaded)
}

func TestLoadLayeredNoInherit(t *testing.T) {
	dir := t.TempDir()
	sysPath := filepath.Join(dir, "system", FileName)
	writeLayer(t, sysPath, "version: 1\nhub:\n  cookie: hub=shared\n")
	projPath := filepath.Join(dir, FileName)
	writeLayer(t, projPath, minimalConfig)

	t.Setenv("HUBDEPLOY_NO_INHERIT", "1")
	cfg, _, err := LoadLayered(DiscoverOptions{ProjectPath: projPath, SystemConfigPath: sysPath, UserConfigPath: sysPath})
	require.NoError(t, err)
	assert.Empty(t, cfg.Hub.Cookie, "system layer should be ignored")
}

func TestLoadLayeredEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	projPath := filepath.Join(dir, FileName)
	writeLayer(t, projPath, minimalConfig)

	t.Setenv("HUBDEPLOY_HUB_URL", "http://127.0.0.1:8070/dynamic")
	t.Setenv("HUBDEPLOY_COOKIE", "hub=env")
	t.Setenv("HUBDEPLOY_CACHE_DIR", filepath.Join(dir, "cache"))
	t.Setenv("HUBDEPLOY_LOG_LEVEL", "debug")
	t.Setenv("HUBDEPLOY_SEVEN_ZIP", "none")

	cfg, _, err := LoadLayered(DiscoverOptions{
		ProjectPath:      projPath,
		SystemConfigPath: filepath.Join(dir, "none-1"),
		UserConfigPath:   filepath.Join(dir, "none-2"),
	})
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8070/dynamic", cfg.Hub.URL)
	assert.Equal(t, "hub=env", cfg.Hub.Cookie)
	assert.Equal(t, filepath.Join(dir, "cache"), cfg.CacheDir)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "none", cfg.Compress.SevenZip)
}

func TestLoadLayeredMissingProject(t *testing.T) {
	dir := t.TempDir()
	_, _, err := LoadLayered(DiscoverOptions{
		ProjectPath:      filepath.Join(dir, FileName),
		SystemConfigPath: filepath.Join(dir, "none-1"),
		UserConfigPath:   filepath.Join(dir, "none-2"),
	})
	assert.Error(t, err)
}

func TestLoadLayeredParseError(t *testing.T) {
	dir := t.TempDir()
	sysPath := filepath.Join(dir, "system", FileName)
	writeLayer(t, sysPath, "version: [unclosed")
	projPath := filepath.Join(dir, FileName)
	writeLayer(t, projPath, minimalConfig)

	_, layers, err := LoadLayered(DiscoverOptions{ProjectPath: projPath, SystemConfigPath: sysPath, UserConfigPath: filepath.Join(dir, "none")})
	require.Error(t, err)
	require.NotEmpty(t, layers)
	assert.Error(t, layers[0].Err, "system layer should carry the parse error")
}

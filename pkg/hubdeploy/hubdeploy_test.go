package hubdeploy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/bianoble/hubdeploy/internal/config"
	"github.com/bianoble/hubdeploy/internal/hubtest"
)

var script = strings.Repeat("var answer = 42;\n", 100)

const projectConfig = `version: 1
hub:
  url: https://hub.example.com/dynamic/
project: demo
project_version: "1.0"
version_title: First release
game:
  slug: demo
  path: ./game
cache_dir: ./cache
compress:
  seven_zip: none
poll_interval: 1ms
`

// setup writes a project with the given game files and returns a client
// talking to a fresh fake hub.
func setup(t *testing.T, opts hubtest.Options, files map[string]string) (*Client, *hubtest.Hub, string) {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, config.FileName)
	require.NoError(t, os.WriteFile(cfgPath, []byte(projectConfig), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "game"), 0755))
	for rel, content := range files {
		p := filepath.Join(dir, "game", filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}

	h := hubtest.New(opts)
	t.Cleanup(h.Close)

	client, err := New(Options{
		ConfigPath:       cfgPath,
		SystemConfigPath: filepath.Join(dir, "none", "system.yaml"),
		UserConfigPath:   filepath.Join(dir, "none", "user.yaml"),
		Logger:           zaptest.NewLogger(t),
		HTTPClient:       h.RemoteClient(),
	})
	require.NoError(t, err)
	return client, h, dir
}

func TestNewLoadsConfig(t *testing.T) {
	client, _, dir := setup(t, hubtest.Options{}, nil)

	cfg := client.Config()
	assert.Equal(t, "demo", cfg.Project)
	assert.Equal(t, filepath.Join(dir, "game"), cfg.Game.Path)
	assert.Equal(t, filepath.Join(dir, "cache"), cfg.CacheDir)
	assert.Equal(t, "hub.example.com", client.Host())
	assert.Equal(t, filepath.Join(dir, ".hubdeploy.lock"), client.RecordPath())

	loaded := 0
	for _, l := range client.Layers() {
		if l.Loaded {
			loaded++
		}
	}
	assert.Equal(t, 1, loaded)
}

func TestNewMissingConfig(t *testing.T) {
	dir := t.TempDir()
	_, err := New(Options{
		ConfigPath:       filepath.Join(dir, config.FileName),
		SystemConfigPath: filepath.Join(dir, "none-1"),
		UserConfigPath:   filepath.Join(dir, "none-2"),
	})
	require.Error(t, err)
}

func TestNewDeploymentTargets(t *testing.T) {
	client, _, _ := setup(t, hubtest.Options{}, nil)

	d, err := client.NewDeployment(Target{})
	require.NoError(t, err)
	assert.Equal(t, "demo", d.Project())
	assert.Equal(t, "1.0", d.Version())

	d, err = client.NewDeployment(Target{Project: "other", Version: "2.0-beta"})
	require.NoError(t, err)
	assert.Equal(t, "other", d.Project())
	assert.Equal(t, "2.0-beta", d.Version())

	got := client.resolve(Target{Version: "2.0"})
	assert.Equal(t, "2.0", got.VersionTitle, "a new version is not titled after the configured one")
	got = client.resolve(Target{})
	assert.Equal(t, "First release", got.VersionTitle)
}

func TestNewDeploymentRejectsBadTarget(t *testing.T) {
	client, _, _ := setup(t, hubtest.Options{}, nil)

	_, err := client.NewDeployment(Target{Project: "my game", Version: "1/0", VersionTitle: strings.Repeat("t", 49)})
	var verr *config.ValidationError
	require.True(t, errors.As(err, &verr), "got %v", err)
	assert.Len(t, verr.Errors, 3)
}

func TestDeployRecordsCompletedRun(t *testing.T) {
	client, h, _ := setup(t, hubtest.Options{ProcessingSteps: 2}, map[string]string{
		"index.html": "<p>hello</p>",
		"js/app.js":  script,
	})

	d, err := client.NewDeployment(Target{})
	require.NoError(t, err)
	require.NoError(t, client.Deploy(context.Background(), d))

	assert.Len(t, h.Uploads(), 2)
	assert.Equal(t, PhaseComplete, d.Progress().Phase)

	rec, err := client.Record()
	require.NoError(t, err)
	require.Len(t, rec.Deployments, 1)
	entry := rec.Deployments[0]
	assert.Equal(t, "demo", entry.Project)
	assert.Equal(t, "1.0", entry.Version)
	assert.Equal(t, "hub.example.com", entry.Host)
	assert.Equal(t, d.ID(), entry.RunID)
	assert.Equal(t, int64(2), entry.Files)
	assert.Equal(t, int64(2), entry.UploadedFiles)
}

func TestDeployReturnsRunError(t *testing.T) {
	client, _, _ := setup(t, hubtest.Options{BeginStatus: 504}, map[string]string{"a.js": script})

	d, err := client.NewDeployment(Target{})
	require.NoError(t, err)
	err = client.Deploy(context.Background(), d)
	require.EqualError(t, err, "Hub timed out.")

	rec, err := client.Record()
	require.NoError(t, err)
	assert.Empty(t, rec.Deployments)
}

func TestDeployCanceledContext(t *testing.T) {
	client, h, _ := setup(t, hubtest.Options{}, map[string]string{"a.js": script})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d, err := client.NewDeployment(Target{})
	require.NoError(t, err)
	require.EqualError(t, client.Deploy(ctx, d), CanceledMsg)
	assert.Empty(t, h.Uploads())
}

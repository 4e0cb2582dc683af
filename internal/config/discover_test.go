package config

import (
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func levels(layers []ConfigLayerInfo) []ConfigLevel {
	out := make([]ConfigLevel, 0, len(layers))
	for _, l := range layers {
		out = append(out, l.Level)
	}
	return out
}

func TestDiscoverPathsAllLevels(t *testing.T) {
	layers := DiscoverPaths(DiscoverOptions{
		ProjectPath:      "./hubdeploy.yaml",
		SystemConfigPath: "/etc/hubdeploy/hubdeploy.yaml",
		UserConfigPath:   "/home/user/.config/hubdeploy/hubdeploy.yaml",
	})

	assert.Equal(t, []ConfigLevel{LevelSystem, LevelUser, LevelProject}, levels(layers))
}

func TestDiscoverPathsDeduplication(t *testing.T) {
	samePath, err := filepath.Abs("./hubdeploy.yaml")
	require.NoError(t, err)

	layers := DiscoverPaths(DiscoverOptions{
		ProjectPath:      samePath,
		SystemConfigPath: samePath,
		UserConfigPath:   "/other/path/hubdeploy.yaml",
	})

	assert.Equal(t, []ConfigLevel{LevelSystem, LevelUser}, levels(layers))
}

func TestDiscoverPathsDefaults(t *testing.T) {
	layers := DiscoverPaths(DiscoverOptions{ProjectPath: "./hubdeploy.yaml"})

	require.GreaterOrEqual(t, len(layers), 2)
	assert.Equal(t, LevelProject, layers[len(layers)-1].Level)
}

func TestDefaultSystemConfigPath(t *testing.T) {
	p := defaultSystemConfigPath()
	switch runtime.GOOS {
	case "linux", "darwin":
		assert.Equal(t, "/etc/hubdeploy/hubdeploy.yaml", p)
	case "windows":
		assert.True(t, filepath.IsAbs(p), "system path should be absolute on Windows, got %q", p)
	}
}

func TestDefaultUserConfigPathHonorsXDG(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("XDG_CONFIG_HOME only applies on linux")
	}
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	assert.Equal(t, "/tmp/xdg/hubdeploy/hubdeploy.yaml", defaultUserConfigPath())
}

func TestEnvBoolTrue(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"1", true},
		{"true", true},
		{"TRUE", true},
		{" true ", true},
		{"0", false},
		{"false", false},
		{"", false},
		{"yes", false},
	}

	for _, tt := range tests {
		t.Setenv("HUBDEPLOY_TEST_BOOL", tt.value)
		assert.Equal(t, tt.want, envBoolTrue("HUBDEPLOY_TEST_BOOL"), "envBoolTrue(%q)", tt.value)
	}
}

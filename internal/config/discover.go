package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// FileName is the name of a config file at every level.
const FileName = "hubdeploy.yaml"

const configDirName = "hubdeploy"

// ConfigLevel is the precedence of a config layer.
type ConfigLevel string

const (
	LevelSystem  ConfigLevel = "system"
	LevelUser    ConfigLevel = "user"
	LevelProject ConfigLevel = "project"
)

// ConfigLayerInfo describes a discovered config file and whether it was read.
type ConfigLayerInfo struct {
	Err    error
	Path   string
	Level  ConfigLevel
	Loaded bool
}

// DiscoverOptions controls where layers are looked up. Empty system and user
// paths fall back to the platform defaults; point them at a nonexistent file
// to skip a level.
type DiscoverOptions struct {
	ProjectPath      string
	SystemConfigPath string
	UserConfigPath   string
}

// DiscoverPaths lists the layers from lowest precedence (system) to highest
// (project). A file reachable from two levels is only listed at the lower one.
func DiscoverPaths(opts DiscoverOptions) []ConfigLayerInfo {
	candidates := []struct {
		level ConfigLevel
		path  string
	}{
		{LevelSystem, firstNonEmpty(opts.SystemConfigPath, defaultSystemConfigPath())},
		{LevelUser, firstNonEmpty(opts.UserConfigPath, defaultUserConfigPath())},
		{LevelProject, opts.ProjectPath},
	}

	var layers []ConfigLayerInfo
	seen := make(map[string]bool)
	for _, c := range candidates {
		if c.path == "" {
			continue
		}
		key, err := filepath.Abs(c.path)
		if err != nil {
			key = c.path
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		layers = append(layers, ConfigLayerInfo{Path: c.path, Level: c.level})
	}
	return layers
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func defaultSystemConfigPath() string {
	if runtime.GOOS == "windows" {
		pd := os.Getenv("ProgramData")
		if pd == "" {
			pd = `C:\ProgramData`
		}
		return filepath.Join(pd, configDirName, FileName)
	}
	return filepath.Join("/etc", configDirName, FileName)
}

// defaultUserConfigPath honors XDG_CONFIG_HOME through os.UserConfigDir.
func defaultUserConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, configDirName, FileName)
}

// EnvNoInherit returns true if HUBDEPLOY_NO_INHERIT is set to "1" or "true".
func EnvNoInherit() bool {
	return envBoolTrue("HUBDEPLOY_NO_INHERIT")
}

func envBoolTrue(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true"
}

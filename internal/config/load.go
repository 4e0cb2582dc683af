package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bianoble/hubdeploy/internal/artifact"
	"github.com/bianoble/hubdeploy/internal/hub"
	"github.com/bianoble/hubdeploy/internal/pool"
)

// MaxVersionTitle is the longest version title the hub accepts.
const MaxVersionTitle = 48

// DefaultPollInterval spaces post-upload progress requests.
const DefaultPollInterval = 400 * time.Millisecond

var (
	projectPattern = regexp.MustCompile(`^[a-zA-Z0-9\-]+$`)
	versionPattern = regexp.MustCompile(`^[a-zA-Z0-9\-\.]+$`)
)

// Load reads a single hubdeploy.yaml, applies defaults and validates it.
// Relative paths are resolved against the file's directory.
func Load(path string) (*Config, error) {
	cfg, err := Parse(path)
	if err != nil {
		return nil, err
	}
	return finish(cfg, filepath.Dir(path))
}

// Parse reads and decodes a config file without validating it.
func Parse(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return &cfg, nil
}

// LoadLayered discovers the system, user and project layers, merges them,
// applies environment overrides and defaults, and validates the result.
// Missing system and user layers are skipped; the project layer must exist.
// With HUBDEPLOY_NO_INHERIT set only the project layer is read.
func LoadLayered(opts DiscoverOptions) (*Config, []ConfigLayerInfo, error) {
	layers := DiscoverPaths(opts)
	noInherit := EnvNoInherit()

	var configs []*Config
	for i := range layers {
		layer := &layers[i]
		if noInherit && layer.Level != LevelProject {
			continue
		}
		cfg, err := Parse(layer.Path)
		if err != nil {
			if layer.Level != LevelProject && errors.Is(err, fs.ErrNotExist) {
				continue
			}
			layer.Err = err
			return nil, layers, err
		}
		layer.Loaded = true
		configs = append(configs, cfg)
	}
	if len(configs) == 0 {
		return nil, layers, fmt.Errorf("no config found at %s", opts.ProjectPath)
	}

	merged, err := MergeAll(configs)
	if err != nil {
		return nil, layers, err
	}
	ApplyEnv(merged)
	cfg, err := finish(merged, filepath.Dir(opts.ProjectPath))
	return cfg, layers, err
}

func finish(cfg *Config, baseDir string) (*Config, error) {
	ResolvePaths(cfg, baseDir)
	ApplyDefaults(cfg)
	if errs := Validate(cfg); len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}
	return cfg, nil
}

// ApplyEnv overrides fields from HUBDEPLOY_* environment variables.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("HUBDEPLOY_HUB_URL"); v != "" {
		cfg.Hub.URL = v
	}
	if v := os.Getenv("HUBDEPLOY_COOKIE"); v != "" {
		cfg.Hub.Cookie = v
	}
	if v := os.Getenv("HUBDEPLOY_CACHE_DIR"); v != "" {
		cfg.CacheDir = v
	}
	if v := os.Getenv("HUBDEPLOY_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("HUBDEPLOY_SEVEN_ZIP"); v != "" {
		cfg.Compress.SevenZip = v
	}
}

// ResolvePaths expands a leading ~ and makes the game path and cache
// directory absolute, relative paths being taken against baseDir.
func ResolvePaths(cfg *Config, baseDir string) {
	resolve := func(p string) string {
		if p == "" {
			return p
		}
		if p == "~" || strings.HasPrefix(p, "~/") {
			if home, err := os.UserHomeDir(); err == nil {
				p = filepath.Join(home, p[1:])
			}
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(baseDir, p)
		}
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		return p
	}
	cfg.Game.Path = resolve(cfg.Game.Path)
	cfg.CacheDir = resolve(cfg.CacheDir)
}

// ApplyDefaults fills in every optional field.
func ApplyDefaults(cfg *Config) {
	if cfg.Hub.Timeout == 0 {
		cfg.Hub.Timeout = hub.DefaultTimeout
	}
	if cfg.Hub.ConnectTimeout == 0 {
		cfg.Hub.ConnectTimeout = hub.DefaultConnectTimeout
	}
	if cfg.VersionTitle == "" {
		cfg.VersionTitle = cfg.ProjectVersion
	}
	if len(cfg.Game.Include) == 0 {
		cfg.Game.Include = []string{"*"}
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = artifact.DefaultDir()
	}
	if cfg.Workers == 0 || cfg.Workers > pool.MaxWorkers {
		cfg.Workers = pool.MaxWorkers
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
}

// ValidationError holds multiple validation failures.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// Validate checks a Config for semantic correctness.
// Returns a list of validation error messages (empty if valid).
func Validate(cfg *Config) []string {
	var errs []string

	if cfg.Version != 1 {
		errs = append(errs, fmt.Sprintf("unsupported version %d: only version 1 is supported", cfg.Version))
	}

	errs = append(errs, validateHub(cfg.Hub)...)
	errs = append(errs, ValidateTarget(cfg.Project, cfg.ProjectVersion, cfg.VersionTitle)...)
	errs = append(errs, validateGame(cfg.Game)...)

	if cfg.Workers < 0 {
		errs = append(errs, fmt.Sprintf("workers must be positive, got %d", cfg.Workers))
	}
	if cfg.PollInterval < 0 {
		errs = append(errs, fmt.Sprintf("poll_interval must be positive, got %s", cfg.PollInterval))
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log level '%s' must be one of: debug, info, warn, error", cfg.Log.Level))
	}
	switch cfg.Log.Format {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Sprintf("log format '%s' must be one of: console, json", cfg.Log.Format))
	}

	return errs
}

// ValidateTarget checks the hub project, version and version title a
// deployment goes to.
func ValidateTarget(project, version, title string) []string {
	var errs []string
	switch {
	case project == "":
		errs = append(errs, "'project' is required")
	case !projectPattern.MatchString(project):
		errs = append(errs, fmt.Sprintf("project '%s' may only contain letters, digits and '-'", project))
	}

	switch {
	case version == "":
		errs = append(errs, "'project_version' is required")
	case !versionPattern.MatchString(version):
		errs = append(errs, fmt.Sprintf("project_version '%s' may only contain letters, digits, '-' and '.'", version))
	}

	if n := len([]rune(title)); n > MaxVersionTitle {
		errs = append(errs, fmt.Sprintf("version_title is %d characters long, the limit is %d", n, MaxVersionTitle))
	}
	return errs
}

func validateHub(h Hub) []string {
	var errs []string
	if h.URL == "" {
		return append(errs, "hub: 'url' is required, add 'url: https://...' to the hub section")
	}
	u, err := url.Parse(h.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Sprintf("hub: url '%s' must be an http or https URL", h.URL))
	}
	if h.Timeout < 0 {
		errs = append(errs, fmt.Sprintf("hub: timeout must be positive, got %s", h.Timeout))
	}
	if h.ConnectTimeout < 0 {
		errs = append(errs, fmt.Sprintf("hub: connect_timeout must be positive, got %s", h.ConnectTimeout))
	}
	return errs
}

func validateGame(g Game) []string {
	var errs []string
	switch {
	case g.Slug == "":
		errs = append(errs, "game: 'slug' is required")
	case g.Slug == "." || g.Slug == ".." || strings.ContainsAny(g.Slug, `/\`):
		errs = append(errs, fmt.Sprintf("game: invalid slug '%s'", g.Slug))
	}
	if g.Path == "" {
		errs = append(errs, "game: 'path' is required, add 'path: ./' to the game section")
	}
	return errs
}

package config

import "time"

// Config represents the hubdeploy.yaml configuration file.
type Config struct {
	Version        int           `yaml:"version"`
	Hub            Hub           `yaml:"hub"`
	Project        string        `yaml:"project"`
	ProjectVersion string        `yaml:"project_version"`
	VersionTitle   string        `yaml:"version_title,omitempty"`
	Game           Game          `yaml:"game"`
	CacheDir       string        `yaml:"cache_dir,omitempty"`
	Compress       Compress      `yaml:"compress,omitempty"`
	Workers        int           `yaml:"workers,omitempty"`
	PollInterval   time.Duration `yaml:"poll_interval,omitempty"`
	Log            Log           `yaml:"log,omitempty"`
	MetricsAddr    string        `yaml:"metrics_addr,omitempty"`
}

// Hub is the remote every deployment request goes to.
type Hub struct {
	// URL is the API base; endpoints are resolved relative to it.
	URL            string        `yaml:"url"`
	Cookie         string        `yaml:"cookie,omitempty"`
	Timeout        time.Duration `yaml:"timeout,omitempty"`
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`
}

// Game describes the local game tree and its hub metadata.
type Game struct {
	Slug          string   `yaml:"slug"`
	Path          string   `yaml:"path"`
	Include       []string `yaml:"include,omitempty"`
	PluginMain    string   `yaml:"plugin_main,omitempty"`
	CanvasMain    string   `yaml:"canvas_main,omitempty"`
	FlashMain     string   `yaml:"flash_main,omitempty"`
	MappingTable  string   `yaml:"mapping_table,omitempty"`
	EngineVersion string   `yaml:"engine_version,omitempty"`
	IsMultiplayer bool     `yaml:"is_multiplayer,omitempty"`
	AspectRatio   string   `yaml:"aspect_ratio,omitempty"`
}

// Compress selects the transport compressor.
type Compress struct {
	// SevenZip is the 7-Zip executable. Empty looks up 7z or 7za on PATH;
	// "none" always uses the built-in compressor.
	SevenZip string `yaml:"seven_zip,omitempty"`
	Ultra    bool   `yaml:"ultra,omitempty"`
}

// Log configures the logger.
type Log struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

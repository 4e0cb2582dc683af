package config

import "fmt"

// Merge combines two configs where overlay takes precedence over base:
//   - version: must agree if both declare it (non-zero); fatal error on mismatch
//   - scalars: a non-zero overlay value wins
//   - booleans: true in either layer wins
//   - game.include: concatenated (base first) and deduplicated
func Merge(base, overlay *Config) (*Config, error) {
	if base == nil {
		return overlay, nil
	}
	if overlay == nil {
		return base, nil
	}

	result := &Config{}
	if err := mergeVersion(base.Version, overlay.Version, &result.Version); err != nil {
		return nil, err
	}

	result.Hub = Hub{
		URL:            pick(base.Hub.URL, overlay.Hub.URL),
		Cookie:         pick(base.Hub.Cookie, overlay.Hub.Cookie),
		Timeout:        pick(base.Hub.Timeout, overlay.Hub.Timeout),
		ConnectTimeout: pick(base.Hub.ConnectTimeout, overlay.Hub.ConnectTimeout),
	}
	result.Project = pick(base.Project, overlay.Project)
	result.ProjectVersion = pick(base.ProjectVersion, overlay.ProjectVersion)
	result.VersionTitle = pick(base.VersionTitle, overlay.VersionTitle)

	bg, og := base.Game, overlay.Game
	result.Game = Game{
		Slug:          pick(bg.Slug, og.Slug),
		Path:          pick(bg.Path, og.Path),
		Include:       mergeInclude(bg.Include, og.Include),
		PluginMain:    pick(bg.PluginMain, og.PluginMain),
		CanvasMain:    pick(bg.CanvasMain, og.CanvasMain),
		FlashMain:     pick(bg.FlashMain, og.FlashMain),
		MappingTable:  pick(bg.MappingTable, og.MappingTable),
		EngineVersion: pick(bg.EngineVersion, og.EngineVersion),
		IsMultiplayer: bg.IsMultiplayer || og.IsMultiplayer,
		AspectRatio:   pick(bg.AspectRatio, og.AspectRatio),
	}

	result.CacheDir = pick(base.CacheDir, overlay.CacheDir)
	result.Compress = Compress{
		SevenZip: pick(base.Compress.SevenZip, overlay.Compress.SevenZip),
		Ultra:    base.Compress.Ultra || overlay.Compress.Ultra,
	}
	result.Workers = pick(base.Workers, overlay.Workers)
	result.PollInterval = pick(base.PollInterval, overlay.PollInterval)
	result.Log = Log{
		Level:  pick(base.Log.Level, overlay.Log.Level),
		Format: pick(base.Log.Format, overlay.Log.Format),
	}
	result.MetricsAddr = pick(base.MetricsAddr, overlay.MetricsAddr)

	return result, nil
}

// MergeAll merges multiple configs in order (lowest precedence first).
// Returns an error if any version mismatch is found.
func MergeAll(configs []*Config) (*Config, error) {
	if len(configs) == 0 {
		return nil, fmt.Errorf("no configs to merge")
	}

	result := configs[0]
	for i := 1; i < len(configs); i++ {
		var err error
		result, err = Merge(result, configs[i])
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

func mergeVersion(base, overlay int, out *int) error {
	switch {
	case base == 0 && overlay == 0:
		*out = 0 // neither declares; validation will catch this
	case base == 0:
		*out = overlay
	case overlay == 0:
		*out = base
	case base == overlay:
		*out = base
	default:
		return fmt.Errorf("config version mismatch: one layer declares version %d, another declares version %d, all config layers must agree on version", base, overlay)
	}
	return nil
}

func pick[T comparable](base, overlay T) T {
	var zero T
	if overlay != zero {
		return overlay
	}
	return base
}

func mergeInclude(base, overlay []string) []string {
	if len(base) == 0 {
		return overlay
	}
	if len(overlay) == 0 {
		return base
	}
	seen := make(map[string]bool, len(base)+len(overlay))
	var result []string
	for _, list := range [][]string{base, overlay} {
		for _, p := range list {
			if !seen[p] {
				seen[p] = true
				result = append(result, p)
			}
		}
	}
	return result
}

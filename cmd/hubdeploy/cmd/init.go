package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var initForce bool

// initTemplate is the default hubdeploy.yaml scaffold.
const initTemplate = `# hubdeploy configuration
version: 1

hub:
  url: https://hub.turbulenz.com/dynamic
  # cookie: "hub=..."        # session cookie, or set HUBDEPLOY_COOKIE
  # timeout: 200s
  # connect_timeout: 8s

project: my-game             # letters, digits and '-'
project_version: "1.0"       # letters, digits, '-' and '.'
# version_title: "First release"   # at most 48 characters

game:
  slug: my-game
  path: .
  include:
    - "*.html"
    - "*.tzjs"
    - staticmax
    - mapping_table.json
  # plugin_main: my-game.tzjs
  # canvas_main: my-game.canvas.js
  # mapping_table: mapping_table.json
  # engine_version: "0.28"
  # is_multiplayer: false
  # aspect_ratio: "16:9"

# cache_dir: ~/.cache/hubdeploy
# compress:
#   seven_zip: ""            # empty looks up 7z or 7za, "none" uses the built-in gzip
#   ultra: false
# workers: 4
# poll_interval: 400ms
# log:
#   level: info
#   format: console
# metrics_addr: ":9091"
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a starter hubdeploy.yaml configuration",
	Long: `Creates a hubdeploy.yaml file in the current directory with the hub,
project and game sections filled in with placeholders and every optional
setting documented.

Use --force to overwrite an existing configuration file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		outPath := configPath
		if !filepath.IsAbs(outPath) {
			abs, err := filepath.Abs(outPath)
			if err != nil {
				return fmt.Errorf("resolving path: %w", err)
			}
			outPath = abs
		}

		if !initForce {
			if _, err := os.Stat(outPath); err == nil {
				return fmt.Errorf("%s already exists (use --force to overwrite)", outPath)
			}
		}

		if err := os.WriteFile(outPath, []byte(initTemplate), 0644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		info("Created %s", outPath)
		info("")
		info("Next steps:")
		info("  1. Edit the hub, project and game sections")
		info("  2. Run 'hubdeploy status' to check the resolved settings")
		info("  3. Run 'hubdeploy deploy' to upload the game")
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite existing config file")
	rootCmd.AddCommand(initCmd)
}

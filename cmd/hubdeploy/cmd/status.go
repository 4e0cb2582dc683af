package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusProject string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the config layers and past deployments",
	Long: `Lists the config files that were considered, the resolved deployment
target, and the deployments recorded next to the config file, newest last.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient(nil)
		if err != nil {
			return err
		}
		cfg := client.Config()

		info("Config layers:")
		for _, l := range client.Layers() {
			state := "not found"
			if l.Loaded {
				state = "loaded"
			}
			info("  %-8s %s (%s)", l.Level, l.Path, state)
		}
		info("")
		info("Target:  %s version %s on %s", cfg.Project, cfg.ProjectVersion, client.Host())
		info("Game:    %s (%s)", cfg.Game.Slug, cfg.Game.Path)
		info("")

		rec, err := client.Record()
		if err != nil {
			return err
		}

		if latest, ok := rec.Latest(statusProject); ok {
			detail("Last deployed %s version %s at %s", latest.Project, latest.Version, latest.DeployedAt.Local().Format("2006-01-02 15:04:05"))
		}

		count := 0
		for _, d := range rec.Deployments {
			if statusProject != "" && d.Project != statusProject {
				continue
			}
			if count == 0 {
				fmt.Printf("%-20s %-12s %-24s %8s %8s %-20s\n", "PROJECT", "VERSION", "HOST", "FILES", "UPLOADED", "DEPLOYED AT")
			}
			count++
			fmt.Printf("%-20s %-12s %-24s %8d %8d %-20s\n",
				d.Project, d.Version, d.Host, d.Files, d.UploadedFiles, d.DeployedAt.Local().Format("2006-01-02 15:04:05"))
		}
		if count == 0 {
			info("No deployments recorded.")
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusProject, "project", "", "only show deployments of this project")
	rootCmd.AddCommand(statusCmd)
}

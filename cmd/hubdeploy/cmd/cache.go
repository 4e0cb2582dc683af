package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/bianoble/hubdeploy/internal/artifact"
	"github.com/bianoble/hubdeploy/internal/hashcache"
)

var (
	cacheClearAll    bool
	cacheClearHashes bool
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the local deployment cache",
}

var cacheInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show cached games and known hub content",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient(nil)
		if err != nil {
			return err
		}
		dir := client.Config().CacheDir

		info("Cache directory: %s", dir)
		slugs, err := artifact.Slugs(dir)
		if err != nil {
			return err
		}
		if len(slugs) == 0 {
			info("  no cached games")
		}
		for _, slug := range slugs {
			store, err := artifact.New(dir, slug)
			if err != nil {
				errorf("%s: %v", slug, err)
				continue
			}
			size, err := store.Size()
			if err != nil {
				errorf("%s: %v", slug, err)
				continue
			}
			if st, err := os.Stat(store.MetadataPath()); err == nil {
				size += st.Size()
			}
			info("  %-24s %s", slug, humanSize(size))
		}

		files, tokens := hashcache.New(dir, client.Host(), nil, nil).Stats()
		info("Known hub content: %s in %d file(s)", printer.Sprintf("%d tokens", tokens), files)
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete cached artifacts of the configured game",
	Long: `Deletes the compressed artifacts and the metadata blob of the configured
game, so the next deployment hashes every file again. --hashes also forgets
the content known to be on the hub; --all clears every game.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient(nil)
		if err != nil {
			return err
		}
		cfg := client.Config()

		slugs := []string{cfg.Game.Slug}
		if cacheClearAll {
			if slugs, err = artifact.Slugs(cfg.CacheDir); err != nil {
				return err
			}
		}
		for _, slug := range slugs {
			store, err := artifact.New(cfg.CacheDir, slug)
			if err != nil {
				return err
			}
			if err := store.Clear(); err != nil {
				return err
			}
			info("Cleared %s", slug)
		}

		if cacheClearHashes || cacheClearAll {
			hc := hashcache.New(cfg.CacheDir, client.Host(), nil, nil)
			if err := hc.Clear(); err != nil {
				return fmt.Errorf("clearing hash cache: %w", err)
			}
			info("Cleared known hub content (%s)", filepath.Base(hc.Dir()))
		}
		return nil
	},
}

var cacheRenameCmd = &cobra.Command{
	Use:   "rename OLD-SLUG NEW-SLUG",
	Short: "Move cached state to a renamed game",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient(nil)
		if err != nil {
			return err
		}
		if err := artifact.Rename(client.Config().CacheDir, args[0], args[1]); err != nil {
			return err
		}
		info("Moved cache of %s to %s", args[0], args[1])
		return nil
	},
}

func init() {
	cacheClearCmd.Flags().BoolVar(&cacheClearAll, "all", false, "clear every game and the known hub content")
	cacheClearCmd.Flags().BoolVar(&cacheClearHashes, "hashes", false, "also forget the content known to be on the hub")
	cacheCmd.AddCommand(cacheInfoCmd, cacheClearCmd, cacheRenameCmd)
	rootCmd.AddCommand(cacheCmd)
}

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/seqlab/champ/internal/identity"
	"github.com/seqlab/champ/internal/resultcache"
)

var (
	cacheDir  string
	cacheType string
)

func newCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the result cache",
		Long: `Manage the selection result cache.

The cache stores selection, benchmark, and ranking outcomes keyed by a content
hash of their inputs. Outcomes whose inputs have not changed are served from
cache instead of being recomputed.`,
	}

	cmd.PersistentFlags().StringVar(&cacheDir, "cache-dir", ".champ-cache", "Cache directory")

	cmd.AddCommand(newCacheListCommand())
	cmd.AddCommand(newCacheClearCommand())

	return cmd
}

func newCacheListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached results",
		Long: `List cached results, newest last.

Each row shows when the result was computed, what kind it is, which model
variant it covers, and the short content hash of its inputs.`,
		RunE: cacheListE,
	}

	cmd.Flags().StringVar(&cacheType, "type", "", "Restrict to one cache type: selection, benchmark, or ranking")

	return cmd
}

func cacheListE(_ *cobra.Command, _ []string) error {
	store := resultcache.New(cacheDir, logger)
	rows, err := store.History(cacheType)
	if err != nil {
		return fmt.Errorf("reading cache index: %w", err)
	}
	if len(rows) == 0 {
		fmt.Println("Cache is empty")
		return nil
	}

	for _, row := range rows {
		fmt.Printf("%s  %-10s  %-12s  %s\n",
			row.Timestamp.Format("2006-01-02 15:04:05"),
			row.CacheType,
			row.Backbone,
			identity.ShortKey(row.ContentHash))
	}
	return nil
}

func newCacheClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Clear the result cache",
		Long: `Clear all cached results.

This removes all cached outcomes. The next invocation recomputes everything
from the tracking data.`,
		RunE: cacheClearE,
	}
}

func cacheClearE(_ *cobra.Command, _ []string) error {
	// Resolve to absolute path
	absDir, err := filepath.Abs(cacheDir)
	if err != nil {
		return fmt.Errorf("resolving cache directory: %w", err)
	}
	if _, err := os.Stat(absDir); os.IsNotExist(err) {
		fmt.Println("Cache is empty")
		return nil
	}

	store := resultcache.New(absDir, logger)
	if err := store.Clear(); err != nil {
		return fmt.Errorf("clearing cache: %w", err)
	}

	fmt.Printf("Cache cleared: %s\n", absDir)
	return nil
}

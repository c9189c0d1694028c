package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/seqlab/champ/internal/artifacts"
	"github.com/seqlab/champ/internal/models"
	"github.com/seqlab/champ/internal/projectconfig"
	"github.com/seqlab/champ/internal/resultcache"
	"github.com/seqlab/champ/internal/selection"
	"github.com/seqlab/champ/internal/tracking"
)

var (
	selectRunsPath     string
	selectBackbones    []string
	selectOutputFormat string
	selectNoCache      bool
	selectNoFetch      bool
)

func newSelectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "select",
		Short: "Select the champion configuration per model variant",
		Long: `Select the best trained configuration (the champion) for each model variant.

Trials are grouped by study identity and hashing-schema version, each group is
scored with the median of its top-K metric values, and the best valid trial of
the winning group becomes the champion. The champion's refit run is resolved
and its trained checkpoint is acquired through the source chain, so the report
carries a ready-to-use local checkpoint path (skip with --no-fetch).

Results are cached by a content hash of the selection settings and the input
run set; a repeated invocation with identical inputs is served from cache.`,
		RunE: selectCommandE,
	}

	cmd.Flags().StringVar(&selectRunsPath, "runs", "", "Path to a tracking runs export (runs.json)")
	cmd.Flags().StringSliceVarP(&selectBackbones, "backbone", "b", nil, "Model variant to select for (repeatable)")
	cmd.Flags().StringVarP(&selectOutputFormat, "format", "f", "table", "Output format: table, json, or markdown")
	cmd.Flags().BoolVar(&selectNoCache, "no-cache", false, "Bypass the result cache")
	cmd.Flags().BoolVar(&selectNoFetch, "no-fetch", false, "Skip acquiring the champion's checkpoint")
	_ = cmd.MarkFlagRequired("runs")
	_ = cmd.MarkFlagRequired("backbone")

	return cmd
}

func selectCommandE(cmd *cobra.Command, _ []string) error {
	if err := validateOutputFormat(selectOutputFormat); err != nil {
		return err
	}

	cfg, err := projectconfig.Load(".", logger)
	if err != nil {
		return err
	}
	source, err := tracking.NewFileRunSource(selectRunsPath)
	if err != nil {
		return err
	}
	cache := openResultCache(cfg)

	ctx := cmd.Context()
	reports := make([]*models.SelectionReport, len(selectBackbones))

	// Backbones are independent; select them concurrently. Each goroutine
	// writes its own slot, so no further synchronization is needed.
	eg, egCtx := errgroup.WithContext(ctx)
	for i, backbone := range selectBackbones {
		eg.Go(func() error {
			report, err := selectOneBackbone(egCtx, cfg, source, cache, backbone)
			if err != nil {
				return err
			}
			reports[i] = report
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	switch selectOutputFormat {
	case "json":
		return printJSON(reports)
	case "markdown":
		fmt.Print(FormatSelectionMarkdown(reports))
	default:
		printSelectionTable(os.Stdout, reports)
	}

	for _, r := range reports {
		if r == nil || r.Champion == nil {
			return &NoWinnerError{Message: "no eligible champion for at least one requested variant"}
		}
	}
	return nil
}

// selectOneBackbone runs selection for one variant, cache-wrapped.
func selectOneBackbone(ctx context.Context, cfg *projectconfig.Config, source tracking.RunSource, cache *resultcache.Store, backbone string) (*models.SelectionReport, error) {
	hash, err := selectionContentHash(ctx, cfg, source, backbone)
	if err != nil {
		return nil, err
	}

	if !selectNoCache {
		if entry, ok := cache.Lookup(resultcache.TypeSelection, hash); ok {
			logger.Info("selection served from cache",
				zap.String("backbone", backbone),
				zap.String("entry_id", entry.EntryID))
			var report models.SelectionReport
			if err := json.Unmarshal(entry.Payload, &report); err == nil {
				// Re-acquire so the cached path is valid even after the
				// artifact directory was cleaned; a valid destination
				// short-circuits the chain.
				fillChampionCheckpoint(ctx, cfg, source, &report)
				return &report, nil
			}
			logger.Warn("discarding unreadable cache payload", zap.String("entry_id", entry.EntryID))
		}
	}

	selector := selection.NewSelector(cfg, source, logger,
		selection.WithTagWriter(tagWriterFor(source)))
	report, err := selector.SelectChampion(ctx, backbone)
	if err != nil {
		return nil, err
	}
	if report == nil {
		// Nothing eligible yet; not cacheable since new trials change it.
		return nil, nil
	}

	// Fill the checkpoint path before caching so the cached payload carries it.
	fillChampionCheckpoint(ctx, cfg, source, report)

	if _, err := cache.Save(resultcache.TypeSelection, backbone, hash, report); err != nil {
		logger.Warn("failed to cache selection result", zap.Error(err))
	}
	return report, nil
}

// fillChampionCheckpoint acquires the champion's trained checkpoint through
// the source chain and records the local path on the report. A checkpoint
// that cannot be acquired is not fatal to selection; the path stays empty.
func fillChampionCheckpoint(ctx context.Context, cfg *projectconfig.Config, source tracking.RunSource, report *models.SelectionReport) {
	if selectNoFetch || report.Champion == nil {
		return
	}
	store, ok := source.(tracking.ArtifactStore)
	if !ok {
		return
	}

	chain := []artifacts.Source{&artifacts.StoreSource{Store: store, Log: logger}}
	mirror, err := openMirror(cfg, "")
	if err != nil {
		logger.Warn("mirror unavailable for checkpoint acquisition", zap.Error(err))
	} else if mirror != nil {
		chain = append(chain, &artifacts.MirrorSource{Mirror: mirror})
	}

	champ := report.Champion
	acq := artifacts.NewAcquirer(cfg, source, chain, logger)
	result, err := acq.Acquire(ctx, models.ArtifactRequest{
		Kind:         models.ArtifactCheckpoint,
		RunID:        champ.RefitRunID,
		Backbone:     champ.Backbone,
		StudyKeyHash: champ.StudyKeyHash,
		TrialKeyHash: champ.TrialKeyHash,
	})
	if err != nil || !result.OK {
		logger.Warn("champion checkpoint not acquired",
			zap.String("backbone", champ.Backbone),
			zap.String("refit_run_id", champ.RefitRunID))
		return
	}
	champ.CheckpointPath = result.LocalPath
}

// selectionContentHash keys the cache by everything that determines the
// outcome: the selection settings and the identity of the input run set.
func selectionContentHash(ctx context.Context, cfg *projectconfig.Config, source tracking.RunSource, backbone string) (string, error) {
	runs, err := source.ListRuns(ctx, backbone, "")
	if err != nil {
		return "", fmt.Errorf("listing runs for cache key: %w", err)
	}

	ids := make([]string, 0, len(runs))
	for _, r := range runs {
		ids = append(ids, r.RunID)
	}
	sort.Strings(ids)
	idParts := make([]any, len(ids))
	for i, id := range ids {
		idParts[i] = id
	}

	return resultcache.ContentHash(map[string]any{
		"kind":          resultcache.TypeSelection,
		"backbone":      backbone,
		"metric":        cfg.Objective.Metric,
		"direction":     string(cfg.Objective.Direction),
		"min_trials":    cfg.Selection.MinTrialsPerGroup,
		"top_k":         cfg.Selection.TopKForStableScore,
		"prefer_schema": string(cfg.Selection.PreferSchemaVersion),
		"allow_mixed":   cfg.Selection.AllowMixedSchemaGroups,
		"run_ids":       idParts,
	})
}

// tagWriterFor returns the source itself when it can write tags. The file
// export cannot; terminal-status writes are then skipped.
func tagWriterFor(source tracking.RunSource) tracking.TagWriter {
	if w, ok := source.(tracking.TagWriter); ok {
		return w
	}
	return nil
}

func openResultCache(cfg *projectconfig.Config) *resultcache.Store {
	dir := cfg.Cache.Dir
	if cfg.Cache.Enabled != nil && !*cfg.Cache.Enabled {
		dir = "" // disabled store: all lookups miss
	}
	return resultcache.New(dir, logger)
}

func validateOutputFormat(format string) error {
	switch format {
	case "table", "json", "markdown":
		return nil
	}
	return fmt.Errorf("unsupported format %q: must be table, json, or markdown", format)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

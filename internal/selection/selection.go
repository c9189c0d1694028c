// Package selection partitions completed optimization trials into groups,
// scores each group with a noise-resistant statistic, and picks the single
// best configuration (the champion) per model variant.
package selection

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/seqlab/champ/internal/identity"
	"github.com/seqlab/champ/internal/models"
	"github.com/seqlab/champ/internal/projectconfig"
	"github.com/seqlab/champ/internal/stats"
	"github.com/seqlab/champ/internal/tracking"
)

// TagSelectionStatus is the terminal status tag written on failure paths this
// subsystem owns.
const TagSelectionStatus = "selection_status"

// Selector runs champion selection for one backbone at a time. Safe for
// concurrent use across different backbones; it keeps no per-call state.
type Selector struct {
	cfg    *projectconfig.Config
	source tracking.RunSource
	tagger tracking.TagWriter
	disk   DiskChecker
	log    *zap.Logger
}

// Option configures a Selector.
type Option func(*Selector)

// WithTagWriter enables terminal-status tag writes on owned failure paths.
func WithTagWriter(w tracking.TagWriter) Option {
	return func(s *Selector) { s.tagger = w }
}

// WithDiskChecker enables the "disk" artifact-availability strategy.
func WithDiskChecker(d DiskChecker) Option {
	return func(s *Selector) { s.disk = d }
}

// NewSelector wires a Selector. The logger is required; pass zap.NewNop() to
// silence it.
func NewSelector(cfg *projectconfig.Config, source tracking.RunSource, log *zap.Logger, opts ...Option) *Selector {
	s := &Selector{cfg: cfg, source: source, log: log}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SelectChampion picks the best trained configuration for a backbone.
// Returns (nil, nil) when no eligible candidate exists yet — an expected
// condition — but returns an error for data-integrity problems like a
// missing refit run.
func (s *Selector) SelectChampion(ctx context.Context, backbone string) (*models.SelectionReport, error) {
	report := &models.SelectionReport{
		Backbone:          backbone,
		Direction:         s.cfg.Objective.Direction,
		MetricName:        s.cfg.Objective.Metric,
		MinTrialsPerGroup: s.cfg.Selection.MinTrialsPerGroup,
		TopK:              s.cfg.Selection.TopKForStableScore,
	}

	records, err := s.fetchTrials(ctx, backbone, report)
	if err != nil {
		return nil, err
	}

	records = s.filterParents(records, report)
	records, err = s.filterUnavailable(ctx, backbone, records, report)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		s.log.Info("no candidate trials after filtering", zap.String("backbone", backbone))
		return nil, nil
	}

	groups := s.partition(records)
	groups = s.applySchemaIsolation(groups, report)

	winner := s.scoreAndRank(groups, report)
	if winner == nil {
		s.log.Info("no eligible group", zap.String("backbone", backbone),
			zap.Int("groups_scored", len(report.GroupScores)))
		return nil, nil
	}

	champion := s.pickChampion(winner)
	report.Champion = &models.Champion{
		StudyKeyHash:      champion.StudyKeyHash,
		TrialKeyHash:      champion.TrialKeyHash,
		Backbone:          backbone,
		RunID:             champion.RunID,
		MetricValue:       champion.MetricValue,
		StableScore:       winnerScore(report.GroupScores, winner.Key),
		SchemaVersionUsed: report.SchemaVersionUsed,
	}

	refit, err := tracking.ResolveRefit(ctx, s.source, champion)
	if err != nil {
		var missing *tracking.RefitMissingError
		if errors.As(err, &missing) && s.tagger != nil {
			if tagErr := s.tagger.SetTag(ctx, champion.RunID, TagSelectionStatus, "refit_missing"); tagErr != nil {
				s.log.Warn("failed to write terminal status tag",
					zap.String("run_id", champion.RunID), zap.Error(tagErr))
			}
		}
		return nil, fmt.Errorf("champion %s/%s: %w",
			identity.ShortKey(champion.StudyKeyHash), identity.ShortKey(champion.TrialKeyHash), err)
	}
	report.Champion.RefitRunID = refit.RunID

	s.log.Info("champion selected",
		zap.String("backbone", backbone),
		zap.String("study", identity.ShortKey(champion.StudyKeyHash)),
		zap.String("trial", identity.ShortKey(champion.TrialKeyHash)),
		zap.Float64("metric", champion.MetricValue),
		zap.Float64("stable_score", report.Champion.StableScore),
		zap.String("refit_run", refit.RunID))

	return report, nil
}

// fetchTrials lists trial-stage runs and parses them, counting records whose
// grouping tags are missing instead of failing the call.
func (s *Selector) fetchTrials(ctx context.Context, backbone string, report *models.SelectionReport) ([]*models.TrialRecord, error) {
	runs, err := s.source.ListRuns(ctx, backbone, models.StageTrial)
	if err != nil {
		return nil, fmt.Errorf("listing trials for %s: %w", backbone, err)
	}

	records := make([]*models.TrialRecord, 0, len(runs))
	for _, run := range runs {
		rec, err := tracking.ParseTrialRecord(run, s.cfg.Objective.Metric)
		if err != nil {
			report.MissingTags++
			s.log.Debug("skipping unparseable trial run", zap.Error(err))
			continue
		}
		records = append(records, rec)
	}

	// Deterministic base order: selection must not depend on backend
	// iteration order.
	sort.Slice(records, func(i, j int) bool { return records[i].RunID < records[j].RunID })
	return records, nil
}

// filterParents drops aggregate sweep runs: they carry no individual metric
// and must never compete with real trials.
func (s *Selector) filterParents(records []*models.TrialRecord, report *models.SelectionReport) []*models.TrialRecord {
	kept := records[:0]
	for _, r := range records {
		isParent := r.Tags[models.TagStage] == models.StageSweep ||
			(!r.IsChildOfParent && !r.HasValidMetric())
		if isParent {
			report.ParentsDropped++
			continue
		}
		kept = append(kept, r)
	}
	return kept
}

// filterUnavailable applies the artifact-availability guard. Records whose
// availability is explicitly false are dropped; unknown availability keeps
// the record only under the configured leniency policy.
func (s *Selector) filterUnavailable(ctx context.Context, backbone string, records []*models.TrialRecord, report *models.SelectionReport) ([]*models.TrialRecord, error) {
	if s.cfg.Selection.RequireArtifactAvailable == nil || !*s.cfg.Selection.RequireArtifactAvailable {
		return records, nil
	}

	parentTags, err := s.parentTagIndex(ctx, backbone, records)
	if err != nil {
		return nil, err
	}
	chain := availabilityChain(s.cfg.Selection.ArtifactCheckSources, parentTags, s.disk)
	lenient := s.cfg.Selection.AssumeAvailableWhenUnknown == nil || *s.cfg.Selection.AssumeAvailableWhenUnknown

	kept := records[:0]
	for _, r := range records {
		switch resolveAvailability(chain, r, s.log) {
		case models.TriFalse:
			report.UnavailableDropped++
		case models.TriUnknown:
			if lenient {
				kept = append(kept, r)
			} else {
				report.UnavailableDropped++
			}
		default:
			kept = append(kept, r)
		}
	}
	return kept, nil
}

// parentTagIndex looks up sweep-parent runs once so the parent-tag
// availability strategy can consult them without per-record queries.
func (s *Selector) parentTagIndex(ctx context.Context, backbone string, records []*models.TrialRecord) (map[string]map[string]string, error) {
	needed := false
	for _, src := range s.cfg.Selection.ArtifactCheckSources {
		if src == projectconfig.AvailabilityFromParent {
			needed = true
			break
		}
	}
	if !needed {
		return nil, nil
	}

	parents, err := s.source.ListRuns(ctx, backbone, models.StageSweep)
	if err != nil {
		return nil, fmt.Errorf("listing sweep parents for %s: %w", backbone, err)
	}
	idx := make(map[string]map[string]string, len(parents))
	for _, p := range parents {
		idx[p.RunID] = p.Tags
	}
	return idx, nil
}

// partition splits records into groups keyed by (study key, schema version).
func (s *Selector) partition(records []*models.TrialRecord) map[models.GroupKey]*models.Group {
	groups := make(map[models.GroupKey]*models.Group)
	for _, r := range records {
		key := models.GroupKey{StudyKeyHash: r.StudyKeyHash, SchemaVersion: r.SchemaVersion}
		if s.cfg.Selection.AllowMixedSchemaGroups {
			key.SchemaVersion = models.SchemaUnknown
		}
		g, ok := groups[key]
		if !ok {
			g = &models.Group{Key: key}
			groups[key] = g
		}
		g.Trials = append(g.Trials, r)
	}
	return groups
}

// applySchemaIsolation keeps only one hashing epoch's groups. Version "2.0"
// is preferred when present (configurable); comparing across epochs is
// refused unless the unsafe override is set.
func (s *Selector) applySchemaIsolation(groups map[models.GroupKey]*models.Group, report *models.SelectionReport) map[models.GroupKey]*models.Group {
	if s.cfg.Selection.AllowMixedSchemaGroups {
		s.log.Warn("mixed-schema override active: comparing trials across hashing epochs",
			zap.String("backbone", report.Backbone))
		report.SchemaVersionUsed = models.SchemaUnknown
		return groups
	}

	present := make(map[models.SchemaVersion]bool)
	for key := range groups {
		present[key.SchemaVersion] = true
	}

	use := s.cfg.Selection.PreferSchemaVersion
	if !present[use] {
		// Fall back to whichever known version exists, newest first.
		for _, v := range models.KnownSchemaVersions {
			if present[v] {
				use = v
				break
			}
		}
	}
	report.SchemaVersionUsed = use

	filtered := make(map[models.GroupKey]*models.Group)
	for key, g := range groups {
		if key.SchemaVersion == use {
			filtered[key] = g
		}
	}
	return filtered
}

// scoreAndRank computes every group's score, applies the min-trials guard,
// and returns the winning group (nil when none is eligible). All ranking is
// deterministic: stable score first, best metric as tie-break, study hash as
// the final total order.
func (s *Selector) scoreAndRank(groups map[models.GroupKey]*models.Group, report *models.SelectionReport) *models.Group {
	dir := s.cfg.Objective.Direction

	keys := make([]models.GroupKey, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].StudyKeyHash != keys[j].StudyKeyHash {
			return keys[i].StudyKeyHash < keys[j].StudyKeyHash
		}
		return keys[i].SchemaVersion < keys[j].SchemaVersion
	})

	var winner *models.Group
	var winnerScore models.GroupScore

	for _, key := range keys {
		g := groups[key]
		score := s.scoreGroup(g)
		report.InvalidMetrics += score.NInvalid
		report.GroupScores = append(report.GroupScores, score)
		if score.Excluded {
			continue
		}

		if winner == nil ||
			dir.Better(score.StableScore, winnerScore.StableScore) ||
			(score.StableScore == winnerScore.StableScore &&
				dir.Better(score.BestMetric, winnerScore.BestMetric)) {
			winner = g
			winnerScore = score
		}
	}
	return winner
}

// scoreGroup computes the stable score for one group. Trials with missing or
// non-finite metrics are counted and excluded, never coerced to zero; a group
// left with fewer valid trials than the guard requires is excluded entirely
// (winner's-curse protection).
func (s *Selector) scoreGroup(g *models.Group) models.GroupScore {
	score := models.GroupScore{Key: g.Key}

	var values []float64
	for _, t := range g.Trials {
		if !t.HasValidMetric() {
			score.NInvalid++
			continue
		}
		values = append(values, t.MetricValue)
	}
	score.NValid = len(values)

	if score.NValid < s.cfg.Selection.MinTrialsPerGroup {
		score.Excluded = true
		score.ExcludeReason = fmt.Sprintf("%d valid trials < min %d",
			score.NValid, s.cfg.Selection.MinTrialsPerGroup)
		return score
	}

	dir := s.cfg.Objective.Direction
	score.StableScore = stats.StableScore(values, s.cfg.Selection.TopKForStableScore, dir)
	score.BestMetric = stats.Best(values, dir)
	return score
}

// pickChampion returns the best valid trial inside the winning group. Ties
// on the raw metric break on run id so the result never depends on input
// order.
func (s *Selector) pickChampion(g *models.Group) *models.TrialRecord {
	dir := s.cfg.Objective.Direction
	var best *models.TrialRecord
	for _, t := range g.Trials {
		if !t.HasValidMetric() {
			continue
		}
		if best == nil ||
			dir.Better(t.MetricValue, best.MetricValue) ||
			(t.MetricValue == best.MetricValue && t.RunID < best.RunID) {
			best = t
		}
	}
	return best
}

func winnerScore(scores []models.GroupScore, key models.GroupKey) float64 {
	for _, sc := range scores {
		if sc.Key == key {
			return sc.StableScore
		}
	}
	return 0
}

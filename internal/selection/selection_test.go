package selection

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/seqlab/champ/internal/models"
	"github.com/seqlab/champ/internal/projectconfig"
	"github.com/seqlab/champ/internal/tracking"
)

const backbone = "bert-base"

// studyHash fabricates a distinct 64-hex study key per letter.
func studyHash(letter byte) string {
	out := make([]byte, 64)
	for i := range out {
		out[i] = letter
	}
	return string(out)
}

type trialOpt func(*tracking.Run)

func withSchema(v models.SchemaVersion) trialOpt {
	return func(r *tracking.Run) { r.Tags[models.TagSchemaVersion] = string(v) }
}

func withAvailability(v string) trialOpt {
	return func(r *tracking.Run) { r.Tags[models.TagArtifactAvailable] = v }
}

func withRefitLink(runID string) trialOpt {
	return func(r *tracking.Run) { r.Tags[models.TagRefitRunID] = runID }
}

func trialRun(id, study string, metric float64, opts ...trialOpt) tracking.Run {
	r := tracking.Run{
		RunID:     id,
		StartTime: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		Tags: map[string]string{
			models.TagStage:         models.StageTrial,
			models.TagBackbone:      backbone,
			models.TagStudyKey:      study,
			models.TagTrialKey:      "0123456789abcdef" + id,
			models.TagSchemaVersion: "2.0",
			models.TagParentRunID:   "sweep-" + study[:4],
		},
		Metrics: map[string]float64{},
	}
	if !math.IsNaN(metric) {
		r.Metrics["f1_macro"] = metric
	}
	for _, o := range opts {
		o(&r)
	}
	return r
}

func refitFor(run tracking.Run) tracking.Run {
	return tracking.Run{
		RunID:     "refit-" + run.RunID,
		StartTime: run.StartTime.Add(time.Hour),
		Tags: map[string]string{
			models.TagStage:    models.StageRefit,
			models.TagBackbone: backbone,
			models.TagStudyKey: run.Tags[models.TagStudyKey],
			models.TagTrialKey: run.Tags[models.TagTrialKey],
		},
	}
}

// refitsForAll appends a refit run for every trial run, so tests that are not
// about refit resolution never trip over it.
func refitsForAll(runs []tracking.Run) []tracking.Run {
	out := append([]tracking.Run{}, runs...)
	for _, r := range runs {
		if r.Tags[models.TagStage] == models.StageTrial {
			out = append(out, refitFor(r))
		}
	}
	return out
}

func newTestSelector(t *testing.T, runs []tracking.Run, mutate func(*projectconfig.Config)) (*Selector, *tracking.MemoryRunSource) {
	t.Helper()
	cfg := projectconfig.New()
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate(zap.NewNop()))
	src := tracking.NewMemoryRunSource(runs)
	return NewSelector(cfg, src, zap.NewNop(), WithTagWriter(src)), src
}

func TestSelectChampionBasic(t *testing.T) {
	study := studyHash('a')
	runs := refitsForAll([]tracking.Run{
		trialRun("t1", study, 0.80),
		trialRun("t2", study, 0.90),
		trialRun("t3", study, 0.85),
	})
	sel, _ := newTestSelector(t, runs, nil)

	report, err := sel.SelectChampion(context.Background(), backbone)
	require.NoError(t, err)
	require.NotNil(t, report)
	require.NotNil(t, report.Champion)

	assert.Equal(t, "t2", report.Champion.RunID)
	assert.Equal(t, 0.90, report.Champion.MetricValue)
	assert.Equal(t, "refit-t2", report.Champion.RefitRunID)
	assert.Equal(t, models.SchemaV2, report.SchemaVersionUsed)
	// Stable score = median of top-3 {0.80, 0.85, 0.90}.
	assert.InDelta(t, 0.85, report.Champion.StableScore, 1e-9)
}

func TestSelectChampionDeterministicAcrossInputOrder(t *testing.T) {
	study := studyHash('a')
	base := []tracking.Run{
		trialRun("t1", study, 0.85),
		trialRun("t2", study, 0.85), // exact tie with t1
		trialRun("t3", study, 0.80),
	}

	// Feed the same records in several orders; the champion never changes.
	orders := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 0, 2}, {1, 2, 0}}
	for _, order := range orders {
		shuffled := make([]tracking.Run, len(base))
		for i, j := range order {
			shuffled[i] = base[j]
		}
		sel, _ := newTestSelector(t, refitsForAll(shuffled), nil)

		report, err := sel.SelectChampion(context.Background(), backbone)
		require.NoError(t, err)
		require.NotNil(t, report.Champion)
		assert.Equal(t, "t1", report.Champion.RunID, "order %v", order)
	}
}

func TestMinTrialsGuardExcludesSmallHighScoringGroup(t *testing.T) {
	// Group A: stable 0.81 over 5 trials. Group B: higher raw scores but only
	// 2 trials with min_trials_per_group=3 → excluded, A wins.
	a, b := studyHash('a'), studyHash('b')
	runs := refitsForAll([]tracking.Run{
		trialRun("a1", a, 0.79),
		trialRun("a2", a, 0.80),
		trialRun("a3", a, 0.81),
		trialRun("a4", a, 0.82),
		trialRun("a5", a, 0.78),
		trialRun("b1", b, 0.83),
		trialRun("b2", b, 0.84),
	})
	sel, _ := newTestSelector(t, runs, func(c *projectconfig.Config) {
		c.Selection.MinTrialsPerGroup = 3
		c.Selection.TopKForStableScore = 3
	})

	report, err := sel.SelectChampion(context.Background(), backbone)
	require.NoError(t, err)
	require.NotNil(t, report.Champion)

	assert.Equal(t, a, report.Champion.StudyKeyHash)
	require.Len(t, report.GroupScores, 2)
	for _, gs := range report.GroupScores {
		if gs.Key.StudyKeyHash == b {
			assert.True(t, gs.Excluded)
			assert.Contains(t, gs.ExcludeReason, "2 valid trials")
		}
	}
}

func TestNaNMetricsExcludedNotCoerced(t *testing.T) {
	// 2 valid + 3 NaN trials: the group has 5 records but only 2 valid, so it
	// is excluded under min_trials=3 even though 5 >= 3.
	study := studyHash('a')
	runs := refitsForAll([]tracking.Run{
		trialRun("t1", study, 0.80),
		trialRun("t2", study, 0.85),
		trialRun("t3", study, math.NaN()),
		trialRun("t4", study, math.NaN()),
		trialRun("t5", study, math.Inf(1)),
	})
	sel, _ := newTestSelector(t, runs, nil)

	report, err := sel.SelectChampion(context.Background(), backbone)
	require.NoError(t, err)
	assert.Nil(t, report)
}

func TestNaNCountsReported(t *testing.T) {
	study := studyHash('a')
	runs := refitsForAll([]tracking.Run{
		trialRun("t1", study, 0.80),
		trialRun("t2", study, 0.85),
		trialRun("t3", study, 0.82),
		trialRun("t4", study, math.NaN()),
	})
	sel, _ := newTestSelector(t, runs, nil)

	report, err := sel.SelectChampion(context.Background(), backbone)
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.Equal(t, 1, report.InvalidMetrics)
	require.Len(t, report.GroupScores, 1)
	assert.Equal(t, 3, report.GroupScores[0].NValid)
	assert.Equal(t, 1, report.GroupScores[0].NInvalid)
}

func TestSchemaIsolation(t *testing.T) {
	// 3 trials per epoch in the same study: the champion must come from a
	// single epoch's group, preferring 2.0.
	study := studyHash('a')
	runs := refitsForAll([]tracking.Run{
		trialRun("v1a", study, 0.95, withSchema(models.SchemaV1)),
		trialRun("v1b", study, 0.94, withSchema(models.SchemaV1)),
		trialRun("v1c", study, 0.93, withSchema(models.SchemaV1)),
		trialRun("v2a", study, 0.85, withSchema(models.SchemaV2)),
		trialRun("v2b", study, 0.84, withSchema(models.SchemaV2)),
		trialRun("v2c", study, 0.83, withSchema(models.SchemaV2)),
	})
	sel, _ := newTestSelector(t, runs, nil)

	report, err := sel.SelectChampion(context.Background(), backbone)
	require.NoError(t, err)
	require.NotNil(t, report.Champion)

	// 1.0 scores higher but 2.0 is preferred; epochs never compete.
	assert.Equal(t, models.SchemaV2, report.SchemaVersionUsed)
	assert.Equal(t, "v2a", report.Champion.RunID)
	assert.Len(t, report.GroupScores, 1)
}

func TestSchemaFallbackWhenPreferredAbsent(t *testing.T) {
	study := studyHash('a')
	runs := refitsForAll([]tracking.Run{
		trialRun("v1a", study, 0.90, withSchema(models.SchemaV1)),
		trialRun("v1b", study, 0.89, withSchema(models.SchemaV1)),
		trialRun("v1c", study, 0.88, withSchema(models.SchemaV1)),
	})
	sel, _ := newTestSelector(t, runs, nil)

	report, err := sel.SelectChampion(context.Background(), backbone)
	require.NoError(t, err)
	require.NotNil(t, report.Champion)
	assert.Equal(t, models.SchemaV1, report.SchemaVersionUsed)
}

func TestMixedSchemaOverride(t *testing.T) {
	study := studyHash('a')
	runs := refitsForAll([]tracking.Run{
		trialRun("v1a", study, 0.95, withSchema(models.SchemaV1)),
		trialRun("v2a", study, 0.85, withSchema(models.SchemaV2)),
		trialRun("v2b", study, 0.84, withSchema(models.SchemaV2)),
	})
	sel, _ := newTestSelector(t, runs, func(c *projectconfig.Config) {
		c.Selection.AllowMixedSchemaGroups = true
	})

	report, err := sel.SelectChampion(context.Background(), backbone)
	require.NoError(t, err)
	require.NotNil(t, report.Champion)

	// Both epochs compete in one group; the 1.0 trial wins on raw metric.
	assert.Equal(t, "v1a", report.Champion.RunID)
	assert.Equal(t, models.SchemaUnknown, report.SchemaVersionUsed)
}

func TestArtifactAvailabilityFilter(t *testing.T) {
	study := studyHash('a')
	runs := refitsForAll([]tracking.Run{
		trialRun("t1", study, 0.95, withAvailability("false")),
		trialRun("t2", study, 0.85, withAvailability("true")),
		trialRun("t3", study, 0.84), // unknown: legacy record, kept leniently
		trialRun("t4", study, 0.83, withAvailability("true")),
	})
	sel, _ := newTestSelector(t, runs, nil)

	report, err := sel.SelectChampion(context.Background(), backbone)
	require.NoError(t, err)
	require.NotNil(t, report.Champion)

	assert.Equal(t, "t2", report.Champion.RunID)
	assert.Equal(t, 1, report.UnavailableDropped)
}

func TestArtifactAvailabilityStrictPolicy(t *testing.T) {
	study := studyHash('a')
	runs := refitsForAll([]tracking.Run{
		trialRun("t1", study, 0.85, withAvailability("true")),
		trialRun("t2", study, 0.84, withAvailability("true")),
		trialRun("t3", study, 0.95), // unknown: dropped under strict policy
		trialRun("t4", study, 0.83, withAvailability("true")),
	})
	sel, _ := newTestSelector(t, runs, func(c *projectconfig.Config) {
		off := false
		c.Selection.AssumeAvailableWhenUnknown = &off
	})

	report, err := sel.SelectChampion(context.Background(), backbone)
	require.NoError(t, err)
	require.NotNil(t, report.Champion)

	assert.Equal(t, "t1", report.Champion.RunID)
	assert.Equal(t, 1, report.UnavailableDropped)
}

func TestParentAvailabilityTagFallback(t *testing.T) {
	study := studyHash('a')
	sweep := tracking.Run{
		RunID: "sweep-" + study[:4],
		Tags: map[string]string{
			models.TagStage:             models.StageSweep,
			models.TagBackbone:          backbone,
			models.TagArtifactAvailable: "false",
		},
	}
	// Trials carry no availability tag of their own; the parent's tag says
	// false, so all are dropped.
	runs := refitsForAll([]tracking.Run{
		trialRun("t1", study, 0.85),
		trialRun("t2", study, 0.84),
		trialRun("t3", study, 0.83),
	})
	runs = append(runs, sweep)
	sel, _ := newTestSelector(t, runs, nil)

	report, err := sel.SelectChampion(context.Background(), backbone)
	require.NoError(t, err)
	assert.Nil(t, report)
}

func TestSweepParentsDropped(t *testing.T) {
	study := studyHash('a')
	sweep := tracking.Run{
		RunID: "sweep-run",
		Tags: map[string]string{
			models.TagStage:    models.StageTrial, // mislabeled aggregate
			models.TagBackbone: backbone,
			models.TagStudyKey: study,
			models.TagTrialKey: "0123456789abcdefsweep",
		},
		Metrics: map[string]float64{},
	}
	runs := refitsForAll([]tracking.Run{
		trialRun("t1", study, 0.85),
		trialRun("t2", study, 0.84),
		trialRun("t3", study, 0.83),
	})
	runs = append(runs, sweep)
	sel, _ := newTestSelector(t, runs, nil)

	report, err := sel.SelectChampion(context.Background(), backbone)
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, 1, report.ParentsDropped)
}

func TestMissingRefitIsFatalAndTagsRun(t *testing.T) {
	study := studyHash('a')
	runs := []tracking.Run{
		trialRun("t1", study, 0.85),
		trialRun("t2", study, 0.84),
		trialRun("t3", study, 0.83),
		// one unrelated refit so the diagnostic has something to sample
		refitFor(trialRun("zz", studyHash('f'), 0.1)),
	}
	sel, src := newTestSelector(t, runs, nil)

	_, err := sel.SelectChampion(context.Background(), backbone)
	require.Error(t, err)

	var missing *tracking.RefitMissingError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, 1, missing.TotalRefits)

	// The owned failure path marks the champion run.
	assert.Equal(t, "refit_missing", src.WrittenTags("t1")[TagSelectionStatus])
}

func TestMinimizeDirection(t *testing.T) {
	study := studyHash('a')
	runs := refitsForAll([]tracking.Run{
		trialRun("t1", study, 0.30),
		trialRun("t2", study, 0.10),
		trialRun("t3", study, 0.20),
	})
	// The objective is a loss here, so rename the metric on the runs.
	for i := range runs {
		if v, ok := runs[i].Metrics["f1_macro"]; ok {
			runs[i].Metrics = map[string]float64{"loss": v}
		}
	}
	sel, _ := newTestSelector(t, runs, func(c *projectconfig.Config) {
		c.Objective.Metric = "loss"
		c.Objective.Direction = models.Minimize
	})

	report, err := sel.SelectChampion(context.Background(), backbone)
	require.NoError(t, err)
	require.NotNil(t, report.Champion)
	assert.Equal(t, "t2", report.Champion.RunID)
	assert.Equal(t, 0.10, report.Champion.MetricValue)
}

func TestGroupTieBreaksOnBestMetric(t *testing.T) {
	// Two groups with identical stable scores; the one with the better best
	// metric wins deterministically.
	a, b := studyHash('a'), studyHash('b')
	runs := refitsForAll([]tracking.Run{
		trialRun("a1", a, 0.80),
		trialRun("a2", a, 0.85),
		trialRun("a3", a, 0.90),
		trialRun("b1", b, 0.85),
		trialRun("b2", b, 0.85),
		trialRun("b3", b, 0.85),
	})
	sel, _ := newTestSelector(t, runs, nil)

	report, err := sel.SelectChampion(context.Background(), backbone)
	require.NoError(t, err)
	require.NotNil(t, report.Champion)
	// Both stable scores are 0.85; group A's best metric 0.90 breaks the tie.
	assert.Equal(t, a, report.Champion.StudyKeyHash)
	assert.Equal(t, "a3", report.Champion.RunID)
}

func TestNoTrialsReturnsNilReport(t *testing.T) {
	sel, _ := newTestSelector(t, nil, nil)
	report, err := sel.SelectChampion(context.Background(), backbone)
	require.NoError(t, err)
	assert.Nil(t, report)
}

func TestDiskCheckerStrategy(t *testing.T) {
	study := studyHash('a')
	runs := refitsForAll([]tracking.Run{
		trialRun("t1", study, 0.95),
		trialRun("t2", study, 0.85),
		trialRun("t3", study, 0.84),
	})

	cfg := projectconfig.New()
	cfg.Selection.ArtifactCheckSources = []projectconfig.AvailabilitySource{
		projectconfig.AvailabilityFromDisk,
	}
	off := false
	cfg.Selection.AssumeAvailableWhenUnknown = &off
	require.NoError(t, cfg.Validate(zap.NewNop()))

	src := tracking.NewMemoryRunSource(runs)
	disk := func(rec *models.TrialRecord) models.TriState {
		if rec.RunID == "t1" {
			return models.TriFalse
		}
		return models.TriTrue
	}
	sel := NewSelector(cfg, src, zap.NewNop(), WithDiskChecker(disk))

	report, err := sel.SelectChampion(context.Background(), backbone)
	require.NoError(t, err)
	require.NotNil(t, report.Champion)
	assert.Equal(t, "t2", report.Champion.RunID)
	assert.Equal(t, 1, report.UnavailableDropped)
}

func TestMissingGroupingTagsCounted(t *testing.T) {
	study := studyHash('a')
	broken := tracking.Run{
		RunID:   "broken",
		Tags:    map[string]string{models.TagStage: models.StageTrial, models.TagBackbone: backbone},
		Metrics: map[string]float64{"f1_macro": 0.99},
	}
	runs := refitsForAll([]tracking.Run{
		trialRun("t1", study, 0.85),
		trialRun("t2", study, 0.84),
		trialRun("t3", study, 0.83),
	})
	runs = append(runs, broken)
	sel, _ := newTestSelector(t, runs, nil)

	report, err := sel.SelectChampion(context.Background(), backbone)
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, 1, report.MissingTags)
	assert.Equal(t, "t1", report.Champion.RunID)
}

func TestChampionMetadataInReport(t *testing.T) {
	study := studyHash('a')
	runs := refitsForAll([]tracking.Run{
		trialRun("t1", study, 0.85),
		trialRun("t2", study, 0.84),
		trialRun("t3", study, 0.83),
	})
	sel, _ := newTestSelector(t, runs, func(c *projectconfig.Config) {
		c.Selection.MinTrialsPerGroup = 3
		c.Selection.TopKForStableScore = 2
	})

	report, err := sel.SelectChampion(context.Background(), backbone)
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.Equal(t, backbone, report.Backbone)
	assert.Equal(t, "f1_macro", report.MetricName)
	assert.Equal(t, models.Maximize, report.Direction)
	assert.Equal(t, 3, report.MinTrialsPerGroup)
	assert.Equal(t, 2, report.TopK)
	// Top-2 of {0.83, 0.84, 0.85} → median of {0.84, 0.85} = 0.845.
	assert.InDelta(t, 0.845, report.Champion.StableScore, 1e-9)
}

func TestManyGroupsStableWinner(t *testing.T) {
	// Regression guard for map-iteration nondeterminism: many equal groups,
	// winner must be the lexicographically first study hash every time.
	var runs []tracking.Run
	for c := byte('a'); c <= 'j'; c++ {
		study := studyHash(c)
		for i := 1; i <= 3; i++ {
			runs = append(runs, trialRun(fmt.Sprintf("%c%d", c, i), study, 0.80))
		}
	}
	runs = refitsForAll(runs)

	for i := 0; i < 5; i++ {
		sel, _ := newTestSelector(t, runs, nil)
		report, err := sel.SelectChampion(context.Background(), backbone)
		require.NoError(t, err)
		require.NotNil(t, report.Champion)
		assert.Equal(t, studyHash('a'), report.Champion.StudyKeyHash)
	}
}

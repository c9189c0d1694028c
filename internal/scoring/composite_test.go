package scoring

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/seqlab/champ/internal/models"
	"github.com/seqlab/champ/internal/projectconfig"
)

func pad(s string) string {
	for len(s) < 64 {
		s += "0"
	}
	return s
}

func trial(id, study, trialKey, backbone string, quality float64) *models.TrialRecord {
	return &models.TrialRecord{
		RunID:         id,
		StudyKeyHash:  pad(study),
		TrialKeyHash:  pad(trialKey),
		Backbone:      backbone,
		MetricValue:   quality,
		SchemaVersion: models.SchemaV2,
	}
}

func bench(id, study, trialKey string, latency float64, start time.Time) *models.BenchmarkRecord {
	return &models.BenchmarkRecord{
		RunID:        id,
		StudyKeyHash: pad(study),
		TrialKeyHash: pad(trialKey),
		BenchmarkKey: "bk-" + pad(study)[:4],
		LatencyMs:    latency,
		StartTime:    start,
	}
}

func ranker(t *testing.T, mutate func(*projectconfig.Config)) *CompositeRanker {
	t.Helper()
	cfg := projectconfig.New()
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate(zap.NewNop()))
	return NewCompositeRanker(cfg, zap.NewNop())
}

func TestRankPicksQualityLatencyTradeoff(t *testing.T) {
	t0 := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	trials := []*models.TrialRecord{
		trial("t-big", "aa", "a1", "deberta-large", 0.90),
		trial("t-small", "bb", "b1", "distilbert", 0.88),
		trial("t-worst", "cc", "c1", "bert-base", 0.70),
	}
	benchmarks := []*models.BenchmarkRecord{
		bench("b-big", "aa", "a1", 120, t0),
		bench("b-small", "bb", "b1", 20, t0),
		bench("b-worst", "cc", "c1", 60, t0),
	}

	// Equal weights: the small model's huge latency edge beats the large
	// model's small quality edge.
	report := ranker(t, func(c *projectconfig.Config) {
		c.Scoring.F1Weight = 0.5
		c.Scoring.LatencyWeight = 0.5
	}).Rank(trials, benchmarks)

	require.NotNil(t, report.Winner)
	assert.Equal(t, "distilbert", report.Winner.Backbone)
	assert.Len(t, report.Candidates, 3)

	// Heavy quality weighting flips the winner to the large model.
	report = ranker(t, func(c *projectconfig.Config) {
		c.Scoring.F1Weight = 0.95
		c.Scoring.LatencyWeight = 0.05
	}).Rank(trials, benchmarks)
	require.NotNil(t, report.Winner)
	assert.Equal(t, "deberta-large", report.Winner.Backbone)
}

func TestRankDropsIncompletePairs(t *testing.T) {
	t0 := time.Now()
	trials := []*models.TrialRecord{
		trial("t1", "aa", "a1", "bert-base", 0.90),
		trial("t2", "bb", "b1", "bert-base", math.NaN()), // no quality
		trial("t3", "cc", "c1", "bert-base", 0.85),       // no benchmark
	}
	benchmarks := []*models.BenchmarkRecord{
		bench("b1", "aa", "a1", 50, t0),
		bench("b2", "bb", "b1", 40, t0),
	}

	report := ranker(t, nil).Rank(trials, benchmarks)
	require.NotNil(t, report.Winner)
	assert.Len(t, report.Candidates, 1)
	assert.Equal(t, 1, report.MissingQuality)
	assert.Equal(t, 1, report.MissingLatency)
}

func TestRankZeroRangeAxisIsNeutral(t *testing.T) {
	// Identical latencies: the latency axis normalizes to 0.5 everywhere and
	// quality alone decides, without a divide-by-zero spurious winner.
	t0 := time.Now()
	trials := []*models.TrialRecord{
		trial("t1", "aa", "a1", "m1", 0.80),
		trial("t2", "bb", "b1", "m2", 0.90),
	}
	benchmarks := []*models.BenchmarkRecord{
		bench("b1", "aa", "a1", 30, t0),
		bench("b2", "bb", "b1", 30, t0),
	}

	report := ranker(t, nil).Rank(trials, benchmarks)
	require.NotNil(t, report.Winner)
	assert.Equal(t, "m2", report.Winner.Backbone)
	for _, c := range report.Candidates {
		assert.Equal(t, 0.5, c.NormLatencyInv)
	}
}

func TestRankTieBreaksByInsertionOrder(t *testing.T) {
	// Two identical candidates: the first in the trial list wins, always.
	t0 := time.Now()
	trials := []*models.TrialRecord{
		trial("t-first", "aa", "a1", "m1", 0.85),
		trial("t-second", "bb", "b1", "m2", 0.85),
	}
	benchmarks := []*models.BenchmarkRecord{
		bench("b1", "aa", "a1", 30, t0),
		bench("b2", "bb", "b1", 30, t0),
	}

	for i := 0; i < 5; i++ {
		report := ranker(t, nil).Rank(trials, benchmarks)
		require.NotNil(t, report.Winner)
		assert.Equal(t, "t-first", report.Winner.TrialRunID)
	}
}

func TestRankEmptyInput(t *testing.T) {
	report := ranker(t, nil).Rank(nil, nil)
	assert.Nil(t, report.Winner)
	assert.Empty(t, report.Candidates)
}

func TestMedianAggregationIgnoresOutlier(t *testing.T) {
	// Latencies [12, 15, 11, 40]: true median 13.5, representative must be
	// the 12 or 15 record, never the 40 outlier.
	t0 := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	records := []*models.BenchmarkRecord{
		bench("b1", "aa", "a1", 12, t0),
		bench("b2", "aa", "a1", 15, t0.Add(time.Minute)),
		bench("b3", "aa", "a1", 11, t0.Add(2*time.Minute)),
		bench("b4", "aa", "a1", 40, t0.Add(3*time.Minute)),
	}

	agg := aggregateBenchmarks(records, projectconfig.AggregationMedian)
	pair := models.KeyPair{StudyKeyHash: pad("aa"), TrialKeyHash: pad("a1")}
	got, ok := agg[pair]
	require.True(t, ok)

	assert.Contains(t, []float64{12, 15}, got.LatencyMs)
	assert.NotEqual(t, "b4", got.Representative.RunID)
}

func TestLatestAggregation(t *testing.T) {
	t0 := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	records := []*models.BenchmarkRecord{
		bench("b-old", "aa", "a1", 12, t0),
		bench("b-new", "aa", "a1", 18, t0.Add(time.Hour)),
	}

	agg := aggregateBenchmarks(records, projectconfig.AggregationLatest)
	pair := models.KeyPair{StudyKeyHash: pad("aa"), TrialKeyHash: pad("a1")}
	assert.Equal(t, 18.0, agg[pair].LatencyMs)
	assert.Equal(t, "b-new", agg[pair].Representative.RunID)
}

func TestMeanAggregation(t *testing.T) {
	t0 := time.Now()
	records := []*models.BenchmarkRecord{
		bench("b1", "aa", "a1", 10, t0),
		bench("b2", "aa", "a1", 20, t0.Add(time.Minute)),
	}

	agg := aggregateBenchmarks(records, projectconfig.AggregationMean)
	pair := models.KeyPair{StudyKeyHash: pad("aa"), TrialKeyHash: pad("a1")}
	assert.Equal(t, 15.0, agg[pair].LatencyMs)
}

func TestAggregateBenchmarksKeepsFirstSeenOrder(t *testing.T) {
	t0 := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	records := []*models.BenchmarkRecord{
		bench("b1", "bb", "b1", 20, t0),
		bench("b2", "aa", "a1", 12, t0.Add(time.Minute)),
		bench("b3", "bb", "b1", 22, t0.Add(2*time.Minute)),
	}

	aggs := AggregateBenchmarks(records, projectconfig.AggregationLatest)
	require.Len(t, aggs, 2)
	assert.Equal(t, pad("bb"), aggs[0].StudyKeyHash)
	assert.Equal(t, 22.0, aggs[0].LatencyMs)
	assert.Equal(t, pad("aa"), aggs[1].StudyKeyHash)
}

func TestAggregationSkipsInvalidLatency(t *testing.T) {
	t0 := time.Now()
	records := []*models.BenchmarkRecord{
		bench("b1", "aa", "a1", math.NaN(), t0),
		bench("b2", "aa", "a1", -5, t0),
	}

	agg := aggregateBenchmarks(records, projectconfig.AggregationMedian)
	assert.Empty(t, agg)
}

func TestMinimizedQualityInvertsAxis(t *testing.T) {
	// When the objective is a loss, a lower quality value must score higher.
	t0 := time.Now()
	trials := []*models.TrialRecord{
		trial("t-lowloss", "aa", "a1", "m1", 0.10),
		trial("t-highloss", "bb", "b1", "m2", 0.50),
	}
	benchmarks := []*models.BenchmarkRecord{
		bench("b1", "aa", "a1", 30, t0),
		bench("b2", "bb", "b1", 30, t0),
	}

	report := ranker(t, func(c *projectconfig.Config) {
		c.Objective.Direction = models.Minimize
	}).Rank(trials, benchmarks)
	require.NotNil(t, report.Winner)
	assert.Equal(t, "t-lowloss", report.Winner.TrialRunID)
}

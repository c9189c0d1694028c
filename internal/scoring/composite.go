// Package scoring ranks configurations across model variants by combining
// the trial quality metric with benchmark latency into one composite score.
// It is the "one best model overall" path, complementary to per-variant
// champion selection.
package scoring

import (
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/seqlab/champ/internal/models"
	"github.com/seqlab/champ/internal/projectconfig"
	"github.com/seqlab/champ/internal/stats"
)

// Candidate is one (study, trial) pair with both a valid quality metric and
// a valid aggregated latency.
type Candidate struct {
	models.KeyPair
	Backbone       string  `json:"backbone"`
	TrialRunID     string  `json:"trial_run_id"`
	BenchmarkRunID string  `json:"benchmark_run_id"`
	Quality        float64 `json:"quality"`
	LatencyMs      float64 `json:"latency_ms"`

	NormQuality    float64              `json:"norm_quality"`
	NormLatencyInv float64              `json:"norm_latency_inverted"`
	CompositeScore float64              `json:"composite_score"`
	SchemaVersion  models.SchemaVersion `json:"schema_version"`
}

// RankingReport is the ranked cross-variant candidate list. Candidates are
// ordered best-first; Winner aliases the first entry.
type RankingReport struct {
	Candidates    []Candidate               `json:"candidates"`
	Winner        *Candidate                `json:"winner"`
	F1Weight      float64                   `json:"f1_weight"`
	LatencyWeight float64                   `json:"latency_weight"`
	Aggregation   projectconfig.Aggregation `json:"aggregation"`

	// Pairs dropped for missing one of the two axes.
	MissingQuality int `json:"missing_quality"`
	MissingLatency int `json:"missing_latency"`
}

// CompositeRanker joins benchmarks with trial metrics and scores them.
type CompositeRanker struct {
	cfg *projectconfig.Config
	log *zap.Logger
}

// NewCompositeRanker wires a ranker.
func NewCompositeRanker(cfg *projectconfig.Config, log *zap.Logger) *CompositeRanker {
	return &CompositeRanker{cfg: cfg, log: log}
}

// Rank builds candidates from trials and benchmarks, normalizes both axes,
// and returns the ranked list. Returns a report with no winner when no pair
// has both measurements — an expected condition, not an error.
func (r *CompositeRanker) Rank(trials []*models.TrialRecord, benchmarks []*models.BenchmarkRecord) *RankingReport {
	return r.RankAggregated(trials, AggregateBenchmarks(benchmarks, r.cfg.Benchmark.Aggregation))
}

// RankAggregated ranks against pre-aggregated latencies, as replayed from the
// benchmark result cache.
func (r *CompositeRanker) RankAggregated(trials []*models.TrialRecord, aggregates []AggregatedBenchmark) *RankingReport {
	report := &RankingReport{
		F1Weight:      r.cfg.Scoring.F1Weight,
		LatencyWeight: r.cfg.Scoring.LatencyWeight,
		Aggregation:   r.cfg.Benchmark.Aggregation,
	}

	latencies := make(map[models.KeyPair]AggregatedBenchmark, len(aggregates))
	for _, a := range aggregates {
		latencies[a.KeyPair] = a
	}

	// Build candidates in trial order so ties resolve by the insertion order
	// of the underlying record list, never randomly.
	seen := make(map[models.KeyPair]bool)
	for _, t := range trials {
		pair := t.KeyPair()
		if seen[pair] {
			continue
		}
		seen[pair] = true

		if !t.HasValidMetric() {
			report.MissingQuality++
			continue
		}
		agg, ok := latencies[pair]
		if !ok {
			report.MissingLatency++
			continue
		}

		report.Candidates = append(report.Candidates, Candidate{
			KeyPair:        pair,
			Backbone:       t.Backbone,
			TrialRunID:     t.RunID,
			BenchmarkRunID: agg.Representative.RunID,
			Quality:        t.MetricValue,
			LatencyMs:      agg.LatencyMs,
			SchemaVersion:  t.SchemaVersion,
		})
	}

	if len(report.Candidates) == 0 {
		r.log.Info("no candidates with both quality and latency",
			zap.Int("missing_quality", report.MissingQuality),
			zap.Int("missing_latency", report.MissingLatency))
		return report
	}

	r.score(report.Candidates)

	sort.SliceStable(report.Candidates, func(i, j int) bool {
		return report.Candidates[i].CompositeScore > report.Candidates[j].CompositeScore
	})
	report.Winner = &report.Candidates[0]

	r.log.Info("composite winner",
		zap.String("backbone", report.Winner.Backbone),
		zap.String("trial_run", report.Winner.TrialRunID),
		zap.Float64("composite", report.Winner.CompositeScore))

	return report
}

// score min–max normalizes quality and inverted latency independently across
// the candidate set and fills in the weighted composite.
func (r *CompositeRanker) score(cands []Candidate) {
	quality := make([]float64, len(cands))
	latencyInv := make([]float64, len(cands))
	for i, c := range cands {
		quality[i] = c.Quality
		latencyInv[i] = -c.LatencyMs // lower latency is better
	}

	normQ := stats.MinMaxNormalize(quality)
	normL := stats.MinMaxNormalize(latencyInv)

	dir := r.cfg.Objective.Direction
	if dir == models.Minimize {
		// A minimized quality metric (loss) inverts the quality axis too.
		for i := range normQ {
			normQ[i] = 1 - normQ[i]
		}
	}

	for i := range cands {
		cands[i].NormQuality = normQ[i]
		cands[i].NormLatencyInv = normL[i]
		cands[i].CompositeScore = r.cfg.Scoring.F1Weight*normQ[i] +
			r.cfg.Scoring.LatencyWeight*normL[i]
	}
}

// AggregatedBenchmark is one key pair's collapsed latency plus the
// representative record it came from. The slice form returned by
// AggregateBenchmarks is what the benchmark result cache persists.
type AggregatedBenchmark struct {
	models.KeyPair
	LatencyMs      float64                 `json:"latency_ms"`
	Representative *models.BenchmarkRecord `json:"representative"`
}

// AggregateBenchmarks collapses rerun measurements into one latency per
// (study, trial) pair, ordered by each pair's first appearance in the record
// list so the output is deterministic and cacheable.
func AggregateBenchmarks(records []*models.BenchmarkRecord, strategy projectconfig.Aggregation) []AggregatedBenchmark {
	byPair := aggregateBenchmarks(records, strategy)

	seen := make(map[models.KeyPair]bool, len(byPair))
	out := make([]AggregatedBenchmark, 0, len(byPair))
	for _, rec := range records {
		pair := models.KeyPair{StudyKeyHash: rec.StudyKeyHash, TrialKeyHash: rec.TrialKeyHash}
		if seen[pair] {
			continue
		}
		seen[pair] = true
		if agg, ok := byPair[pair]; ok {
			out = append(out, agg)
		}
	}
	return out
}

// aggregateBenchmarks collapses rerun measurements. Records are first grouped
// by the full (study, trial, benchmark key) identity and collapsed by the
// strategy; when one key pair carries several benchmark keys (re-configured
// benchmarks), the one with the most recent representative wins.
func aggregateBenchmarks(records []*models.BenchmarkRecord, strategy projectconfig.Aggregation) map[models.KeyPair]AggregatedBenchmark {
	type fullKey struct {
		pair  models.KeyPair
		bench string
	}

	groups := make(map[fullKey][]*models.BenchmarkRecord)
	var order []fullKey
	for _, rec := range records {
		if !rec.HasValidLatency() {
			continue
		}
		k := fullKey{pair: models.KeyPair{StudyKeyHash: rec.StudyKeyHash, TrialKeyHash: rec.TrialKeyHash}, bench: rec.BenchmarkKey}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], rec)
	}

	out := make(map[models.KeyPair]AggregatedBenchmark)
	for _, k := range order {
		agg := collapse(groups[k], strategy)
		agg.KeyPair = k.pair
		prev, ok := out[k.pair]
		if !ok || agg.Representative.StartTime.After(prev.Representative.StartTime) {
			out[k.pair] = agg
		}
	}
	return out
}

// collapse reduces one group of rerun measurements to a single latency and
// representative record.
func collapse(records []*models.BenchmarkRecord, strategy projectconfig.Aggregation) AggregatedBenchmark {
	// Deterministic working order regardless of input order.
	sorted := make([]*models.BenchmarkRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].StartTime.Equal(sorted[j].StartTime) {
			return sorted[i].StartTime.Before(sorted[j].StartTime)
		}
		return sorted[i].RunID < sorted[j].RunID
	})

	switch strategy {
	case projectconfig.AggregationLatest:
		rep := sorted[len(sorted)-1]
		return AggregatedBenchmark{LatencyMs: rep.LatencyMs, Representative: rep}

	case projectconfig.AggregationMean:
		sum := 0.0
		for _, r := range sorted {
			sum += r.LatencyMs
		}
		mean := sum / float64(len(sorted))
		return AggregatedBenchmark{LatencyMs: mean, Representative: closestTo(sorted, mean)}

	default: // median
		values := make([]float64, len(sorted))
		for i, r := range sorted {
			values[i] = r.LatencyMs
		}
		med := stats.Median(values)
		rep := closestTo(sorted, med)
		return AggregatedBenchmark{LatencyMs: rep.LatencyMs, Representative: rep}
	}
}

// closestTo returns the record whose latency is nearest to target; ties go to
// the earlier record in the deterministic order.
func closestTo(sorted []*models.BenchmarkRecord, target float64) *models.BenchmarkRecord {
	best := sorted[0]
	bestDist := math.Abs(best.LatencyMs - target)
	for _, r := range sorted[1:] {
		if d := math.Abs(r.LatencyMs - target); d < bestDist {
			best = r
			bestDist = d
		}
	}
	return best
}

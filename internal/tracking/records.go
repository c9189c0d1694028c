package tracking

import (
	"fmt"
	"math"

	"github.com/seqlab/champ/internal/models"
)

// ParseTrialRecord converts a trial-stage run into a TrialRecord. Runs
// missing their study or trial key tag cannot be grouped and are rejected;
// the caller counts them rather than crash the selection.
func ParseTrialRecord(run Run, metricName string) (*models.TrialRecord, error) {
	study := run.Tags[models.TagStudyKey]
	trial := run.Tags[models.TagTrialKey]
	if study == "" || trial == "" {
		return nil, fmt.Errorf("run %s: missing %s/%s tags", run.RunID,
			models.TagStudyKey, models.TagTrialKey)
	}

	metric := math.NaN()
	if v, ok := run.Metrics[metricName]; ok {
		metric = v
	}

	return &models.TrialRecord{
		RunID:             run.RunID,
		StudyKeyHash:      study,
		TrialKeyHash:      trial,
		SchemaVersion:     models.DetectSchemaVersion(run.Tags),
		Backbone:          run.Tags[models.TagBackbone],
		MetricValue:       metric,
		IsChildOfParent:   run.Tags[models.TagParentRunID] != "",
		ParentRunID:       run.Tags[models.TagParentRunID],
		ArtifactAvailable: models.ParseTriState(run.Tags[models.TagArtifactAvailable]),
		StartTime:         run.StartTime,
		Tags:              run.Tags,
	}, nil
}

// ParseRefitRecord converts a refit-stage run into a RefitRecord.
func ParseRefitRecord(run Run) (*models.RefitRecord, error) {
	study := run.Tags[models.TagStudyKey]
	trial := run.Tags[models.TagTrialKey]
	if study == "" || trial == "" {
		return nil, fmt.Errorf("refit run %s: missing %s/%s tags", run.RunID,
			models.TagStudyKey, models.TagTrialKey)
	}
	return &models.RefitRecord{
		RunID:        run.RunID,
		StudyKeyHash: study,
		TrialKeyHash: trial,
		StartTime:    run.StartTime,
		Tags:         run.Tags,
	}, nil
}

// ParseBenchmarkRecord converts a benchmark-stage run into a BenchmarkRecord.
// The latency metric name comes from configuration (usually "latency_ms").
func ParseBenchmarkRecord(run Run, latencyMetric string) (*models.BenchmarkRecord, error) {
	study := run.Tags[models.TagStudyKey]
	trial := run.Tags[models.TagTrialKey]
	bench := run.Tags[models.TagBenchmarkKey]
	if study == "" || trial == "" || bench == "" {
		return nil, fmt.Errorf("benchmark run %s: missing identity tags", run.RunID)
	}

	latency := math.NaN()
	if v, ok := run.Metrics[latencyMetric]; ok {
		latency = v
	}

	return &models.BenchmarkRecord{
		RunID:        run.RunID,
		StudyKeyHash: study,
		TrialKeyHash: trial,
		BenchmarkKey: bench,
		LatencyMs:    latency,
		Throughput:   run.Metrics["throughput"],
		StartTime:    run.StartTime,
	}, nil
}

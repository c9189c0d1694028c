package models

import (
	"math"
	"time"
)

// TrialRecord is one completed optimization attempt, parsed from a tracking
// run. Trial runs carry cross-validation metrics; the deployable checkpoint
// lives on the associated refit run.
type TrialRecord struct {
	RunID         string        `json:"run_id"`
	StudyKeyHash  string        `json:"study_key_hash"`
	TrialKeyHash  string        `json:"trial_key_hash"`
	SchemaVersion SchemaVersion `json:"schema_version"`
	Backbone      string        `json:"backbone"`

	// MetricValue is the objective metric; NaN when missing.
	MetricValue float64 `json:"metric_value"`

	// IsChildOfParent distinguishes individual trials from aggregate sweep
	// runs, which carry no per-trial metric.
	IsChildOfParent   bool     `json:"is_child_of_parent"`
	ParentRunID       string   `json:"parent_run_id,omitempty"`
	ArtifactAvailable TriState `json:"artifact_available"`

	StartTime time.Time         `json:"start_time"`
	Tags      map[string]string `json:"tags,omitempty"`

	// Refit is the authoritative re-training of this configuration, if one
	// has been resolved. Nil until refit resolution runs.
	Refit *RefitRecord `json:"refit,omitempty"`
}

// HasValidMetric reports whether the record carries a finite objective value.
func (t *TrialRecord) HasValidMetric() bool {
	return !math.IsNaN(t.MetricValue) && !math.IsInf(t.MetricValue, 0)
}

// KeyPair returns the (study, trial) identity of the record.
func (t *TrialRecord) KeyPair() KeyPair {
	return KeyPair{StudyKeyHash: t.StudyKeyHash, TrialKeyHash: t.TrialKeyHash}
}

// RefitRecord is a full-data re-training of a selected trial's
// hyperparameters, and the authoritative source of the checkpoint.
type RefitRecord struct {
	RunID        string            `json:"run_id"`
	StudyKeyHash string            `json:"study_key_hash"`
	TrialKeyHash string            `json:"trial_key_hash"`
	StartTime    time.Time         `json:"start_time"`
	Tags         map[string]string `json:"tags,omitempty"`
}

// KeyPair joins trial and benchmark data; records sharing a KeyPair are the
// same logical configuration.
type KeyPair struct {
	StudyKeyHash string `json:"study_key_hash"`
	TrialKeyHash string `json:"trial_key_hash"`
}

// BenchmarkRecord is one latency measurement for a configuration. Reruns
// produce multiple records under the same benchmark key; they are collapsed
// by the configured aggregation strategy before scoring.
type BenchmarkRecord struct {
	RunID        string    `json:"run_id"`
	StudyKeyHash string    `json:"study_key_hash"`
	TrialKeyHash string    `json:"trial_key_hash"`
	BenchmarkKey string    `json:"benchmark_key"`
	LatencyMs    float64   `json:"latency_ms"`
	Throughput   float64   `json:"throughput,omitempty"`
	StartTime    time.Time `json:"start_time"`
}

// HasValidLatency reports whether the measurement is usable for scoring.
func (b *BenchmarkRecord) HasValidLatency() bool {
	return b.LatencyMs > 0 && !math.IsNaN(b.LatencyMs) && !math.IsInf(b.LatencyMs, 0)
}

package tracking

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seqlab/champ/internal/models"
)

const (
	studyA = "a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1"
	trialA = "b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2"
)

func writeExport(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "runs.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestFileRunSourceListRuns(t *testing.T) {
	content := `{
  "runs": [
    {"run_id": "r2", "tags": {"backbone": "bert-base", "stage": "trial"}, "metrics": {"f1_macro": 0.81}},
    {"run_id": "r1", "tags": {"backbone": "bert-base", "stage": "refit"}, "metrics": {}},
    {"run_id": "r3", "tags": {"backbone": "roberta", "stage": "trial"}, "metrics": {"f1_macro": 0.85}}
  ]
}`
	path := writeExport(t, t.TempDir(), content)

	src, err := NewFileRunSource(path)
	require.NoError(t, err)

	runs, err := src.ListRuns(context.Background(), "bert-base", models.StageTrial)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "r2", runs[0].RunID)

	all, err := src.ListRuns(context.Background(), "", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
	// Sorted by run id for deterministic iteration.
	assert.Equal(t, "r1", all[0].RunID)
}

func TestFileRunSourceArtifacts(t *testing.T) {
	dir := t.TempDir()
	path := writeExport(t, dir, `{"runs": [{"run_id": "r1", "tags": {}, "metrics": {}}]}`)

	ckptDir := filepath.Join(dir, "artifacts", "r1", "checkpoint")
	require.NoError(t, os.MkdirAll(ckptDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(ckptDir, "model.bin"), []byte("weights"), 0644))

	src, err := NewFileRunSource(path)
	require.NoError(t, err)

	arts, err := src.ListArtifacts(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, "checkpoint", arts[0].Path)
	assert.True(t, arts[0].IsDir)

	dest := t.TempDir()
	require.NoError(t, src.DownloadArtifacts(context.Background(), "r1", "checkpoint", dest))
	assert.FileExists(t, filepath.Join(dest, "checkpoint", "model.bin"))

	// Unknown run yields an empty listing, not an error.
	none, err := src.ListArtifacts(context.Background(), "r9")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestParseTrialRecord(t *testing.T) {
	run := Run{
		RunID:     "r1",
		StartTime: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Tags: map[string]string{
			models.TagStudyKey:          studyA,
			models.TagTrialKey:          trialA,
			models.TagSchemaVersion:     "2.0",
			models.TagBackbone:          "bert-base",
			models.TagParentRunID:       "sweep-1",
			models.TagArtifactAvailable: "true",
		},
		Metrics: map[string]float64{"f1_macro": 0.83},
	}

	rec, err := ParseTrialRecord(run, "f1_macro")
	require.NoError(t, err)
	assert.Equal(t, studyA, rec.StudyKeyHash)
	assert.Equal(t, models.SchemaV2, rec.SchemaVersion)
	assert.Equal(t, 0.83, rec.MetricValue)
	assert.True(t, rec.IsChildOfParent)
	assert.Equal(t, models.TriTrue, rec.ArtifactAvailable)
}

func TestParseTrialRecordDefaults(t *testing.T) {
	// Legacy record: no schema tag, no availability tag, no metric.
	run := Run{
		RunID: "r-legacy",
		Tags: map[string]string{
			models.TagStudyKey: studyA,
			models.TagTrialKey: trialA,
		},
		Metrics: map[string]float64{},
	}

	rec, err := ParseTrialRecord(run, "f1_macro")
	require.NoError(t, err)
	assert.Equal(t, models.SchemaV1, rec.SchemaVersion)
	assert.Equal(t, models.TriUnknown, rec.ArtifactAvailable)
	assert.True(t, math.IsNaN(rec.MetricValue))
	assert.False(t, rec.HasValidMetric())
}

func TestParseTrialRecordMissingTags(t *testing.T) {
	_, err := ParseTrialRecord(Run{RunID: "r1", Tags: map[string]string{}}, "f1_macro")
	assert.Error(t, err)
}

func TestParseBenchmarkRecord(t *testing.T) {
	run := Run{
		RunID: "b1",
		Tags: map[string]string{
			models.TagStudyKey:     studyA,
			models.TagTrialKey:     trialA,
			models.TagBenchmarkKey: "c3c3",
		},
		Metrics: map[string]float64{"latency_ms": 12.5},
	}

	rec, err := ParseBenchmarkRecord(run, "latency_ms")
	require.NoError(t, err)
	assert.Equal(t, 12.5, rec.LatencyMs)
	assert.True(t, rec.HasValidLatency())

	_, err = ParseBenchmarkRecord(Run{RunID: "b2", Tags: map[string]string{}}, "latency_ms")
	assert.Error(t, err)
}

func TestMemoryRunSourceSetTag(t *testing.T) {
	src := NewMemoryRunSource([]Run{{RunID: "r1", Tags: map[string]string{}}})
	require.NoError(t, src.SetTag(context.Background(), "r1", "selection_status", "refit_missing"))
	assert.Equal(t, "refit_missing", src.WrittenTags("r1")["selection_status"])
}

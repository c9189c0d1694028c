package models

// SchemaVersion identifies the hashing epoch a trial's study/trial keys were
// produced under. Keys from different epochs are not comparable, so records
// from different versions are never grouped together unless an explicit
// override is set.
type SchemaVersion string

const (
	SchemaV1      SchemaVersion = "1.0"
	SchemaV2      SchemaVersion = "2.0"
	SchemaUnknown SchemaVersion = ""
)

// KnownSchemaVersions lists the closed set of supported hashing epochs,
// newest first.
var KnownSchemaVersions = []SchemaVersion{SchemaV2, SchemaV1}

func (v SchemaVersion) String() string {
	if v == SchemaUnknown {
		return "unknown"
	}
	return string(v)
}

// DetectSchemaVersion maps a run's tag map to a typed schema version.
// Legacy runs predate the schema-version tag; those are treated as "1.0"
// because the tag was introduced together with the "2.0" hashing change.
func DetectSchemaVersion(tags map[string]string) SchemaVersion {
	switch tags[TagSchemaVersion] {
	case string(SchemaV2):
		return SchemaV2
	case string(SchemaV1), "":
		return SchemaV1
	default:
		return SchemaUnknown
	}
}

// TriState represents a flag whose value may be unknown, e.g. the
// artifact-availability tag on records that predate it.
type TriState int

const (
	TriUnknown TriState = iota
	TriTrue
	TriFalse
)

func (t TriState) String() string {
	switch t {
	case TriTrue:
		return "true"
	case TriFalse:
		return "false"
	default:
		return "unknown"
	}
}

// ParseTriState interprets a tag value as a TriState. Empty or absent values
// are unknown, not false.
func ParseTriState(s string) TriState {
	switch s {
	case "true", "True", "1":
		return TriTrue
	case "false", "False", "0":
		return TriFalse
	default:
		return TriUnknown
	}
}

// Tag names used by the tracking backend to annotate runs. The selection and
// acquisition code reads these; it never invents new ones.
const (
	TagStudyKey          = "study_key_hash"
	TagTrialKey          = "trial_key_hash"
	TagSchemaVersion     = "schema_version"
	TagBackbone          = "backbone"
	TagStage             = "stage"
	TagParentRunID       = "parent_run_id"
	TagRefitRunID        = "refit_run_id"
	TagArtifactAvailable = "artifact_available"
	TagBenchmarkKey      = "benchmark_key"
)

// Stage values carried in TagStage.
const (
	StageTrial     = "trial"
	StageSweep     = "sweep"
	StageRefit     = "refit"
	StageBenchmark = "benchmark"
)

// Direction states whether larger or smaller metric values are better.
type Direction string

const (
	Maximize Direction = "maximize"
	Minimize Direction = "minimize"
)

// Better reports whether a beats b under the direction.
func (d Direction) Better(a, b float64) bool {
	if d == Minimize {
		return a < b
	}
	return a > b
}

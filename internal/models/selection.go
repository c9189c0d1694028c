package models

// GroupKey identifies a Group: trials sharing a study key and hashing epoch.
type GroupKey struct {
	StudyKeyHash  string        `json:"study_key_hash"`
	SchemaVersion SchemaVersion `json:"schema_version"`
}

// Group is the set of TrialRecords sharing a GroupKey. Records from different
// schema versions are never mixed into one group unless the unsafe override
// is set.
type Group struct {
	Key    GroupKey       `json:"key"`
	Trials []*TrialRecord `json:"-"`
}

// GroupScore is derived fresh on every selection call; it is never persisted
// because group membership changes as new trials land.
type GroupScore struct {
	Key GroupKey `json:"key"`

	// StableScore is the median of the top-K metric values in the group,
	// which resists single-trial flukes when ranking groups.
	StableScore float64 `json:"stable_score"`

	// BestMetric is the group's extremum respecting the configured direction.
	BestMetric float64 `json:"best_metric"`

	NValid   int `json:"n_valid"`
	NInvalid int `json:"n_invalid"`

	// Excluded is set when the group failed the min-trials guard.
	Excluded      bool   `json:"excluded"`
	ExcludeReason string `json:"exclude_reason,omitempty"`
}

// Champion is the selected best trial within the winning group for one
// backbone. CheckpointPath is filled in once by artifact acquisition and is
// immutable afterwards within a selection pass.
type Champion struct {
	StudyKeyHash      string        `json:"study_key_hash"`
	TrialKeyHash      string        `json:"trial_key_hash"`
	Backbone          string        `json:"backbone"`
	RunID             string        `json:"run_id"`
	RefitRunID        string        `json:"refit_run_id"`
	MetricValue       float64       `json:"metric_value"`
	StableScore       float64       `json:"stable_score"`
	SchemaVersionUsed SchemaVersion `json:"schema_version_used"`
	CheckpointPath    string        `json:"checkpoint_path,omitempty"`
}

// SelectionReport is the full per-backbone output of champion selection:
// the champion plus every group's score and the thresholds that applied,
// kept for observability.
type SelectionReport struct {
	Backbone          string        `json:"backbone"`
	Champion          *Champion     `json:"champion"`
	GroupScores       []GroupScore  `json:"group_scores"`
	Direction         Direction     `json:"direction"`
	MetricName        string        `json:"metric_name"`
	MinTrialsPerGroup int           `json:"min_trials_per_group"`
	TopK              int           `json:"top_k_for_stable_score"`
	SchemaVersionUsed SchemaVersion `json:"schema_version_used"`

	// Data-quality counters: records dropped and why.
	ParentsDropped     int `json:"parents_dropped"`
	UnavailableDropped int `json:"unavailable_dropped"`
	InvalidMetrics     int `json:"invalid_metrics"`
	MissingTags        int `json:"missing_tags"`
}

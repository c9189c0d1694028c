package models

// ArtifactKind names the artifact families the acquirer knows how to resolve.
type ArtifactKind string

const (
	ArtifactCheckpoint ArtifactKind = "checkpoint"
	ArtifactMetadata   ArtifactKind = "metadata"
	ArtifactTokenizer  ArtifactKind = "tokenizer"
)

// ArtifactRequest asks for one artifact kind for a given identity. Requests
// are stateless and idempotent: repeating the same request never duplicates
// a download.
type ArtifactRequest struct {
	Kind         ArtifactKind `json:"kind"`
	RunID        string       `json:"run_id"`
	StudyKeyHash string       `json:"study_key_hash,omitempty"`
	TrialKeyHash string       `json:"trial_key_hash,omitempty"`
	Backbone     string       `json:"backbone"`

	// Strict makes final-validation failures an error instead of a failed
	// result.
	Strict bool `json:"strict,omitempty"`
}

// ArtifactResult reports how an acquisition attempt ended. Err is a
// human-readable diagnostic; acquisition never panics past the caller.
type ArtifactResult struct {
	OK        bool         `json:"ok"`
	LocalPath string       `json:"local_path,omitempty"`
	Source    string       `json:"source,omitempty"`
	Kind      ArtifactKind `json:"kind"`
	Err       string       `json:"error,omitempty"`

	// CacheHit is set when the destination already held a valid artifact and
	// no source was contacted.
	CacheHit bool `json:"cache_hit,omitempty"`
}

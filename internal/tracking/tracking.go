// Package tracking defines the boundary to the experiment-tracking backend
// and the remote artifact stores. Everything here is an interface plus
// adapters; the backend's own storage is out of scope.
package tracking

import (
	"context"
	"time"
)

// Run is one tracking-backend run: identity, tags, and logged metrics. The
// selection subsystem never mutates runs except through a TagWriter on
// failure paths it owns.
type Run struct {
	RunID     string             `json:"run_id"`
	StartTime time.Time          `json:"start_time"`
	Status    string             `json:"status,omitempty"`
	Tags      map[string]string  `json:"tags"`
	Metrics   map[string]float64 `json:"metrics"`
}

// RunSource supplies runs for a (backbone, stage) query, already filtered by
// the backend. An empty stage matches every stage.
type RunSource interface {
	ListRuns(ctx context.Context, backbone, stage string) ([]Run, error)
}

// TagWriter sets a tag on an existing run. Used only to mark terminal
// failure statuses.
type TagWriter interface {
	SetTag(ctx context.Context, runID, key, value string) error
}

// Artifact is one entry in a run's artifact listing.
type Artifact struct {
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size,omitempty"`
}

// ArtifactStore is the tracking backend's artifact storage.
type ArtifactStore interface {
	ListArtifacts(ctx context.Context, runID string) ([]Artifact, error)
	// DownloadArtifacts downloads path (a file or directory) from the run's
	// artifact root into destDir.
	DownloadArtifacts(ctx context.Context, runID, path, destDir string) error
	GetRun(ctx context.Context, runID string) (*Run, error)
}

// Mirror is the remote blob mirror. Restore reports whether the remote path
// existed; a false return with a nil error is a clean miss, not a failure.
type Mirror interface {
	Restore(ctx context.Context, remotePath, localPath string, isDir bool) (bool, error)
	Backup(ctx context.Context, localPath, remotePath string, isDir bool) (bool, error)
}

package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/seqlab/champ/internal/models"
)

// FileRunSource reads a tracking-backend export (runs.json) and serves
// ListRuns queries from it. It also implements ArtifactStore when the export
// sits next to a per-run artifact tree (<root>/artifacts/<run_id>/...), which
// is the layout the backend's export tool produces.
type FileRunSource struct {
	runs    []Run
	rootDir string
}

type runsExport struct {
	Runs []Run `json:"runs"`
}

// NewFileRunSource loads path (a runs.json export). Runs are sorted by RunID
// so repeated queries iterate deterministically.
func NewFileRunSource(path string) (*FileRunSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading runs export: %w", err)
	}

	var export runsExport
	if err := json.Unmarshal(data, &export); err != nil {
		return nil, fmt.Errorf("parsing runs export %q: %w", path, err)
	}

	sort.Slice(export.Runs, func(i, j int) bool {
		return export.Runs[i].RunID < export.Runs[j].RunID
	})

	return &FileRunSource{
		runs:    export.Runs,
		rootDir: filepath.Dir(path),
	}, nil
}

// ListRuns returns runs matching the backbone and stage tags. Empty filter
// values match everything.
func (s *FileRunSource) ListRuns(_ context.Context, backbone, stage string) ([]Run, error) {
	var out []Run
	for _, r := range s.runs {
		if backbone != "" && r.Tags[models.TagBackbone] != backbone {
			continue
		}
		if stage != "" && r.Tags[models.TagStage] != stage {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// GetRun returns the run with the given id.
func (s *FileRunSource) GetRun(_ context.Context, runID string) (*Run, error) {
	for i := range s.runs {
		if s.runs[i].RunID == runID {
			return &s.runs[i], nil
		}
	}
	return nil, fmt.Errorf("run %s not found in export", runID)
}

// ListArtifacts walks the run's exported artifact tree.
func (s *FileRunSource) ListArtifacts(_ context.Context, runID string) ([]Artifact, error) {
	root := s.artifactRoot(runID)
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing artifacts for %s: %w", runID, err)
	}

	arts := make([]Artifact, 0, len(entries))
	for _, e := range entries {
		a := Artifact{Path: e.Name(), IsDir: e.IsDir()}
		if info, err := e.Info(); err == nil && !e.IsDir() {
			a.Size = info.Size()
		}
		arts = append(arts, a)
	}
	return arts, nil
}

// DownloadArtifacts copies path from the run's artifact tree into destDir.
func (s *FileRunSource) DownloadArtifacts(_ context.Context, runID, path, destDir string) error {
	src := filepath.Join(s.artifactRoot(runID), filepath.FromSlash(path))
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("artifact %s of run %s: %w", path, runID, err)
	}
	if info.IsDir() {
		return copyTree(src, filepath.Join(destDir, info.Name()))
	}
	return copyFile(src, filepath.Join(destDir, info.Name()))
}

func (s *FileRunSource) artifactRoot(runID string) string {
	return filepath.Join(s.rootDir, "artifacts", runID)
}

// copyTree copies a directory recursively.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		return copyFile(p, target)
	})
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}

// MemoryRunSource serves runs from memory. It is the in-process fake used by
// tests and by callers that already hold parsed runs.
type MemoryRunSource struct {
	mu   sync.RWMutex
	runs []Run
	tags map[string]map[string]string
}

// NewMemoryRunSource wraps runs in a RunSource.
func NewMemoryRunSource(runs []Run) *MemoryRunSource {
	return &MemoryRunSource{runs: runs, tags: make(map[string]map[string]string)}
}

// ListRuns filters by backbone and stage tags, like the file source.
func (s *MemoryRunSource) ListRuns(_ context.Context, backbone, stage string) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Run
	for _, r := range s.runs {
		if backbone != "" && r.Tags[models.TagBackbone] != backbone {
			continue
		}
		if stage != "" && r.Tags[models.TagStage] != stage {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// SetTag records a tag write without mutating the original run, so tests can
// assert on terminal-status writes.
func (s *MemoryRunSource) SetTag(_ context.Context, runID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tags[runID] == nil {
		s.tags[runID] = make(map[string]string)
	}
	s.tags[runID][key] = value
	return nil
}

// WrittenTags returns tag writes recorded for a run.
func (s *MemoryRunSource) WrittenTags(runID string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tags[runID]
}

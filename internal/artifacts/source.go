package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/seqlab/champ/internal/models"
	"github.com/seqlab/champ/internal/tracking"
)

// Source fetches one artifact into dest. A (false, nil) return is a clean
// miss: the source does not have the artifact and the chain moves on. Errors
// are also treated as misses by the chain, but get logged.
type Source interface {
	Name() string
	Fetch(ctx context.Context, req FetchRequest, dest string) (bool, error)
}

// FetchRequest is the resolved form of an acquisition: the authoritative run
// is already known by the time a source is consulted.
type FetchRequest struct {
	Kind         models.ArtifactKind
	RunID        string
	Backbone     string
	StudyKeyHash string
	TrialKeyHash string
}

// LocalDirSource serves artifacts from a directory tree laid out the same way
// destinations are (<root>/<kind>/<backbone>/<identity>). It is how teams
// share pre-fetched artifacts over a network mount.
type LocalDirSource struct {
	Root string
}

func (s *LocalDirSource) Name() string { return "local" }

func (s *LocalDirSource) Fetch(_ context.Context, req FetchRequest, dest string) (bool, error) {
	src := filepath.Join(s.Root, relativeArtifactPath(req))
	info, err := os.Stat(src)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", src, err)
	}
	if !info.IsDir() {
		return false, fmt.Errorf("%s: expected a directory", src)
	}

	if err := copyTree(src, dest); err != nil {
		return false, fmt.Errorf("copying from local source: %w", err)
	}
	return true, nil
}

// StoreSource downloads from the tracking backend's artifact store, which is
// the slowest but most authoritative source: every refit run logged its
// checkpoint there.
type StoreSource struct {
	Store tracking.ArtifactStore
	Log   *zap.Logger
}

func (s *StoreSource) Name() string { return "store" }

// artifactStorePaths maps artifact kinds to the paths refit runs log them
// under in the tracking store.
var artifactStorePaths = map[models.ArtifactKind][]string{
	models.ArtifactCheckpoint: {"checkpoint", "model"},
	models.ArtifactMetadata:   {"metadata"},
	models.ArtifactTokenizer:  {"tokenizer", "checkpoint"},
}

func (s *StoreSource) Fetch(ctx context.Context, req FetchRequest, dest string) (bool, error) {
	listing, err := s.Store.ListArtifacts(ctx, req.RunID)
	if err != nil {
		return false, fmt.Errorf("listing artifacts of run %s: %w", req.RunID, err)
	}
	if len(listing) == 0 {
		return false, nil
	}

	byPath := make(map[string]tracking.Artifact, len(listing))
	for _, a := range listing {
		byPath[a.Path] = a
	}

	for _, want := range artifactStorePaths[req.Kind] {
		a, ok := byPath[want]
		if !ok {
			continue
		}
		if s.Log != nil {
			s.Log.Debug("downloading from tracking store",
				zap.String("run_id", req.RunID),
				zap.String("path", a.Path))
		}
		if err := s.Store.DownloadArtifacts(ctx, req.RunID, a.Path, dest); err != nil {
			return false, fmt.Errorf("downloading %s of run %s: %w", a.Path, req.RunID, err)
		}
		// The store nests downloads under the artifact's own name; hoist so
		// dest holds the content directly.
		if a.IsDir {
			if err := hoistSingleDir(dest); err != nil {
				return false, err
			}
		}
		return true, nil
	}
	return false, nil
}

// relativeArtifactPath is the shared on-disk layout for artifact destinations
// and local-source trees: kind/backbone/identity. A trial identity is the
// short study and trial hashes; runs without hashes fall back to the run id.
func relativeArtifactPath(req FetchRequest) string {
	ident := fmt.Sprintf("run-%s", shortID(req.RunID))
	if req.StudyKeyHash != "" && req.TrialKeyHash != "" {
		ident = fmt.Sprintf("%s-%s", shortID(req.StudyKeyHash), shortID(req.TrialKeyHash))
	}
	return filepath.Join(string(req.Kind), req.Backbone, ident)
}

func shortID(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// copyTree copies a directory recursively, mirroring permissions loosely.
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
		return copyFileContents(p, target)
	})
}

func copyFileContents(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}

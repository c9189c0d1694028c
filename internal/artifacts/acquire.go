package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/seqlab/champ/internal/models"
	"github.com/seqlab/champ/internal/projectconfig"
	"github.com/seqlab/champ/internal/tracking"
)

// Acquirer resolves artifact requests through an ordered source chain. It is
// idempotent: a destination that already validates is never re-downloaded,
// and a repeated request returns the same local path.
type Acquirer struct {
	cfg     *projectconfig.Config
	runs    tracking.RunSource
	sources map[string]Source
	log     *zap.Logger
}

// NewAcquirer wires the source chain. Sources the config never names are
// harmless; sources the config names but the caller didn't wire are skipped
// with a warning at acquisition time.
func NewAcquirer(cfg *projectconfig.Config, runs tracking.RunSource, sources []Source, log *zap.Logger) *Acquirer {
	if log == nil {
		log = zap.NewNop()
	}
	byName := make(map[string]Source, len(sources))
	for _, s := range sources {
		byName[s.Name()] = s
	}
	return &Acquirer{cfg: cfg, runs: runs, sources: byName, log: log}
}

// Acquire fetches one artifact. The returned result always describes the
// outcome; the error is non-nil only for infrastructure failures and, in
// strict mode, for validation failures.
func (a *Acquirer) Acquire(ctx context.Context, req models.ArtifactRequest) (*models.ArtifactResult, error) {
	fetch, err := a.resolveRun(ctx, req)
	if err != nil {
		return failed(req, err.Error()), err
	}

	dest := a.DestinationPath(fetch)
	log := a.log.With(
		zap.String("kind", string(req.Kind)),
		zap.String("run_id", fetch.RunID),
		zap.String("dest", dest))

	// Idempotency: a destination that already validates short-circuits the
	// whole chain.
	if localPath := a.validateDestination(req.Kind, dest, req.Strict); localPath != "" {
		log.Debug("destination already valid, skipping acquisition")
		return &models.ArtifactResult{
			OK:        true,
			LocalPath: localPath,
			Kind:      req.Kind,
			CacheHit:  true,
		}, nil
	}

	var lastProblem string
	for _, name := range a.cfg.Artifacts.SourcePriority(string(req.Kind)) {
		if !a.cfg.Artifacts.SourceEnabled(name) {
			continue
		}
		src, ok := a.sources[name]
		if !ok {
			log.Warn("configured source not wired, skipping", zap.String("source", name))
			continue
		}

		// Per-source validate flag upgrades to schema-strict validation for
		// sources that have shipped malformed configs before.
		strict := req.Strict || a.cfg.Artifacts.SourceValidates(name)
		found, err := a.trySource(ctx, src, fetch, dest, strict)
		if err != nil {
			log.Warn("source failed, trying next",
				zap.String("source", name), zap.Error(err))
			lastProblem = fmt.Sprintf("%s: %v", name, err)
			continue
		}
		if found == "" {
			log.Debug("source miss", zap.String("source", name))
			continue
		}

		log.Info("artifact acquired",
			zap.String("source", name), zap.String("local_path", found))
		return &models.ArtifactResult{
			OK:        true,
			LocalPath: found,
			Source:    name,
			Kind:      req.Kind,
		}, nil
	}

	diag := fmt.Sprintf("no source produced a valid %s for run %s", req.Kind, fetch.RunID)
	if lastProblem != "" {
		diag = fmt.Sprintf("%s (last failure: %s)", diag, lastProblem)
	}
	if req.Strict {
		return failed(req, diag), fmt.Errorf("acquiring %s: %s", req.Kind, diag)
	}
	return failed(req, diag), nil
}

// trySource fetches from one source into dest and validates. A non-empty
// return is the validated local path. Misses and invalid downloads both clear
// the destination so the next source starts clean.
func (a *Acquirer) trySource(ctx context.Context, src Source, fetch FetchRequest, dest string, strict bool) (string, error) {
	if err := os.MkdirAll(dest, 0755); err != nil {
		return "", err
	}

	found, err := src.Fetch(ctx, fetch, dest)
	if err != nil {
		a.clearDestination(dest)
		return "", err
	}
	if !found {
		a.clearDestination(dest)
		return "", nil
	}

	// Downloads may arrive as archives; normalize to a plain directory tree
	// before validating.
	if err := normalizeArchives(dest); err != nil {
		a.clearDestination(dest)
		return "", fmt.Errorf("normalizing archives: %w", err)
	}

	if localPath := a.validateDestination(fetch.Kind, dest, strict); localPath != "" {
		return localPath, nil
	}

	a.clearDestination(dest)
	return "", fmt.Errorf("downloaded content did not validate as %s", fetch.Kind)
}

// validateDestination returns the path under dest that validates for the
// kind, or "" when nothing does. Checkpoints may live nested one or more
// levels below the destination root.
func (a *Acquirer) validateDestination(kind models.ArtifactKind, dest string, strict bool) string {
	if _, err := os.Stat(dest); err != nil {
		return ""
	}
	if kind == models.ArtifactCheckpoint {
		return LocateCheckpoint(dest, strict)
	}
	if Validate(kind, dest, strict) == nil {
		return dest
	}
	return ""
}

func (a *Acquirer) clearDestination(dest string) {
	if err := os.RemoveAll(dest); err != nil {
		a.log.Warn("failed to clear destination", zap.String("dest", dest), zap.Error(err))
	}
}

// DestinationPath is the deterministic local path for a resolved request.
func (a *Acquirer) DestinationPath(fetch FetchRequest) string {
	return filepath.Join(a.cfg.Artifacts.Dir, relativeArtifactPath(fetch))
}

// resolveRun pins the request to an authoritative run. An explicit run id
// wins; otherwise the trial's refit run is resolved through the same path
// champion selection uses, so acquisition can never fetch a different
// checkpoint than selection promised.
func (a *Acquirer) resolveRun(ctx context.Context, req models.ArtifactRequest) (FetchRequest, error) {
	fetch := FetchRequest{
		Kind:         req.Kind,
		RunID:        req.RunID,
		Backbone:     req.Backbone,
		StudyKeyHash: req.StudyKeyHash,
		TrialKeyHash: req.TrialKeyHash,
	}
	if fetch.RunID != "" {
		return fetch, nil
	}
	if req.StudyKeyHash == "" || req.TrialKeyHash == "" {
		return fetch, fmt.Errorf("artifact request needs a run_id or a study/trial key pair")
	}

	refit, err := tracking.ResolveRefit(ctx, a.runs, &models.TrialRecord{
		StudyKeyHash: req.StudyKeyHash,
		TrialKeyHash: req.TrialKeyHash,
		Backbone:     req.Backbone,
	})
	if err != nil {
		return fetch, err
	}
	fetch.RunID = refit.RunID
	return fetch, nil
}

// BackupToMirror uploads an already-acquired artifact to the mirror under the
// same relative path a restore would look for.
func (a *Acquirer) BackupToMirror(ctx context.Context, mirror tracking.Mirror, fetch FetchRequest) (bool, error) {
	dest := a.DestinationPath(fetch)
	remote := filepath.ToSlash(relativeArtifactPath(fetch))
	return mirror.Backup(ctx, dest, remote, true)
}

func failed(req models.ArtifactRequest, diag string) *models.ArtifactResult {
	return &models.ArtifactResult{OK: false, Kind: req.Kind, Err: diag}
}

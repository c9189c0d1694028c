package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/seqlab/champ/internal/artifacts"
	"github.com/seqlab/champ/internal/models"
	"github.com/seqlab/champ/internal/projectconfig"
	"github.com/seqlab/champ/internal/tracking"
)

var (
	fetchRunsPath     string
	fetchKind         string
	fetchRunID        string
	fetchBackbone     string
	fetchStudyHash    string
	fetchTrialHash    string
	fetchStrict       bool
	fetchLocalSource  string
	fetchMirrorDir    string
	fetchBackupMirror bool
)

func newFetchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch a trained artifact through the source chain",
		Long: `Fetch a checkpoint, metadata, or tokenizer artifact to a local directory.

The artifact is identified either by an explicit run id or by a study/trial
key pair (resolved to its refit run). Sources are tried in the configured
priority order; a destination that already holds a valid artifact
short-circuits the chain entirely. Archives are extracted and nested
checkpoint directories are located automatically.`,
		RunE: fetchCommandE,
	}

	cmd.Flags().StringVar(&fetchRunsPath, "runs", "", "Path to a tracking runs export (runs.json)")
	cmd.Flags().StringVarP(&fetchKind, "kind", "k", "checkpoint", "Artifact kind: checkpoint, metadata, or tokenizer")
	cmd.Flags().StringVar(&fetchRunID, "run-id", "", "Explicit refit run id")
	cmd.Flags().StringVarP(&fetchBackbone, "backbone", "b", "", "Model variant")
	cmd.Flags().StringVar(&fetchStudyHash, "study", "", "Study key hash (with --trial, resolved to the refit run)")
	cmd.Flags().StringVar(&fetchTrialHash, "trial", "", "Trial key hash")
	cmd.Flags().BoolVar(&fetchStrict, "strict", false, "Validate checkpoint config against the schema; failures become errors")
	cmd.Flags().StringVar(&fetchLocalSource, "local-source", "", "Directory tree to use as the local source")
	cmd.Flags().StringVar(&fetchMirrorDir, "mirror-dir", "", "Directory to use as the mirror (instead of the configured blob container)")
	cmd.Flags().BoolVar(&fetchBackupMirror, "backup-mirror", false, "After a successful fetch, back the artifact up to the mirror")
	_ = cmd.MarkFlagRequired("runs")
	_ = cmd.MarkFlagRequired("backbone")

	return cmd
}

func fetchCommandE(cmd *cobra.Command, _ []string) error {
	kind := models.ArtifactKind(fetchKind)
	switch kind {
	case models.ArtifactCheckpoint, models.ArtifactMetadata, models.ArtifactTokenizer:
	default:
		return fmt.Errorf("unsupported kind %q: must be checkpoint, metadata, or tokenizer", fetchKind)
	}
	if fetchRunID == "" && (fetchStudyHash == "" || fetchTrialHash == "") {
		return fmt.Errorf("either --run-id or both --study and --trial are required")
	}

	cfg, err := projectconfig.Load(".", logger)
	if err != nil {
		return err
	}
	source, err := tracking.NewFileRunSource(fetchRunsPath)
	if err != nil {
		return err
	}

	mirror, err := openMirror(cfg, fetchMirrorDir)
	if err != nil {
		return err
	}

	chain := []artifacts.Source{
		&artifacts.StoreSource{Store: source, Log: logger},
	}
	if fetchLocalSource != "" {
		chain = append(chain, &artifacts.LocalDirSource{Root: fetchLocalSource})
	}
	if mirror != nil {
		chain = append(chain, &artifacts.MirrorSource{Mirror: mirror})
	}

	acq := artifacts.NewAcquirer(cfg, source, chain, logger)

	result, err := acq.Acquire(cmd.Context(), models.ArtifactRequest{
		Kind:         kind,
		RunID:        fetchRunID,
		Backbone:     fetchBackbone,
		StudyKeyHash: fetchStudyHash,
		TrialKeyHash: fetchTrialHash,
		Strict:       fetchStrict,
	})
	if err != nil {
		return err
	}
	if !result.OK {
		return fmt.Errorf("fetch failed: %s", result.Err)
	}

	if result.CacheHit {
		fmt.Printf("Already present: %s\n", result.LocalPath)
	} else {
		fmt.Printf("Fetched %s from %s: %s\n", result.Kind, result.Source, result.LocalPath)
	}

	if fetchBackupMirror {
		if mirror == nil {
			return fmt.Errorf("--backup-mirror requires a mirror (set mirror.container_url or --mirror-dir)")
		}
		ok, err := acq.BackupToMirror(cmd.Context(), mirror, artifacts.FetchRequest{
			Kind:         kind,
			RunID:        fetchRunID,
			Backbone:     fetchBackbone,
			StudyKeyHash: fetchStudyHash,
			TrialKeyHash: fetchTrialHash,
		})
		if err != nil {
			return fmt.Errorf("backing up to mirror: %w", err)
		}
		if ok {
			fmt.Println("Backed up to mirror")
		}
	}

	return nil
}

// openMirror builds the mirror from the directory override or the configured
// blob container. A nil return means no mirror is configured.
func openMirror(cfg *projectconfig.Config, dirOverride string) (tracking.Mirror, error) {
	if dirOverride != "" {
		return artifacts.NewLocalMirror(dirOverride), nil
	}
	if cfg.Mirror.ContainerURL == "" {
		return nil, nil
	}
	m, err := artifacts.NewAzureMirror(cfg.Mirror.ContainerURL, cfg.Mirror.Prefix, logger)
	if err != nil {
		return nil, err
	}
	logger.Debug("using Azure blob mirror", zap.String("container", cfg.Mirror.ContainerURL))
	return m, nil
}

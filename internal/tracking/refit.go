package tracking

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/seqlab/champ/internal/models"
)

// RefitMissingError means the winning trial has no refit run, so no trained
// checkpoint is guaranteed to exist and selection cannot complete. It carries
// enough context to diagnose without re-running the search.
type RefitMissingError struct {
	Backbone     string
	StudyKeyHash string
	TrialKeyHash string
	TotalRefits  int
	SampleTags   []string
}

func (e *RefitMissingError) Error() string {
	return fmt.Sprintf(
		"no refit run for trial %s/%s (backbone %s): %d refit runs exist, sample tags: [%s]",
		shortHash(e.StudyKeyHash), shortHash(e.TrialKeyHash), e.Backbone,
		e.TotalRefits, strings.Join(e.SampleTags, ", "))
}

// ResolveRefit finds the authoritative refit run for a trial. Champion
// selection and artifact acquisition both route through here so the
// trial→refit mapping can never diverge between the two paths.
//
// Resolution order: an explicit refit link tag on the trial, then a
// (study, trial) key match among refit-stage runs. When several candidates
// match, the latest by start time is authoritative.
func ResolveRefit(ctx context.Context, src RunSource, trial *models.TrialRecord) (*models.RefitRecord, error) {
	refitRuns, err := src.ListRuns(ctx, trial.Backbone, models.StageRefit)
	if err != nil {
		return nil, fmt.Errorf("listing refit runs: %w", err)
	}

	// Primary: explicit link tag.
	if linked := trial.Tags[models.TagRefitRunID]; linked != "" {
		for _, r := range refitRuns {
			if r.RunID == linked {
				return ParseRefitRecord(r)
			}
		}
	}

	// Fallback: key-pair match.
	var candidates []*models.RefitRecord
	for _, r := range refitRuns {
		if r.Tags[models.TagStudyKey] == trial.StudyKeyHash &&
			r.Tags[models.TagTrialKey] == trial.TrialKeyHash {
			rec, err := ParseRefitRecord(r)
			if err != nil {
				continue
			}
			candidates = append(candidates, rec)
		}
	}

	if len(candidates) == 0 {
		return nil, &RefitMissingError{
			Backbone:     trial.Backbone,
			StudyKeyHash: trial.StudyKeyHash,
			TrialKeyHash: trial.TrialKeyHash,
			TotalRefits:  len(refitRuns),
			SampleTags:   sampleRefitTags(refitRuns, 3),
		}
	}

	// Latest by start time wins if duplicates exist; equal start times fall
	// back to the run id so resolution stays deterministic.
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].StartTime.Equal(candidates[j].StartTime) {
			return candidates[i].StartTime.After(candidates[j].StartTime)
		}
		return candidates[i].RunID > candidates[j].RunID
	})
	return candidates[0], nil
}

// sampleRefitTags collects up to n study/trial tag pairs from refit runs for
// the RefitMissingError diagnostic.
func sampleRefitTags(runs []Run, n int) []string {
	var samples []string
	for _, r := range runs {
		if len(samples) >= n {
			break
		}
		samples = append(samples, fmt.Sprintf("%s/%s",
			shortHash(r.Tags[models.TagStudyKey]),
			shortHash(r.Tags[models.TagTrialKey])))
	}
	return samples
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	if h == "" {
		return "<none>"
	}
	return h
}

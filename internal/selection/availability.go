package selection

import (
	"go.uber.org/zap"

	"github.com/seqlab/champ/internal/models"
	"github.com/seqlab/champ/internal/projectconfig"
)

// DiskChecker reports whether a trial's artifact exists on local disk. The
// acquirer supplies one; selection stays decoupled from destination layout.
type DiskChecker func(*models.TrialRecord) models.TriState

// availabilityStrategy is one named way of answering "is the artifact
// available for this trial". Strategies return TriUnknown when they cannot
// tell, and the chain moves on to the next one.
type availabilityStrategy struct {
	name  string
	check func(*models.TrialRecord) models.TriState
}

// availabilityChain builds the ordered strategy list from configuration.
// Parent-tag lookups consult the parent run's tag map, which the caller
// indexes by run id up front.
func availabilityChain(order []projectconfig.AvailabilitySource, parentTags map[string]map[string]string, disk DiskChecker) []availabilityStrategy {
	var chain []availabilityStrategy
	for _, src := range order {
		switch src {
		case projectconfig.AvailabilityFromRecord:
			chain = append(chain, availabilityStrategy{
				name: string(src),
				check: func(t *models.TrialRecord) models.TriState {
					return t.ArtifactAvailable
				},
			})
		case projectconfig.AvailabilityFromParent:
			chain = append(chain, availabilityStrategy{
				name: string(src),
				check: func(t *models.TrialRecord) models.TriState {
					if t.ParentRunID == "" {
						return models.TriUnknown
					}
					tags, ok := parentTags[t.ParentRunID]
					if !ok {
						return models.TriUnknown
					}
					return models.ParseTriState(tags[models.TagArtifactAvailable])
				},
			})
		case projectconfig.AvailabilityFromDisk:
			if disk == nil {
				continue
			}
			chain = append(chain, availabilityStrategy{name: string(src), check: disk})
		}
	}
	return chain
}

// resolveAvailability walks the strategy chain and returns the first
// non-unknown answer plus the strategy that produced it.
func resolveAvailability(chain []availabilityStrategy, t *models.TrialRecord, log *zap.Logger) models.TriState {
	for _, s := range chain {
		if state := s.check(t); state != models.TriUnknown {
			log.Debug("artifact availability resolved",
				zap.String("run_id", t.RunID),
				zap.String("strategy", s.name),
				zap.String("state", state.String()))
			return state
		}
	}
	return models.TriUnknown
}

package engine

import (
	"strconv"
	"time"

	"github.com/dreamware/cortex/internal/concept"
	"github.com/dreamware/cortex/internal/metrics"
	"github.com/dreamware/cortex/internal/wal"
)

// DecayInterval is how often internal/jobs should call Decay (spec §3,
// §4.6: "a background task on roughly a five-second period").
const DecayInterval = 5 * time.Second

// decayHalfLife sets how aggressively strength falls off between ticks:
// a concept untouched for one DecayInterval loses this fraction of its
// remaining strength. Chosen so a concept idle for several minutes, not
// several ticks, is the one that crosses DecayThreshold.
const decayHalfLife = 0.02

// Decay runs one pass of the background strength-decay task: every live
// concept's strength is multiplied by a time-based factor, and any concept
// that falls below concept.DecayThreshold is removed (cascading its
// associations, same as DeleteConcept). It returns the number of concepts
// removed.
//
// Decay reads the published view only; a concept learned or touched after
// this pass started is not decayed again until the next tick, which is an
// acceptable race since decay is inherently a background approximation, not
// a transactional operation.
func (e *Engine) Decay() (int, error) {
	rv := e.view.Load()
	now := currentTime()

	var updates []wal.Record
	var removals []concept.Identifier
	for id, c := range rv.concepts {
		if c.Metadata.SoftDeleted {
			continue
		}
		elapsed := now.Sub(c.LastAccessAt).Seconds()
		if elapsed <= 0 {
			continue
		}
		factor := float32(1)
		ticks := elapsed / DecayInterval.Seconds()
		for i := 0.0; i < ticks; i++ {
			factor *= 1 - decayHalfLife
		}
		newStrength := c.Strength * factor
		if newStrength >= c.Strength {
			continue
		}
		if newStrength < concept.DecayThreshold {
			removals = append(removals, id)
			continue
		}
		updates = append(updates, wal.Record{
			Op:         wal.OpUpdateField,
			ConceptID:  id,
			FieldName:  fieldStrength,
			FieldValue: strconv.FormatFloat(float64(newStrength), 'g', -1, 32),
		})
	}

	for _, id := range removals {
		updates = append(updates, wal.Record{Op: wal.OpDeleteConcept, ConceptID: id})
		updates = append(updates, e.cascadeDeleteRecords(id)...)
	}

	if len(updates) == 0 {
		return 0, nil
	}
	if _, err := e.appendAndStage(updates); err != nil {
		return 0, err
	}
	for _, id := range removals {
		e.index.Delete(id)
	}
	metrics.DecayRemovalsTotal.Add(float64(len(removals)))
	return len(removals), nil
}

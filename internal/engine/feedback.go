package engine

import (
	"strconv"

	"github.com/dreamware/cortex/internal/concept"
	"github.com/dreamware/cortex/internal/protocol"
	"github.com/dreamware/cortex/internal/wal"
)

// feedbackStep is how far a single piece of feedback nudges confidence
// toward its ceiling or floor. Chosen to match Touch's own 25%-of-remaining-
// distance nudge so repeated positive feedback and repeated access behave
// similarly.
const feedbackStep = 0.25

// ProvideFeedback nudges a concept's confidence up (positive) or down
// (negative) in response to external signal about whether it was useful,
// per the autonomy control surface (spec §4.9, §12).
func (e *Engine) ProvideFeedback(id concept.Identifier, positive bool) error {
	c, ok := e.effectiveConcept(id)
	if !ok || c.Metadata.SoftDeleted {
		return protocol.Errorf(protocol.KindNotFound, "concept %s not found", id)
	}

	newConfidence := c.Confidence
	if positive {
		newConfidence += (1 - newConfidence) * feedbackStep
	} else {
		newConfidence -= newConfidence * feedbackStep
	}

	_, err := e.appendAndStage([]wal.Record{{
		Op:         wal.OpUpdateField,
		ConceptID:  id,
		FieldName:  fieldConfidence,
		FieldValue: strconv.FormatFloat(float64(newConfidence), 'g', -1, 32),
	}})
	return err
}

package engine

import (
	"strconv"

	"github.com/dreamware/cortex/internal/concept"
)

// Field names recognized by OpUpdateField records. Two callers mutate a
// single field rather than rewriting the whole concept: the decay job (spec
// §4.6's "strength decay") writes strength, since it touches every concept
// in the store on every tick, and ProvideFeedback writes confidence.
const (
	fieldStrength   = "strength"
	fieldConfidence = "confidence"
)

// applyFieldUpdate mutates one named field of c in place, parsing value
// from its wire string form. Unknown field names are ignored rather than
// erroring, since a record already accepted into the WAL must not fail
// replay.
func applyFieldUpdate(c *concept.Concept, field, value string) {
	switch field {
	case fieldStrength:
		if f, err := strconv.ParseFloat(value, 32); err == nil {
			c.Strength = float32(f)
		}
	case fieldConfidence:
		if f, err := strconv.ParseFloat(value, 32); err == nil {
			c.Confidence = float32(f)
		}
	}
}

// Package concept defines the data model persisted by the storage engine:
// concepts, their typed associations, and the namespace label used to
// partition them for multi-tenant operations.
//
// Every other package in this module treats the types here as the unit of
// exchange: the write-ahead log (internal/wal) records mutations to them,
// the snapshot file (internal/snapshot) persists their current image, the
// vector index (internal/vectorindex) indexes their embeddings by
// identifier only, and the engine (internal/engine) is the sole owner of
// their lifecycle.
//
// Identifiers are content-addressed: identical content always yields the
// same Identifier, so re-learning the same fact is a no-op that merely touches
// access counters. See IdentifierFor.
package concept

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Identifier is a 16-byte content-addressed name for a Concept. It is
// derived deterministically from content bytes via two xxhash passes
// concatenated together, one over the content and one over a fixed salt
// followed by the content, giving 128 bits of a fast
// non-cryptographic hash — collision risk is accepted per spec (identical
// content is defined to be the identical concept, not a collision to avoid).
type Identifier [16]byte

// String renders the identifier as 32 lowercase hex characters, the wire
// format named in spec §6.
func (id Identifier) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the zero identifier, used to represent
// "no such concept" in contexts where an error return isn't convenient
// (e.g. association endpoints during construction).
func (id Identifier) IsZero() bool {
	return id == Identifier{}
}

// ParseIdentifier parses a 32-character hex string into an Identifier,
// rejecting malformed input with invalid_argument semantics left to the
// caller (this function just returns a plain error; internal/protocol wraps
// it as protocol.ErrInvalidArgument).
func ParseIdentifier(s string) (Identifier, error) {
	var id Identifier
	if len(s) != 32 {
		return id, fmt.Errorf("concept: identifier must be 32 hex characters, got %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("concept: invalid identifier: %w", err)
	}
	copy(id[:], b)
	return id, nil
}

// identifierSalt distinguishes the second of the two xxhash passes folded
// into a content identifier. It has no special meaning beyond being a fixed
// constant distinct from the unsalted first pass.
var identifierSalt = []byte("cortex-concept-id-v1\x00")

// IdentifierFor computes the deterministic content identifier for a
// concept's raw content bytes. Two learn calls with byte-identical content
// always produce the same Identifier, which is the basis for the engine's
// content-addressed deduplication (spec §3, §4.6, property 1).
func IdentifierFor(content []byte) Identifier {
	var id Identifier
	sum1 := xxhash.Sum64(content)
	salted := make([]byte, 0, len(identifierSalt)+len(content))
	salted = append(salted, identifierSalt...)
	salted = append(salted, content...)
	sum2 := xxhash.Sum64(salted)
	for i := 0; i < 8; i++ {
		id[i] = byte(sum1 >> (8 * i))
		id[8+i] = byte(sum2 >> (8 * i))
	}
	return id
}

// Type enumerates the semantic kind of a Concept.
type Type string

const (
	TypeFact          Type = "fact"
	TypeEntity        Type = "entity"
	TypeEvent         Type = "event"
	TypeRule          Type = "rule"
	TypePreference    Type = "preference"
	TypeSubscription  Type = "subscription" // reserved: administrative, see §4.9
	TypeGoal          Type = "goal"         // reserved: administrative, see §4.9
	TypeHealthSnapshot Type = "health_snapshot" // reserved: emitted by C9
)

// AssociationType enumerates the semantic kind of a directed edge between
// two concepts (spec §3).
type AssociationType string

const (
	AssocSemantic      AssociationType = "semantic"
	AssocCausal        AssociationType = "causal"
	AssocTemporal      AssociationType = "temporal"
	AssocHierarchical  AssociationType = "hierarchical"
	AssocCompositional AssociationType = "compositional"
	// Administrative kinds, used by reserved-type concepts (subscriptions,
	// goals) to relate themselves to the concepts they govern.
	AssocOwner   AssociationType = "owner"
	AssocSession AssociationType = "session"
	AssocRole    AssociationType = "role"
)

// Metadata holds the typed, mostly-optional attributes attached to a
// Concept beyond its content and embedding.
type Metadata struct {
	Namespace   string            // empty means the store's default namespace
	Creator     string            // empty if unattributed
	Tags        []string          // free-form tag set; order is insertion order
	Attributes  map[string]string // small key/value attribute bag
	Type        Type
	SoftDeleted bool
	SchemaVersion uint32
}

// Concept is a single semantically-typed record: content plus an optional
// embedding plus decaying strength/confidence and access bookkeeping.
//
// Concepts are never mutated in place by readers; the engine (internal/engine)
// is the sole writer and does so by constructing a new value and staging it,
// per the write-log/read-view split (spec §4.5).
type Concept struct {
	CreatedAt    time.Time
	LastAccessAt time.Time
	Content      string
	Embedding    []float32 // nil if no embedding; len must equal store dimension
	Metadata     Metadata
	ID           Identifier
	AccessCount  uint64
	Strength     float32 // in [0,1], decays over time
	Confidence   float32 // in [0,1]
}

// DecayThreshold is the strength below which a concept is removed by the
// background decay job (spec §3, §4.6).
const DecayThreshold = 0.01

// Touch records an access: bumps the access counter and timestamp, and
// resets decay pressure by nudging strength back toward its ceiling. It is
// called by the engine on every successful read or re-learn of an existing
// concept.
func (c *Concept) Touch(now time.Time) {
	c.AccessCount++
	c.LastAccessAt = now
	if c.Strength < 1 {
		c.Strength += (1 - c.Strength) * 0.25
	}
}

// Association is a typed, directed edge between two concepts (spec §3).
// Both endpoints must name existing, non-deleted concepts at commit time;
// the engine cascades association removal when either endpoint is deleted.
type Association struct {
	CreatedAt  time.Time
	LastUsedAt time.Time
	Source     Identifier
	Target     Identifier
	Type       AssociationType
	Confidence float32
	Weight     float32
}

// Touch updates the association's last-used timestamp, called whenever a
// traversal (GetNeighbors, pathfinding) crosses this edge.
func (a *Association) Touch(now time.Time) {
	a.LastUsedAt = now
}

// Summary is the lightweight projection returned by list operations
// (list_recent) that don't need the full content/embedding payload.
type Summary struct {
	ID           Identifier
	Namespace    string
	Type         Type
	CreatedAt    time.Time
	LastAccessAt time.Time
	Strength     float32
}

// ToSummary projects a Concept down to its Summary view.
func (c *Concept) ToSummary() Summary {
	return Summary{
		ID:           c.ID,
		Namespace:    c.Metadata.Namespace,
		Type:         c.Metadata.Type,
		CreatedAt:    c.CreatedAt,
		LastAccessAt: c.LastAccessAt,
		Strength:     c.Strength,
	}
}

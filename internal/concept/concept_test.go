package concept

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentifierForIsDeterministic(t *testing.T) {
	a := IdentifierFor([]byte("The Eiffel Tower is in Paris"))
	b := IdentifierFor([]byte("The Eiffel Tower is in Paris"))
	assert.Equal(t, a, b)

	c := IdentifierFor([]byte("Go is a systems programming language"))
	assert.NotEqual(t, a, c)
}

func TestIdentifierStringRoundTrip(t *testing.T) {
	id := IdentifierFor([]byte("round trip me"))
	s := id.String()
	require.Len(t, s, 32)

	parsed, err := ParseIdentifier(s)
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestParseIdentifierRejectsMalformed(t *testing.T) {
	_, err := ParseIdentifier("not-hex")
	assert.Error(t, err)

	_, err = ParseIdentifier("deadbeef")
	assert.Error(t, err)
}

func TestTouchUpdatesAccessBookkeeping(t *testing.T) {
	c := &Concept{ID: IdentifierFor([]byte("x")), AccessCount: 0}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.Touch(now)
	assert.Equal(t, uint64(1), c.AccessCount)
	assert.Equal(t, now, c.LastAccessAt)
}

func TestIsZero(t *testing.T) {
	var id Identifier
	assert.True(t, id.IsZero())
	assert.False(t, IdentifierFor([]byte("x")).IsZero())
}

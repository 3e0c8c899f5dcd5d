package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegisterAndLookup(t *testing.T) {
	r := New()

	added := r.Register("c1", "g1", "u1")
	assert.True(t, added)

	entry, ok := r.Lookup("c1")
	assert.True(t, ok)
	assert.Equal(t, "g1", entry.GameID)
	assert.Equal(t, "u1", entry.UserID)
	assert.Equal(t, 1, r.Count("g1"))
}

func TestRegisterTwiceIsNoOp(t *testing.T) {
	r := New()
	r.Register("c1", "g1", "u1")

	added := r.Register("c1", "g1", "u1")
	assert.False(t, added)
	assert.Equal(t, 1, r.Count("g1"))
}

func TestRegisterMovesConnectionBetweenGames(t *testing.T) {
	r := New()
	r.Register("c1", "g1", "u1")

	added := r.Register("c1", "g2", "u1")
	assert.True(t, added)
	assert.Equal(t, 0, r.Count("g1"))
	assert.Equal(t, 1, r.Count("g2"))

	entry, _ := r.Lookup("c1")
	assert.Equal(t, "g2", entry.GameID)
}

func TestUnregisterUnknownIsNoOp(t *testing.T) {
	r := New()

	_, ok := r.Unregister("ghost")
	assert.False(t, ok)
}

func TestUnregisterCleansBothDirections(t *testing.T) {
	r := New()
	r.Register("c1", "g1", "u1")
	r.Register("c2", "g1", "u2")

	entry, ok := r.Unregister("c1")
	assert.True(t, ok)
	assert.Equal(t, "u1", entry.UserID)
	assert.Equal(t, 1, r.Count("g1"))
	assert.ElementsMatch(t, []string{"c2"}, r.Connections("g1"))

	_, ok = r.Lookup("c1")
	assert.False(t, ok)
}

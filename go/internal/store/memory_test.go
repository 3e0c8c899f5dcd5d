package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAuthorizesEveryoneUntilSeeded(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ok, err := m.AuthorizePlayer(ctx, "g1", "anyone")
	require.NoError(t, err)
	assert.True(t, ok)

	m.SeedPlayer("g1", "u1")

	ok, _ = m.AuthorizePlayer(ctx, "g1", "u1")
	assert.True(t, ok)
	ok, _ = m.AuthorizePlayer(ctx, "g1", "intruder")
	assert.False(t, ok)

	// other games stay open-world
	ok, _ = m.AuthorizePlayer(ctx, "g2", "anyone")
	assert.True(t, ok)
}

func TestMemorySnapshotRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	snapshot, err := m.LoadSnapshot(ctx, "g1")
	require.NoError(t, err)
	assert.Nil(t, snapshot, "no snapshot stored yet")

	require.NoError(t, m.SaveSnapshot(ctx, "g1", []byte(`{"phase":"lobby"}`)))

	snapshot, err = m.LoadSnapshot(ctx, "g1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"phase":"lobby"}`, string(snapshot))

	// mutating the returned copy must not touch the stored snapshot
	snapshot[2] = 'x'
	fresh, _ := m.LoadSnapshot(ctx, "g1")
	assert.JSONEq(t, `{"phase":"lobby"}`, string(fresh))
}

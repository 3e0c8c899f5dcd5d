package crdt

import (
	"encoding/json"
	"sort"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// forkReplicas builds a common ancestor holding player p1, then returns
// the two replica engines plus the shared state and clock.
func forkReplicas(t *testing.T) (*Engine, *Engine, State, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
	a := NewEngine(clock, "proc-a")
	b := NewEngine(clock, "proc-b")
	ancestor, _ := a.AddNode(NewState(), "p1", json.RawMessage(`0`), map[string]string{MetaType: "player_score"})
	return a, b, ancestor, clock
}

func TestMergeAdoptsNodesAbsentLocally(t *testing.T) {
	a, b, ancestor, clock := forkReplicas(t)

	clock.Advance(time.Minute)
	local, _ := a.AddNode(ancestor, "p2", json.RawMessage(`"ada"`), nil)
	remote, _ := b.AddNode(ancestor, "p3", json.RawMessage(`"lin"`), nil)

	merged, conflicts := Merge(local, remote, nil)

	assert.Empty(t, conflicts)
	assert.Len(t, merged.Nodes, 3)
	assert.Contains(t, merged.Nodes, "p2")
	assert.Contains(t, merged.Nodes, "p3")
}

func TestMergeVersionStrictlyIncreases(t *testing.T) {
	a, b, ancestor, clock := forkReplicas(t)

	clock.Advance(time.Minute)
	local, _ := a.UpdateNode(ancestor, "p1", json.RawMessage(`1`), nil)
	local, _ = a.UpdateNode(local, "p1", json.RawMessage(`2`), nil)
	remote, _ := b.UpdateNode(ancestor, "p1", json.RawMessage(`3`), nil)

	merged, _ := Merge(local, remote, nil)
	assert.Greater(t, merged.Version, local.Version)
	assert.Greater(t, merged.Version, remote.Version)
	assert.Equal(t, maxInt64(local.LastUpdate, remote.LastUpdate), merged.LastUpdate)
}

func TestMergeLaterTimestampWinsWithoutConflict(t *testing.T) {
	a, b, ancestor, clock := forkReplicas(t)

	clock.Advance(time.Minute)
	local, _ := a.UpdateNode(ancestor, "p1", json.RawMessage(`5`), nil)
	clock.Advance(time.Minute) // well outside the concurrency window
	remote, _ := b.UpdateNode(ancestor, "p1", json.RawMessage(`9`), nil)

	merged, conflicts := Merge(local, remote, nil)

	assert.Empty(t, conflicts)
	assert.JSONEq(t, `9`, string(merged.Nodes["p1"].Value))
}

func TestMergeConcurrentUpdateUsesScoreResolver(t *testing.T) {
	// two processes bump the same player's score in the same clock tick
	a, b, ancestor, clock := forkReplicas(t)

	clock.Advance(time.Minute)
	local, _ := a.UpdateNode(ancestor, "p1", json.RawMessage(`5`), nil)
	remote, _ := b.UpdateNode(ancestor, "p1", json.RawMessage(`7`), nil)
	require.Equal(t, local.Nodes["p1"].Timestamp, remote.Nodes["p1"].Timestamp)

	merged, conflicts := Merge(local, remote, DefaultResolvers())

	require.Len(t, conflicts, 1)
	assert.Equal(t, ConflictConcurrentUpdate, conflicts[0].Type)
	assert.Equal(t, "p1", conflicts[0].NodeID)
	assert.Equal(t, ResolutionRemoteWins, conflicts[0].Resolution)
	assert.JSONEq(t, `7`, string(merged.Nodes["p1"].Value))
}

func TestMergeConcurrentUpdateWithoutResolverIsDeterministic(t *testing.T) {
	a, b, ancestor, clock := forkReplicas(t)

	clock.Advance(time.Minute)
	local, _ := a.UpdateNode(ancestor, "p1", json.RawMessage(`5`), nil)
	remote, _ := b.UpdateNode(ancestor, "p1", json.RawMessage(`7`), nil)

	mergedAB, conflictsAB := Merge(local, remote, nil)
	mergedBA, conflictsBA := Merge(remote, local, nil)

	require.Len(t, conflictsAB, 1)
	require.Len(t, conflictsBA, 1)
	assert.Equal(t, ResolutionManualRequired, conflictsAB[0].Resolution)

	// both orders settle on the same winner via the replica tie-break
	assert.Equal(t, mergedAB.Nodes["p1"].Replica, mergedBA.Nodes["p1"].Replica)
	assert.Equal(t, "proc-b", mergedAB.Nodes["p1"].Replica)
}

func TestMergeStatusResolverPrefersEngagedState(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
	a := NewEngine(clock, "proc-a")
	b := NewEngine(clock, "proc-b")
	ancestor, _ := a.AddNode(NewState(), "p1", json.RawMessage(`"joined"`), map[string]string{MetaType: "player_status"})

	clock.Advance(time.Minute)
	local, _ := a.UpdateNode(ancestor, "p1", json.RawMessage(`"playing"`), nil)
	remote, _ := b.UpdateNode(ancestor, "p1", json.RawMessage(`"ready"`), nil)

	merged, conflicts := Merge(local, remote, DefaultResolvers())

	require.Len(t, conflicts, 1)
	assert.JSONEq(t, `"playing"`, string(merged.Nodes["p1"].Value))
	assert.Equal(t, ResolutionLocalWins, conflicts[0].Resolution)
}

func TestMergeDeletionConflictFavorsLaterTimestamp(t *testing.T) {
	a, b, ancestor, clock := forkReplicas(t)

	clock.Advance(time.Minute)
	local, _ := a.DeleteNode(ancestor, "p1")
	clock.Advance(time.Minute)
	remote, _ := b.UpdateNode(ancestor, "p1", json.RawMessage(`42`), nil)

	merged, conflicts := Merge(local, remote, nil)

	require.Len(t, conflicts, 1)
	assert.Equal(t, ConflictDeletion, conflicts[0].Type)
	assert.Equal(t, ResolutionManualRequired, conflicts[0].Resolution)
	assert.False(t, merged.Nodes["p1"].Tombstone(), "strictly later write survives the older tombstone")
}

func TestTombstonePermanence(t *testing.T) {
	// a write at or before the tombstone's timestamp must never
	// resurrect the node, in either merge order
	a, b, ancestor, clock := forkReplicas(t)

	clock.Advance(time.Minute)
	remote, _ := b.UpdateNode(ancestor, "p1", json.RawMessage(`42`), nil)
	clock.Advance(time.Minute)
	local, _ := a.DeleteNode(ancestor, "p1")

	merged, _ := Merge(local, remote, nil)
	assert.True(t, merged.Nodes["p1"].Tombstone())

	merged, _ = Merge(remote, local, nil)
	assert.True(t, merged.Nodes["p1"].Tombstone())
}

func TestMergeValueConflictWithinWindow(t *testing.T) {
	a, b, ancestor, clock := forkReplicas(t)

	clock.Advance(time.Minute)
	local, _ := a.UpdateNode(ancestor, "p1", json.RawMessage(`5`), nil)
	clock.Advance(500 * time.Millisecond)
	remote, _ := b.UpdateNode(ancestor, "p1", json.RawMessage(`7`), nil)

	_, conflicts := Merge(local, remote, nil)

	require.Len(t, conflicts, 1)
	assert.Equal(t, ConflictValue, conflicts[0].Type)
	assert.Equal(t, json.RawMessage(`5`), json.RawMessage(conflicts[0].LocalValue))
	assert.Equal(t, json.RawMessage(`7`), json.RawMessage(conflicts[0].RemoteValue))
}

func TestMergeCommutesOnNonConflictingNodes(t *testing.T) {
	a, b, ancestor, clock := forkReplicas(t)

	clock.Advance(time.Minute)
	local, _ := a.AddNode(ancestor, "p2", json.RawMessage(`"ada"`), nil)
	local, _ = a.UpdateNode(local, "p2", json.RawMessage(`"ada l"`), nil)
	clock.Advance(time.Minute)
	remote, _ := b.AddNode(ancestor, "p3", json.RawMessage(`"lin"`), nil)
	remote, _ = b.DeleteNode(remote, "p3")

	mergedAB, conflictsAB := Merge(local, remote, nil)
	mergedBA, conflictsBA := Merge(remote, local, nil)

	assert.Empty(t, conflictsAB)
	assert.Empty(t, conflictsBA)

	idsAB := nodeIDs(mergedAB)
	idsBA := nodeIDs(mergedBA)
	assert.Equal(t, idsAB, idsBA)
	for _, id := range idsAB {
		assert.Equal(t, mergedAB.Nodes[id], mergedBA.Nodes[id])
	}
}

func nodeIDs(s State) []string {
	ids := make([]string, 0, len(s.Nodes))
	for id := range s.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

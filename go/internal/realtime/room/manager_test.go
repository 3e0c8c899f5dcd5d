package room

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pppalooza/palooza/go/internal/realtime/registry"
)

func newTestManager(t *testing.T) (*Manager, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	return NewManager(registry.New(), clock), clock
}

func TestRoomExistsOnlyWhileMembersRemain(t *testing.T) {
	m, _ := newTestManager(t)

	created := m.Join("c1", "g1", "u1")
	assert.True(t, created)
	assert.True(t, m.Exists("g1"))

	created = m.Join("c2", "g1", "u2")
	assert.False(t, created)

	_, destroyed := m.Leave("c1")
	assert.False(t, destroyed)
	assert.True(t, m.Exists("g1"))

	gameID, destroyed := m.Leave("c2")
	assert.Equal(t, "g1", gameID)
	assert.True(t, destroyed)
	assert.False(t, m.Exists("g1"))
	assert.Empty(t, m.RoomStats())
}

func TestJoinTwiceDoesNotDuplicateMembership(t *testing.T) {
	m, _ := newTestManager(t)
	m.Join("c1", "g1", "u1")
	m.Join("c1", "g1", "u1")

	assert.Len(t, m.Members("g1"), 1)

	// a single leave after the double join empties the room
	_, destroyed := m.Leave("c1")
	assert.True(t, destroyed)
}

func TestJoinMovesConnectionOutOfOldRoom(t *testing.T) {
	m, _ := newTestManager(t)
	var destroyed []string
	m.OnDestroy(func(g string) { destroyed = append(destroyed, g) })

	m.Join("c1", "g1", "u1")
	m.Join("c1", "g2", "u1")

	assert.Empty(t, m.Members("g1"), "room g1 must not still hold c1")
	assert.False(t, m.Exists("g1"))
	assert.Equal(t, []string{"g1"}, destroyed)
	assert.ElementsMatch(t, []string{"c1"}, m.Members("g2"))

	gameID, roomDestroyed := m.Leave("c1")
	assert.Equal(t, "g2", gameID)
	assert.True(t, roomDestroyed)
}

func TestJoinMoveKeepsPopulatedOldRoomAlive(t *testing.T) {
	m, _ := newTestManager(t)
	var destroyed []string
	m.OnDestroy(func(g string) { destroyed = append(destroyed, g) })
	m.Join("c1", "g1", "u1")
	m.Join("c2", "g1", "u2")

	m.Join("c1", "g2", "u1")

	assert.ElementsMatch(t, []string{"c2"}, m.Members("g1"))
	assert.True(t, m.Exists("g1"))
	assert.Empty(t, destroyed)
}

func TestLeaveUnknownConnectionIsNoOp(t *testing.T) {
	m, _ := newTestManager(t)

	gameID, destroyed := m.Leave("ghost")
	assert.Empty(t, gameID)
	assert.False(t, destroyed)
}

func TestLifecycleHooksFireOncePerRoom(t *testing.T) {
	m, _ := newTestManager(t)
	var created, destroyed []string
	m.OnCreate(func(g string) { created = append(created, g) })
	m.OnDestroy(func(g string) { destroyed = append(destroyed, g) })

	m.Join("c1", "g1", "u1")
	m.Join("c2", "g1", "u2")
	m.Leave("c1")
	m.Leave("c2")

	assert.Equal(t, []string{"g1"}, created)
	assert.Equal(t, []string{"g1"}, destroyed)
}

func TestSetStateCreatesColdRoom(t *testing.T) {
	m, _ := newTestManager(t)
	var created []string
	m.OnCreate(func(g string) { created = append(created, g) })

	m.SetState("g1", []byte(`{"phase":"lobby"}`))

	assert.Equal(t, []string{"g1"}, created)
	snapshot, ok := m.Snapshot("g1")
	require.True(t, ok)
	assert.JSONEq(t, `{"phase":"lobby"}`, string(snapshot))

	stats := m.RoomStats()
	require.Len(t, stats, 1)
	assert.Equal(t, 0, stats[0].Members)
	assert.True(t, stats[0].HasState)

	// a joiner finds the primed state waiting
	createdRoom := m.Join("c1", "g1", "u1")
	assert.False(t, createdRoom)
}

func TestSnapshotReturnsCopy(t *testing.T) {
	m, _ := newTestManager(t)
	m.SetState("g1", []byte(`{"n":1}`))

	snapshot, _ := m.Snapshot("g1")
	snapshot[1] = 'x'

	fresh, _ := m.Snapshot("g1")
	assert.JSONEq(t, `{"n":1}`, string(fresh))
}

func TestSweepIdleReapsOnlyStalePrimedRooms(t *testing.T) {
	m, clock := newTestManager(t)
	var destroyed []string
	m.OnDestroy(func(g string) { destroyed = append(destroyed, g) })

	m.SetState("stale", []byte(`{}`))
	m.Join("c1", "occupied", "u1")
	m.SetState("occupied", []byte(`{}`))

	clock.Advance(10 * time.Minute)
	m.SetState("fresh", []byte(`{}`))

	reaped := m.SweepIdle(5 * time.Minute)

	assert.Equal(t, []string{"stale"}, reaped)
	assert.Equal(t, []string{"stale"}, destroyed)
	assert.True(t, m.Exists("occupied"))
	assert.True(t, m.Exists("fresh"))
}

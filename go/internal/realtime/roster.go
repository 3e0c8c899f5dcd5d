package realtime

import (
	"encoding/json"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/pppalooza/palooza/go/internal/crdt"
)

// Roster tracks each game's players as a CRDT collection, one node per
// user keyed by user id. Processes mutate their own replica as players
// come and go; when a reconnecting client (or a peer process) presents
// its view, the two are reconciled through the merge engine rather than
// trusting either side's patch stream ordering.
type Roster struct {
	mu        sync.Mutex
	engine    *crdt.Engine
	resolvers crdt.ResolverTable
	states    map[string]crdt.State
}

// NewRoster creates a roster replica identified by this process's id.
func NewRoster(clock clockwork.Clock, replicaID string) *Roster {
	return &Roster{
		engine:    crdt.NewEngine(clock, replicaID),
		resolvers: crdt.DefaultResolvers(),
		states:    make(map[string]crdt.State),
	}
}

func statusValue(status string) json.RawMessage {
	v, _ := json.Marshal(status)
	return v
}

// PlayerJoined records a player as joined in the game's collection.
func (r *Roster) PlayerJoined(gameID, userID string) {
	r.setStatus(gameID, userID, "joined")
}

// PlayerLeft records a player as gone. The node is updated rather than
// tombstoned: a departed player can come back, a deleted one cannot.
func (r *Roster) PlayerLeft(gameID, userID string) {
	r.setStatus(gameID, userID, "left")
}

func (r *Roster) setStatus(gameID, userID, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[gameID]
	if !ok {
		st = crdt.NewState()
	}
	if _, exists := st.Nodes[userID]; exists {
		st, _ = r.engine.UpdateNode(st, userID, statusValue(status), nil)
	} else {
		st, _ = r.engine.AddNode(st, userID, statusValue(status), map[string]string{
			crdt.MetaType: "player_status",
		})
	}
	r.states[gameID] = st
}

// MergeRemote reconciles a remote replica's view of the game into this
// one, swaps the merged result in, and reports the conflicts.
func (r *Roster) MergeRemote(gameID string, remote crdt.State) (crdt.State, []crdt.Conflict) {
	r.mu.Lock()
	defer r.mu.Unlock()

	local, ok := r.states[gameID]
	if !ok {
		local = crdt.NewState()
	}
	merged, conflicts := crdt.Merge(local, remote, r.resolvers)
	r.states[gameID] = merged
	return merged, conflicts
}

// Snapshot returns the game's current collection state.
func (r *Roster) Snapshot(gameID string) (crdt.State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[gameID]
	return st, ok
}

// Drop forgets a game's collection when its room is destroyed.
func (r *Roster) Drop(gameID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, gameID)
}

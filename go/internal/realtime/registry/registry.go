package registry

import (
	"sync"
)

// Entry records which game and user a connection belongs to.
type Entry struct {
	GameID string
	UserID string
}

// Registry is the bidirectional table between connection ids, game ids
// and user ids. It is owned by the room manager; all access goes through
// its methods so the backing maps never escape.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]Entry           // connection id -> game/user
	games       map[string]map[string]bool // game id -> connection ids
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		connections: make(map[string]Entry),
		games:       make(map[string]map[string]bool),
	}
}

// Register maps a connection to a game and user. Re-registering the same
// connection for the same game is a no-op; re-registering for a different
// game moves it. Returns true if the connection was not already a member
// of the game.
func (r *Registry) Register(connectionID, gameID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.connections[connectionID]; ok {
		if prev.GameID == gameID {
			return false
		}
		r.removeLocked(connectionID, prev.GameID)
	}

	r.connections[connectionID] = Entry{GameID: gameID, UserID: userID}
	if r.games[gameID] == nil {
		r.games[gameID] = make(map[string]bool)
	}
	r.games[gameID][connectionID] = true
	return true
}

// Unregister removes a connection. Returns the entry it held and whether
// it was registered at all; unknown connections are a no-op.
func (r *Registry) Unregister(connectionID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.connections[connectionID]
	if !ok {
		return Entry{}, false
	}
	delete(r.connections, connectionID)
	r.removeLocked(connectionID, entry.GameID)
	return entry, true
}

func (r *Registry) removeLocked(connectionID, gameID string) {
	if conns, ok := r.games[gameID]; ok {
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(r.games, gameID)
		}
	}
}

// Lookup returns the entry for a connection.
func (r *Registry) Lookup(connectionID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.connections[connectionID]
	return entry, ok
}

// Connections returns a snapshot of the connection ids in a game.
func (r *Registry) Connections(gameID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.games[gameID]
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	return out
}

// Count returns the number of connections in a game.
func (r *Registry) Count(gameID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.games[gameID])
}

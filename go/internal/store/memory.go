package store

import (
	"context"
	"sync"
)

// Memory is an in-process GameStore for tests and broker-less local
// runs. With no membership seeded it authorizes everyone, matching the
// development behavior of the gateway.
type Memory struct {
	mu        sync.RWMutex
	snapshots map[string][]byte
	players   map[string]map[string]bool // game id -> user ids
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		snapshots: make(map[string][]byte),
		players:   make(map[string]map[string]bool),
	}
}

// SeedPlayer registers a user as a player in a game. Once any player is
// seeded for a game, authorization for that game becomes closed-world.
func (m *Memory) SeedPlayer(gameID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.players[gameID] == nil {
		m.players[gameID] = make(map[string]bool)
	}
	m.players[gameID][userID] = true
}

func (m *Memory) AuthorizePlayer(_ context.Context, gameID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	players, ok := m.players[gameID]
	if !ok {
		return true, nil
	}
	return players[userID], nil
}

func (m *Memory) LoadSnapshot(_ context.Context, gameID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot, ok := m.snapshots[gameID]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(snapshot))
	copy(out, snapshot)
	return out, nil
}

func (m *Memory) SaveSnapshot(_ context.Context, gameID string, snapshot []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]byte, len(snapshot))
	copy(stored, snapshot)
	m.snapshots[gameID] = stored
	return nil
}

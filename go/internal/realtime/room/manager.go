package room

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/pppalooza/palooza/go/internal/realtime/registry"
)

// Room is the in-memory unit of one game's live connections and state.
// The snapshot is an opaque JSON document mutated only through the patch
// handler; members are mirrored in the connection registry.
type Room struct {
	GameID    string
	CreatedAt time.Time

	members map[string]bool // connection ids
	state   []byte          // JSON document snapshot
	primed  time.Time       // last state write while memberless, for the sweeper
}

// Stats describes one live room for the observability collaborator.
type Stats struct {
	GameID   string `json:"game_id"`
	Members  int    `json:"members"`
	HasState bool   `json:"has_state"`
}

// Manager owns every live Room on this process. A room is created on the
// first join (or when a patch primes state cold) and destroyed when its
// member set empties.
type Manager struct {
	mu       sync.RWMutex
	rooms    map[string]*Room
	registry *registry.Registry
	clock    clockwork.Clock

	// onCreate/onDestroy let the caller tie a broadcast subscription to
	// the room lifetime without the manager knowing about the bridge.
	onCreate  func(gameID string)
	onDestroy func(gameID string)
}

// NewManager creates a room manager backed by the given registry.
func NewManager(reg *registry.Registry, clock clockwork.Clock) *Manager {
	return &Manager{
		rooms:    make(map[string]*Room),
		registry: reg,
		clock:    clock,
	}
}

// OnCreate registers a hook invoked once whenever a room comes into
// existence. Must be set before the manager is used.
func (m *Manager) OnCreate(fn func(gameID string)) { m.onCreate = fn }

// OnDestroy registers a hook invoked once whenever a room is destroyed.
func (m *Manager) OnDestroy(fn func(gameID string)) { m.onDestroy = fn }

// Join registers the connection and adds it to the game's room, creating
// the room if needed. Joining twice is a no-op on membership and must not
// re-run the create hook. A connection already subscribed to a different
// game is moved: it leaves its old room first, destroying that room if
// it emptied, so room membership always mirrors the registry. Returns
// true when this call created the room.
func (m *Manager) Join(connectionID, gameID, userID string) bool {
	prev, had := m.registry.Lookup(connectionID)
	added := m.registry.Register(connectionID, gameID, userID)

	var vacatedDestroyed bool
	m.mu.Lock()
	if had && prev.GameID != gameID {
		if old, ok := m.rooms[prev.GameID]; ok {
			delete(old.members, connectionID)
			if len(old.members) == 0 {
				delete(m.rooms, prev.GameID)
				vacatedDestroyed = true
			}
		}
	}
	r, existed := m.rooms[gameID]
	if !existed {
		r = &Room{
			GameID:    gameID,
			CreatedAt: m.clock.Now(),
			members:   make(map[string]bool),
		}
		m.rooms[gameID] = r
	}
	if added {
		r.members[connectionID] = true
	}
	r.primed = time.Time{}
	m.mu.Unlock()

	if vacatedDestroyed {
		log.Debug().Str("game_id", prev.GameID).Msg("room destroyed, last member moved games")
		if m.onDestroy != nil {
			m.onDestroy(prev.GameID)
		}
	}
	if !existed {
		log.Debug().Str("game_id", gameID).Str("connection_id", connectionID).Msg("room created")
		if m.onCreate != nil {
			m.onCreate(gameID)
		}
	}
	return !existed
}

// Leave removes a connection from its room and the registry. Unknown
// connections are a no-op; disconnect races are expected. Returns the
// game the connection belonged to and whether its room was destroyed.
func (m *Manager) Leave(connectionID string) (gameID string, destroyed bool) {
	entry, ok := m.registry.Unregister(connectionID)
	if !ok {
		return "", false
	}

	m.mu.Lock()
	r, exists := m.rooms[entry.GameID]
	if exists {
		delete(r.members, connectionID)
		if len(r.members) == 0 {
			delete(m.rooms, entry.GameID)
			destroyed = true
		}
	}
	m.mu.Unlock()

	if destroyed {
		log.Debug().Str("game_id", entry.GameID).Msg("room destroyed, last member left")
		if m.onDestroy != nil {
			m.onDestroy(entry.GameID)
		}
	}
	return entry.GameID, destroyed
}

// Members returns a snapshot of the connection ids in a room, or nil if
// the room does not exist.
func (m *Manager) Members(gameID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[gameID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}
	return out
}

// Snapshot returns a copy of the room's state document. A missing room
// or a room with no state returns (nil, false).
func (m *Manager) Snapshot(gameID string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[gameID]
	if !ok || r.state == nil {
		return nil, false
	}
	out := make([]byte, len(r.state))
	copy(out, r.state)
	return out, true
}

// SetState replaces the room's state snapshot, creating a memberless
// room when none exists. This is the cold-prime path: state can be
// pushed before anyone joins, and the first join finds it waiting.
func (m *Manager) SetState(gameID string, state []byte) {
	var created bool

	m.mu.Lock()
	r, ok := m.rooms[gameID]
	if !ok {
		r = &Room{
			GameID:    gameID,
			CreatedAt: m.clock.Now(),
			members:   make(map[string]bool),
		}
		m.rooms[gameID] = r
		created = true
	}
	r.state = state
	if len(r.members) == 0 {
		r.primed = m.clock.Now()
	}
	m.mu.Unlock()

	if created {
		log.Debug().Str("game_id", gameID).Msg("room created cold for primed state")
		if m.onCreate != nil {
			m.onCreate(gameID)
		}
	}
}

// Exists reports whether a room is live for the game.
func (m *Manager) Exists(gameID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[gameID]
	return ok
}

// RoomStats returns member count and snapshot presence for every live
// room, for the health/presence collaborator.
func (m *Manager) RoomStats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Stats, 0, len(m.rooms))
	for id, r := range m.rooms {
		out = append(out, Stats{
			GameID:   id,
			Members:  len(r.members),
			HasState: len(r.state) > 0,
		})
	}
	return out
}

// SweepIdle destroys memberless rooms whose primed state has sat unused
// longer than ttl. Returns the game ids reaped.
func (m *Manager) SweepIdle(ttl time.Duration) []string {
	cutoff := m.clock.Now().Add(-ttl)

	m.mu.Lock()
	var reaped []string
	for id, r := range m.rooms {
		if len(r.members) == 0 && !r.primed.IsZero() && r.primed.Before(cutoff) {
			delete(m.rooms, id)
			reaped = append(reaped, id)
		}
	}
	m.mu.Unlock()

	for _, id := range reaped {
		log.Info().Str("game_id", id).Msg("idle primed room reaped")
		if m.onDestroy != nil {
			m.onDestroy(id)
		}
	}
	return reaped
}

// RunSweeper sweeps idle rooms on the given interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval, ttl time.Duration) {
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.SweepIdle(ttl)
		}
	}
}

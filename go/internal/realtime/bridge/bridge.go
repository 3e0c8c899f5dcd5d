// Package bridge relays game messages between gateway processes over a
// NATS subject per game, and fans them out to this process's local
// connections. Local delivery is synchronous so same-process clients see
// no added latency; the relay exists only for the other processes.
package bridge

import (
	"encoding/json"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/pppalooza/palooza/go/internal/realtime/events"
)

// SubjectPrefix is the per-game subject namespace on the relay.
const SubjectPrefix = "game.events."

// Subject returns the relay subject for a game.
func Subject(gameID string) string {
	return SubjectPrefix + gameID
}

// LocalDeliverer fans a serialized message out to every local connection
// in a game's room, minus the excluded connection.
type LocalDeliverer interface {
	DeliverLocal(gameID string, payload []byte, excludeConnectionID string)
}

// Bridge holds one relay subscription per live room. A nil NATS
// connection puts the bridge in local-only mode: a single process
// serving an entire room keeps working without a broker.
type Bridge struct {
	nc     *nats.Conn
	local  LocalDeliverer
	origin string

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// New creates a bridge. origin is this process's id, stamped on every
// published envelope so the publisher's own subscription drops it
// instead of delivering it twice.
func New(nc *nats.Conn, local LocalDeliverer, origin string) *Bridge {
	return &Bridge{
		nc:     nc,
		local:  local,
		origin: origin,
		subs:   make(map[string]*nats.Subscription),
	}
}

// Subscribe opens the relay subscription for a game. Called once per
// room lifetime; a second call while subscribed is a no-op.
func (b *Bridge) Subscribe(gameID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[gameID]; ok {
		return nil
	}
	if b.nc == nil {
		return nil
	}

	sub, err := b.nc.Subscribe(Subject(gameID), func(m *nats.Msg) {
		b.handleRelayed(gameID, m.Data)
	})
	if err != nil {
		log.Warn().Err(err).Str("game_id", gameID).Msg("relay subscribe failed, room is local-only")
		return err
	}
	b.subs[gameID] = sub
	log.Debug().Str("game_id", gameID).Str("subject", Subject(gameID)).Msg("relay subscription opened")
	return nil
}

// Unsubscribe closes the relay subscription when the room is destroyed.
// Unknown games are a no-op.
func (b *Bridge) Unsubscribe(gameID string) {
	b.mu.Lock()
	sub, ok := b.subs[gameID]
	if ok {
		delete(b.subs, gameID)
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	if err := sub.Unsubscribe(); err != nil {
		log.Warn().Err(err).Str("game_id", gameID).Msg("relay unsubscribe failed")
	}
}

// handleRelayed delivers a message published by another process to the
// local room. Messages stamped with this process's own origin id already
// went out locally at publish time and are dropped here.
func (b *Bridge) handleRelayed(gameID string, data []byte) {
	var m events.Message
	if err := json.Unmarshal(data, &m); err != nil {
		log.Warn().Err(err).Str("game_id", gameID).Msg("dropping malformed relayed message")
		return
	}
	if m.Origin == b.origin {
		return
	}
	b.local.DeliverLocal(gameID, data, "")
}

// PublishAndBroadcastLocal delivers the message to every local member
// of the room except excludeConnectionID, then publishes it on the
// game's relay subject for the other processes. A dead or absent relay
// degrades to local-only delivery with a warning; nothing is queued for
// replay, so cross-process delivery is at-most-once.
func (b *Bridge) PublishAndBroadcastLocal(gameID string, msg *events.Message, excludeConnectionID string) {
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("game_id", gameID).Msg("failed to marshal message for broadcast")
		return
	}
	b.local.DeliverLocal(gameID, payload, excludeConnectionID)

	if b.nc == nil {
		return
	}
	if b.nc.Status() != nats.CONNECTED {
		log.Warn().Str("game_id", gameID).Msg("relay unavailable, message delivered locally only")
		return
	}

	tagged := *msg
	tagged.Origin = b.origin
	relayed, err := json.Marshal(&tagged)
	if err != nil {
		log.Error().Err(err).Str("game_id", gameID).Msg("failed to marshal relay envelope")
		return
	}
	if err := b.nc.Publish(Subject(gameID), relayed); err != nil {
		log.Warn().Err(err).Str("game_id", gameID).Msg("relay publish failed, message delivered locally only")
	}
}

// Subscribed reports whether a relay subscription is open for the game.
func (b *Bridge) Subscribed(gameID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subs[gameID]
	return ok
}

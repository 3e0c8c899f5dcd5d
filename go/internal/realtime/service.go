// Package realtime wires the connection registry, room manager,
// broadcast bridge and patch handler into the gateway service and
// dispatches client messages between them.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/pppalooza/palooza/go/internal/crdt"
	"github.com/pppalooza/palooza/go/internal/realtime/bridge"
	"github.com/pppalooza/palooza/go/internal/realtime/events"
	"github.com/pppalooza/palooza/go/internal/realtime/patch"
	"github.com/pppalooza/palooza/go/internal/realtime/registry"
	"github.com/pppalooza/palooza/go/internal/realtime/room"
	"github.com/pppalooza/palooza/go/internal/realtime/ws"
	"github.com/pppalooza/palooza/go/internal/store"
)

const storeTimeout = 3 * time.Second

// Service is the realtime gateway: it owns this process's rooms and
// connections, applies patch envelopes, and keeps rooms on other
// processes consistent through the bridge. All collaborators are plain
// values wired here; there are no hidden singletons.
// relay is what the service needs from the broadcast bridge.
type relay interface {
	Subscribe(gameID string) error
	Unsubscribe(gameID string)
	PublishAndBroadcastLocal(gameID string, msg *events.Message, excludeConnectionID string)
}

type Service struct {
	origin   string
	registry *registry.Registry
	rooms    *room.Manager
	bridge   relay
	patches  *patch.Handler
	roster   *Roster
	hub      *ws.Hub
	store    store.GameStore
	clock    clockwork.Clock
}

// New wires a gateway service. nc may be nil for broker-less local-only
// operation; st may be nil to skip authorization and persistence.
func New(nc *nats.Conn, st store.GameStore, hub *ws.Hub, clock clockwork.Clock) *Service {
	reg := registry.New()
	rooms := room.NewManager(reg, clock)

	s := &Service{
		origin:   uuid.New().String(),
		registry: reg,
		rooms:    rooms,
		hub:      hub,
		store:    st,
		clock:    clock,
	}
	s.bridge = bridge.New(nc, s, s.origin)
	s.patches = patch.NewHandler(rooms, s.bridge, clock)
	s.roster = NewRoster(clock, s.origin)
	if st != nil {
		s.patches.WithSnapshotWriter(st)
	}

	// relay subscription and roster replica live exactly as long as
	// the room does
	rooms.OnCreate(func(gameID string) {
		if err := s.bridge.Subscribe(gameID); err != nil {
			log.Warn().Err(err).Str("game_id", gameID).Msg("room running without relay")
		}
	})
	rooms.OnDestroy(func(gameID string) {
		s.bridge.Unsubscribe(gameID)
		s.roster.Drop(gameID)
	})

	hub.SetHandler(s)
	return s
}

// Rooms exposes the room manager (stats endpoint, sweeper).
func (s *Service) Rooms() *room.Manager { return s.rooms }

// Roster exposes the CRDT-backed player roster.
func (s *Service) Roster() *Roster { return s.roster }

// Patches exposes the patch handler for collaborators that prime state
// without a connection (e.g. the game service pushing a cold update).
func (s *Service) Patches() *patch.Handler { return s.patches }

// DeliverLocal fans a serialized message out to the room's local
// connections. Implements bridge.LocalDeliverer.
func (s *Service) DeliverLocal(gameID string, payload []byte, excludeConnectionID string) {
	for _, connID := range s.rooms.Members(gameID) {
		if connID == excludeConnectionID {
			continue
		}
		s.hub.Send(connID, payload)
	}
}

// HandleMessage dispatches one inbound client frame. Implements
// ws.Handler. Validation failures are answered on the originating
// connection only; the rest of the room never notices.
func (s *Service) HandleMessage(conn *ws.Conn, data []byte) {
	msg, err := events.Decode(data)
	if err != nil {
		log.Debug().Err(err).Str("connection_id", conn.ID).Msg("rejected client message")
		s.sendError(conn, "", "InvalidMessage", err.Error())
		return
	}

	switch msg.Type {
	case events.TypeSubscribe:
		s.handleSubscribe(conn, msg)

	case events.TypeUnsubscribe:
		s.handleLeave(conn.ID)

	case events.TypeResync:
		s.handleResync(conn, msg)

	case events.TypeError:
		log.Debug().Str("connection_id", conn.ID).Str("game_id", msg.GameID).Msg("client error message ignored")

	default:
		s.handleUpdate(conn, msg)
	}
}

// HandleDisconnect cleans up room membership when a socket dies.
// Implements ws.Handler.
func (s *Service) HandleDisconnect(connectionID string) {
	s.handleLeave(connectionID)
}

func (s *Service) handleSubscribe(conn *ws.Conn, msg *events.Message) {
	userID := msg.UserID
	if userID == "" {
		userID = conn.UserID
	}

	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		ok, err := s.store.AuthorizePlayer(ctx, msg.GameID, userID)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("game_id", msg.GameID).Msg("authorization check failed")
			s.sendError(conn, msg.GameID, "Unauthorized", "could not verify game membership")
			return
		}
		if !ok {
			s.sendError(conn, msg.GameID, "Unauthorized", "not a player in this game")
			return
		}
	}

	created := s.rooms.Join(conn.ID, msg.GameID, userID)
	if created {
		s.primeRoom(msg.GameID)
	}
	s.roster.PlayerJoined(msg.GameID, userID)

	log.Info().
		Str("connection_id", conn.ID).
		Str("game_id", msg.GameID).
		Str("user_id", userID).
		Bool("room_created", created).
		Msg("connection subscribed")

	// catch the joiner up, then tell everyone else
	s.sendSnapshot(conn, msg.GameID)
	s.bridge.PublishAndBroadcastLocal(msg.GameID, &events.Message{
		Type:      events.TypePlayerJoin,
		GameID:    msg.GameID,
		UserID:    userID,
		Timestamp: s.clock.Now().UnixMilli(),
	}, conn.ID)
}

// primeRoom loads the stored snapshot into a freshly created room so a
// cold process starts from where the game left off.
func (s *Service) primeRoom(gameID string) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	snapshot, err := s.store.LoadSnapshot(ctx, gameID)
	if err != nil {
		log.Warn().Err(err).Str("game_id", gameID).Msg("cold snapshot load failed, starting empty")
		return
	}
	if snapshot != nil {
		s.rooms.SetState(gameID, snapshot)
	}
}

func (s *Service) handleLeave(connectionID string) {
	entry, known := s.registry.Lookup(connectionID)
	gameID, destroyed := s.rooms.Leave(connectionID)
	if gameID == "" || !known {
		return
	}

	log.Info().
		Str("connection_id", connectionID).
		Str("game_id", gameID).
		Bool("room_destroyed", destroyed).
		Msg("connection left room")

	if !destroyed {
		s.roster.PlayerLeft(gameID, entry.UserID)
	}
	// peers on other processes still hold the room even when this was
	// the last local member; the local fan-out is then simply empty
	s.bridge.PublishAndBroadcastLocal(gameID, &events.Message{
		Type:      events.TypePlayerLeave,
		GameID:    gameID,
		UserID:    entry.UserID,
		Timestamp: s.clock.Now().UnixMilli(),
	}, connectionID)
}

func (s *Service) handleResync(conn *ws.Conn, msg *events.Message) {
	if !s.isMember(conn.ID, msg.GameID) {
		s.sendError(conn, msg.GameID, "Unauthorized", "not subscribed to this game")
		return
	}
	s.sendSnapshot(conn, msg.GameID)

	// a reconnecting client may carry its own roster replica; merge it
	// rather than trusting either side's view of who is in the game
	if msg.Data == "" {
		return
	}
	var remote crdt.State
	if err := json.Unmarshal([]byte(msg.Data), &remote); err != nil {
		s.sendError(conn, msg.GameID, "InvalidMessage", "malformed roster state")
		return
	}
	merged, conflicts := s.roster.MergeRemote(msg.GameID, remote)
	if len(conflicts) > 0 {
		log.Info().
			Str("game_id", msg.GameID).
			Int("conflicts", len(conflicts)).
			Msg("roster merge resolved conflicts")
	}

	payload, err := json.Marshal(merged)
	if err != nil {
		log.Error().Err(err).Str("game_id", msg.GameID).Msg("failed to marshal merged roster")
		return
	}
	s.sendTo(conn, &events.Message{
		Type:      events.TypeGameUpdate,
		GameID:    msg.GameID,
		Data:      string(payload),
		Timestamp: s.clock.Now().UnixMilli(),
		Metadata:  map[string]string{"payload": "roster", "conflicts": strconv.Itoa(len(conflicts))},
	})
}

// handleUpdate applies patch-bearing envelopes through the patch
// handler; patch-less messages (chat, answer submissions, round events)
// are relayed as-is.
func (s *Service) handleUpdate(conn *ws.Conn, msg *events.Message) {
	if !s.isMember(conn.ID, msg.GameID) {
		s.sendError(conn, msg.GameID, "Unauthorized", "not subscribed to this game")
		return
	}

	if len(msg.Patches) > 0 {
		if _, err := s.patches.ApplyEnvelope(msg.GameID, msg, conn.ID); err != nil {
			s.sendError(conn, msg.GameID, errorKind(err), err.Error())
		}
		return
	}

	msg.Timestamp = msg.StampedAt(s.clock.Now())
	s.bridge.PublishAndBroadcastLocal(msg.GameID, msg, "")
}

func (s *Service) isMember(connectionID, gameID string) bool {
	entry, ok := s.registry.Lookup(connectionID)
	return ok && entry.GameID == gameID
}

// sendSnapshot replies with the room's current document as a
// game_update on this connection only.
func (s *Service) sendSnapshot(conn *ws.Conn, gameID string) {
	snapshot, ok := s.rooms.Snapshot(gameID)
	if !ok {
		snapshot = []byte("{}")
	}
	s.sendTo(conn, &events.Message{
		Type:      events.TypeGameUpdate,
		GameID:    gameID,
		Data:      string(snapshot),
		Timestamp: s.clock.Now().UnixMilli(),
	})
}

func (s *Service) sendError(conn *ws.Conn, gameID, kind, detail string) {
	s.sendTo(conn, events.NewError(gameID, kind, detail))
}

func (s *Service) sendTo(conn *ws.Conn, msg *events.Message) {
	if len(msg.Data) > events.MaxDataBytes {
		log.Warn().
			Str("connection_id", conn.ID).
			Str("game_id", msg.GameID).
			Int("data_bytes", len(msg.Data)).
			Msg("outbound data exceeds the inbound wire bound")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("connection_id", conn.ID).Msg("failed to marshal reply")
		return
	}
	conn.Send(payload)
}

// errorKind maps patch handler failures onto the wire error taxonomy.
func errorKind(err error) string {
	switch {
	case errors.Is(err, patch.ErrEnvelopeTooLarge):
		return "EnvelopeTooLarge"
	case errors.Is(err, patch.ErrInvalidPatch):
		return "InvalidPatch"
	default:
		return "InternalError"
	}
}

// Package patch validates and applies incremental state-delta envelopes
// against a room's document snapshot, then hands them off for fan-out.
package patch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/pppalooza/palooza/go/internal/realtime/events"
	"github.com/pppalooza/palooza/go/internal/realtime/room"
)

// MaxEnvelopeBytes bounds the serialized size of a patch array.
const MaxEnvelopeBytes = 2048

var (
	// ErrEnvelopeTooLarge rejects an envelope before any mutation.
	ErrEnvelopeTooLarge = errors.New("patch envelope exceeds size limit")
	// ErrInvalidPatch reports that an operation's preconditions failed;
	// the whole envelope was discarded.
	ErrInvalidPatch = errors.New("invalid patch")
)

// emptyDocument is the base an envelope applies against when the game
// has no room yet (the cold-prime flow).
var emptyDocument = []byte("{}")

// Broadcaster fans a message out to the room locally and relays it to
// the other gateway processes.
type Broadcaster interface {
	PublishAndBroadcastLocal(gameID string, msg *events.Message, excludeConnectionID string)
}

// SnapshotWriter persists snapshots off the hot path, best-effort.
type SnapshotWriter interface {
	SaveSnapshot(ctx context.Context, gameID string, snapshot []byte) error
}

// Handler applies patch envelopes to room state. Applies are serialized
// so envelopes for a room take effect in strict arrival order; patch
// operations are not commutative so no batching or reordering happens.
type Handler struct {
	mu     sync.Mutex
	rooms  *room.Manager
	bridge Broadcaster
	writer SnapshotWriter // optional
	clock  clockwork.Clock
}

// NewHandler wires a patch handler to the room manager and bridge.
func NewHandler(rooms *room.Manager, bridge Broadcaster, clock clockwork.Clock) *Handler {
	return &Handler{rooms: rooms, bridge: bridge, clock: clock}
}

// WithSnapshotWriter enables asynchronous snapshot persistence after
// each successful apply.
func (h *Handler) WithSnapshotWriter(w SnapshotWriter) *Handler {
	h.writer = w
	return h
}

// ApplyEnvelope validates the envelope, applies its operations
// atomically against the room snapshot, and on success swaps the new
// snapshot in and fans the envelope out. The returned timestamp is the
// envelope's own, or receipt time when absent.
//
// A failed operation discards the entire envelope: the room snapshot
// after an error is identical to before the call.
func (h *Handler) ApplyEnvelope(gameID string, msg *events.Message, excludeConnectionID string) (int64, error) {
	if msg.Patches == nil {
		msg.Patches = []events.PatchOp{}
	}
	raw, err := json.Marshal(msg.Patches)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	if len(raw) > MaxEnvelopeBytes {
		return 0, fmt.Errorf("%w: %d bytes", ErrEnvelopeTooLarge, len(raw))
	}

	decoded, err := jsonpatch.DecodePatch(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}

	h.mu.Lock()
	doc, ok := h.rooms.Snapshot(gameID)
	if !ok {
		doc = emptyDocument
	}

	// Apply returns a fresh document or an error; the snapshot is only
	// replaced on success, which is what makes the envelope atomic.
	next, err := decoded.Apply(doc)
	if err != nil {
		h.mu.Unlock()
		return 0, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	h.rooms.SetState(gameID, next)
	h.mu.Unlock()

	applied := msg.StampedAt(h.clock.Now())
	msg.Timestamp = applied
	h.bridge.PublishAndBroadcastLocal(gameID, msg, excludeConnectionID)

	if h.writer != nil {
		go h.persist(gameID, next)
	}

	log.Debug().
		Str("game_id", gameID).
		Int("operations", len(msg.Patches)).
		Int64("timestamp", applied).
		Msg("patch envelope applied")
	return applied, nil
}

func (h *Handler) persist(gameID string, snapshot []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.writer.SaveSnapshot(ctx, gameID, snapshot); err != nil {
		log.Warn().Err(err).Str("game_id", gameID).Msg("snapshot write-behind failed")
	}
}

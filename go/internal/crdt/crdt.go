// Package crdt implements the merge engine that reconciles divergent
// replicas of a shared collection (player rosters, scores, statuses).
// Every node is a last-writer-wins register ordered by a composite
// (timestamp, replica id) key; deletes are tombstones so a merge can
// always reason about ordering. All operations are pure: state goes in
// by value and a new state comes out, so concurrent readers can never
// observe a half-applied mutation.
package crdt

import (
	"bytes"
	"encoding/json"

	"github.com/jonboulle/clockwork"
)

// MetaDeleted marks a tombstoned node in its metadata bag.
const MetaDeleted = "deleted"

// MetaType tags a node for resolver dispatch (e.g. "player_score").
const MetaType = "type"

// Node is one replicated register. ID must be stable across replicas
// (callers use the domain id, e.g. the player id). Value is the payload;
// a nil Value together with metadata[deleted]="true" is a tombstone.
type Node struct {
	ID        string            `json:"id"`
	Timestamp int64             `json:"timestamp"` // unix millis
	Replica   string            `json:"replica,omitempty"`
	Value     json.RawMessage   `json:"value,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Tombstone reports whether the node records a deletion.
func (n Node) Tombstone() bool {
	return n.Metadata[MetaDeleted] == "true"
}

// Type returns the resolver-dispatch tag, if any.
func (n Node) Type() string {
	return n.Metadata[MetaType]
}

// after reports whether n is ordered after other in the composite
// (timestamp, replica id) total order.
func (n Node) after(other Node) bool {
	if n.Timestamp != other.Timestamp {
		return n.Timestamp > other.Timestamp
	}
	return n.Replica > other.Replica
}

// State is a versioned snapshot of one replicated collection. Treat it
// as immutable: mutations return a fresh State and never touch the
// input's node map.
type State struct {
	Nodes      map[string]Node `json:"nodes"`
	LastUpdate int64           `json:"last_update"`
	Version    int64           `json:"version"`
}

// NewState returns an empty collection state.
func NewState() State {
	return State{Nodes: make(map[string]Node)}
}

func (s State) clone() State {
	nodes := make(map[string]Node, len(s.Nodes))
	for id, n := range s.Nodes {
		nodes[id] = n
	}
	return State{Nodes: nodes, LastUpdate: s.LastUpdate, Version: s.Version}
}

// Engine issues timestamps and stamps mutations with this replica's id.
// The clock is injected so tests can drive time explicitly.
type Engine struct {
	clock   clockwork.Clock
	replica string
}

// NewEngine creates an engine for one replica (typically the process id).
func NewEngine(clock clockwork.Clock, replicaID string) *Engine {
	return &Engine{clock: clock, replica: replicaID}
}

// tick returns a wall-clock-derived timestamp that is strictly greater
// than anything this state has seen, so local mutations are totally
// ordered even within one clock tick.
func (e *Engine) tick(s State) int64 {
	ts := e.clock.Now().UnixMilli()
	if ts <= s.LastUpdate {
		ts = s.LastUpdate + 1
	}
	return ts
}

func copyMeta(metadata map[string]string) map[string]string {
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		out[k] = v
	}
	return out
}

// AddNode inserts a node under the given stable id and bumps the
// version. An existing node under that id is overwritten.
func (e *Engine) AddNode(s State, id string, value json.RawMessage, metadata map[string]string) (State, Node) {
	next := s.clone()
	node := Node{
		ID:        id,
		Timestamp: e.tick(s),
		Replica:   e.replica,
		Value:     value,
		Metadata:  copyMeta(metadata),
	}
	next.Nodes[id] = node
	next.LastUpdate = node.Timestamp
	next.Version++
	return next, node
}

// UpdateNode replaces a node's value and metadata. Fails (returning the
// input state unchanged) when the id is unknown.
func (e *Engine) UpdateNode(s State, id string, value json.RawMessage, metadata map[string]string) (State, bool) {
	prev, ok := s.Nodes[id]
	if !ok {
		return s, false
	}
	next := s.clone()
	node := Node{
		ID:        id,
		Timestamp: e.tick(s),
		Replica:   e.replica,
		Value:     value,
		Metadata:  copyMeta(metadata),
	}
	// carry the type tag forward when the caller did not restate it
	if node.Metadata[MetaType] == "" && prev.Metadata[MetaType] != "" {
		node.Metadata[MetaType] = prev.Metadata[MetaType]
	}
	next.Nodes[id] = node
	next.LastUpdate = node.Timestamp
	next.Version++
	return next, true
}

// DeleteNode writes a tombstone in place of the node's value. The entry
// stays in the map with its id and a fresh timestamp so later merges
// cannot resurrect it with stale data.
func (e *Engine) DeleteNode(s State, id string) (State, bool) {
	prev, ok := s.Nodes[id]
	if !ok {
		return s, false
	}
	next := s.clone()
	meta := copyMeta(prev.Metadata)
	meta[MetaDeleted] = "true"
	node := Node{
		ID:        id,
		Timestamp: e.tick(s),
		Replica:   e.replica,
		Value:     nil,
		Metadata:  meta,
	}
	next.Nodes[id] = node
	next.LastUpdate = node.Timestamp
	next.Version++
	return next, true
}

// ActiveNodes returns every node that is not tombstoned.
func ActiveNodes(s State) []Node {
	out := make([]Node, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		if !n.Tombstone() {
			out = append(out, n)
		}
	}
	return out
}

// ChangesSince returns every node (tombstones included) stamped strictly
// after the cutoff, for reconnect catch-up.
func ChangesSince(s State, since int64) []Node {
	var out []Node
	for _, n := range s.Nodes {
		if n.Timestamp > since {
			out = append(out, n)
		}
	}
	return out
}

// DiffResult is the read-only comparison of two states: what remote has
// that local lacks, what remote has newer, and what remote has deleted
// that local still holds live.
type DiffResult struct {
	Added   []Node
	Updated []Node
	Deleted []string
}

// Diff compares two states without mutating either. It answers "what
// does a replica holding local need from remote to catch up".
func Diff(local, remote State) DiffResult {
	var d DiffResult
	for id, rn := range remote.Nodes {
		ln, ok := local.Nodes[id]
		switch {
		case !ok:
			d.Added = append(d.Added, rn)
		case rn.Tombstone() && !ln.Tombstone() && rn.after(ln):
			d.Deleted = append(d.Deleted, id)
		case rn.after(ln) && !bytes.Equal(rn.Value, ln.Value):
			d.Updated = append(d.Updated, rn)
		}
	}
	return d
}

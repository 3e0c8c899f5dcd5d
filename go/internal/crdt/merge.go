package crdt

import (
	"bytes"
	"sort"
)

// ConflictType classifies how two replicas disagree about a node.
type ConflictType string

const (
	ConflictConcurrentUpdate ConflictType = "concurrent_update"
	ConflictDeletion         ConflictType = "deletion_conflict"
	ConflictValue            ConflictType = "value_conflict"
)

// Resolution records how a conflict was settled.
type Resolution string

const (
	ResolutionLocalWins      Resolution = "local_wins"
	ResolutionRemoteWins     Resolution = "remote_wins"
	ResolutionManualRequired Resolution = "manual_resolution_required"
)

// Conflict is the structured report of one disagreement. Merge always
// settles on a deterministic winner so callers can keep operating, but
// the raw values travel with the record so domain policy (or an
// operator) can override afterwards.
type Conflict struct {
	Type        ConflictType `json:"type"`
	NodeID      string       `json:"node_id"`
	LocalValue  []byte       `json:"local_value,omitempty"`
	RemoteValue []byte       `json:"remote_value,omitempty"`
	Resolution  Resolution   `json:"resolution"`
}

// Resolver settles a conflict between two versions of a node, returning
// the node to keep and which side it came from. Resolvers are dispatched
// by the node's metadata type tag.
type Resolver func(local, remote Node) (Node, Resolution)

// ResolverTable maps a node type tag to its domain resolver. The table
// is an explicit argument to Merge rather than process-global state, so
// two collections can merge under different policies.
type ResolverTable map[string]Resolver

// concurrentUpdateWindowMillis is how close two non-identical timestamps
// must be for differing values to count as a value conflict.
const concurrentUpdateWindowMillis = 1000

// Merge reconciles a remote state into a local one, returning the merged
// state and every conflict encountered. Neither input is mutated.
//
// Per node the rules are, in order:
//   - absent locally: adopt the remote node
//   - exactly one side tombstoned: deletion conflict; the live side wins
//     only with a strictly later timestamp, so a tombstone can never be
//     resurrected by a write at or before its own time
//   - identical timestamps with identical values: no conflict
//   - identical timestamps: concurrent update; a registered resolver
//     picks the winner, otherwise the composite (timestamp, replica id)
//     order does and the record is flagged for manual resolution
//   - differing values within the concurrency window: value conflict,
//     settled like a concurrent update
//   - otherwise: strictly later timestamp wins, no conflict
//
// The merged version is max(local, remote)+1, so version strictly grows
// across merges on every replica.
func Merge(local, remote State, resolvers ResolverTable) (State, []Conflict) {
	merged := local.clone()
	var conflicts []Conflict

	// deterministic iteration keeps the conflict list stable across runs
	ids := make([]string, 0, len(remote.Nodes))
	for id := range remote.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		rn := remote.Nodes[id]
		ln, ok := merged.Nodes[id]
		if !ok {
			merged.Nodes[id] = rn
			continue
		}

		switch {
		case ln.Tombstone() != rn.Tombstone():
			merged.Nodes[id] = resolveDeletion(ln, rn)
			conflicts = append(conflicts, Conflict{
				Type:        ConflictDeletion,
				NodeID:      id,
				LocalValue:  ln.Value,
				RemoteValue: rn.Value,
				Resolution:  ResolutionManualRequired,
			})

		case ln.Timestamp == rn.Timestamp && bytes.Equal(ln.Value, rn.Value):
			// same write observed on both sides, keep the local copy

		case ln.Timestamp == rn.Timestamp:
			winner, res := resolve(ln, rn, resolvers)
			merged.Nodes[id] = winner
			conflicts = append(conflicts, Conflict{
				Type:        ConflictConcurrentUpdate,
				NodeID:      id,
				LocalValue:  ln.Value,
				RemoteValue: rn.Value,
				Resolution:  res,
			})

		case !bytes.Equal(ln.Value, rn.Value) && withinWindow(ln, rn):
			winner, res := resolve(ln, rn, resolvers)
			merged.Nodes[id] = winner
			conflicts = append(conflicts, Conflict{
				Type:        ConflictValue,
				NodeID:      id,
				LocalValue:  ln.Value,
				RemoteValue: rn.Value,
				Resolution:  res,
			})

		case rn.after(ln):
			merged.Nodes[id] = rn
		}
	}

	merged.Version = maxInt64(local.Version, remote.Version) + 1
	merged.LastUpdate = maxInt64(local.LastUpdate, remote.LastUpdate)
	return merged, conflicts
}

// resolveDeletion applies the tombstone-permanence rule: the live side
// wins only when strictly later than the tombstone.
func resolveDeletion(ln, rn Node) Node {
	tomb, live := ln, rn
	if rn.Tombstone() {
		tomb, live = rn, ln
	}
	if live.Timestamp > tomb.Timestamp {
		return live
	}
	return tomb
}

// resolve picks a winner for concurrent or near-concurrent writes. With
// no resolver registered for the node's type the composite order decides
// and the conflict stays marked for manual resolution.
func resolve(ln, rn Node, resolvers ResolverTable) (Node, Resolution) {
	if r, ok := resolvers[ln.Type()]; ok {
		return r(ln, rn)
	}
	if ln.after(rn) {
		return ln, ResolutionManualRequired
	}
	return rn, ResolutionManualRequired
}

func withinWindow(a, b Node) bool {
	d := a.Timestamp - b.Timestamp
	if d < 0 {
		d = -d
	}
	return d <= concurrentUpdateWindowMillis
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

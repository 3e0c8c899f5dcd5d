package crdt

import (
	"encoding/json"
)

// statusPriority orders player statuses so the most "engaged" state wins
// a concurrent update; a player marked playing on one replica should not
// be demoted by a stale ready from another.
var statusPriority = map[string]int{
	"playing":      4,
	"ready":        3,
	"joined":       2,
	"left":         1,
	"disconnected": 1,
}

// DefaultResolvers returns the stock game-state policies, keyed by the
// node metadata type tag:
//
//	player_score  — the higher numeric score wins
//	player_status — the higher-priority status wins
func DefaultResolvers() ResolverTable {
	return ResolverTable{
		"player_score":  resolveScore,
		"player_status": resolveStatus,
	}
}

func resolveScore(local, remote Node) (Node, Resolution) {
	lv, lok := asNumber(local.Value)
	rv, rok := asNumber(remote.Value)
	if !lok || !rok {
		return laterOf(local, remote)
	}
	if lv >= rv {
		return local, ResolutionLocalWins
	}
	return remote, ResolutionRemoteWins
}

func resolveStatus(local, remote Node) (Node, Resolution) {
	lv, lok := asString(local.Value)
	rv, rok := asString(remote.Value)
	if !lok || !rok {
		return laterOf(local, remote)
	}
	if statusPriority[lv] >= statusPriority[rv] {
		return local, ResolutionLocalWins
	}
	return remote, ResolutionRemoteWins
}

func laterOf(local, remote Node) (Node, Resolution) {
	if local.after(remote) {
		return local, ResolutionLocalWins
	}
	return remote, ResolutionRemoteWins
}

func asNumber(raw json.RawMessage) (float64, bool) {
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false
	}
	return v, true
}

func asString(raw json.RawMessage) (string, bool) {
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	return v, true
}

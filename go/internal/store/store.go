// Package store is the persistence/authorization collaborator boundary:
// it validates game membership before a subscribe is accepted, supplies
// snapshot content when a room is created cold, and absorbs snapshot
// write-behind after patches apply.
package store

import "context"

// GameStore is what the realtime layer needs from persistence. Rooms
// and their live state never depend on it being fast or even available;
// failures degrade to "no stored snapshot" and "membership denied".
type GameStore interface {
	// AuthorizePlayer reports whether the user may subscribe to the game.
	AuthorizePlayer(ctx context.Context, gameID, userID string) (bool, error)

	// LoadSnapshot returns the stored state document for a game, or
	// (nil, nil) when none exists.
	LoadSnapshot(ctx context.Context, gameID string) ([]byte, error)

	// SaveSnapshot persists the latest state document, best-effort.
	SaveSnapshot(ctx context.Context, gameID string, snapshot []byte) error
}

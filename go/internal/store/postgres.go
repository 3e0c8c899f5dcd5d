package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements GameStore against the game service's tables.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects a pgx pool and verifies it with a ping.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

const authorizePlayerQuery = `
SELECT EXISTS (
    SELECT 1
    FROM game_players
    WHERE game_id = $1 AND user_id = $2 AND left_at IS NULL
)`

// AuthorizePlayer checks that the user is a current player in the game.
func (p *Postgres) AuthorizePlayer(ctx context.Context, gameID, userID string) (bool, error) {
	var ok bool
	if err := p.pool.QueryRow(ctx, authorizePlayerQuery, gameID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("authorize player: %w", err)
	}
	return ok, nil
}

const loadSnapshotQuery = `
SELECT state
FROM game_snapshots
WHERE game_id = $1`

// LoadSnapshot fetches the stored state document; a game with no stored
// snapshot returns (nil, nil).
func (p *Postgres) LoadSnapshot(ctx context.Context, gameID string) ([]byte, error) {
	var snapshot []byte
	err := p.pool.QueryRow(ctx, loadSnapshotQuery, gameID).Scan(&snapshot)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return snapshot, nil
}

const saveSnapshotQuery = `
INSERT INTO game_snapshots (game_id, state, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (game_id) DO UPDATE
SET state = EXCLUDED.state, updated_at = now()`

// SaveSnapshot upserts the latest state document for the game.
func (p *Postgres) SaveSnapshot(ctx context.Context, gameID string, snapshot []byte) error {
	if _, err := p.pool.Exec(ctx, saveSnapshotQuery, gameID, snapshot); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/isometry/dirsync/internal/changes"
)

// ErrCursorRegression is returned when a cursor would move backwards.
var ErrCursorRegression = errors.New("cursor cannot decrease")

// Cursors stores the last processed position of each side.
type Cursors struct {
	s *Store
}

// Get returns the cursor of side, or 0 when none was stored.
func (c *Cursors) Get(ctx context.Context, side changes.Side) (int64, error) {
	var pos int64
	err := c.s.db.GetContext(ctx, &pos, "SELECT position FROM cursors WHERE side = ?", string(side))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read %s cursor: %w", side, err)
	}
	return pos, nil
}

// Advance persists pos as the cursor of side. Equal positions are accepted
// and smaller ones refused.
func (c *Cursors) Advance(ctx context.Context, side changes.Side, pos int64) error {
	res, err := c.s.db.ExecContext(ctx, `
		INSERT INTO cursors (side, position, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(side) DO UPDATE SET position = excluded.position, updated_at = excluded.updated_at
		WHERE excluded.position >= cursors.position`,
		string(side), pos, c.s.timestamp())
	if err != nil {
		return fmt.Errorf("failed to advance %s cursor: %w", side, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to advance %s cursor: %w", side, err)
	}
	if n == 0 {
		current, _ := c.Get(ctx, side)
		return fmt.Errorf("%w: %s cursor at %d, refused %d", ErrCursorRegression, side, current, pos)
	}
	return nil
}

// All returns every stored cursor.
func (c *Cursors) All(ctx context.Context) (map[changes.Side]int64, error) {
	var rows []struct {
		Side     string `db:"side"`
		Position int64  `db:"position"`
	}
	if err := c.s.db.SelectContext(ctx, &rows, "SELECT side, position FROM cursors"); err != nil {
		return nil, fmt.Errorf("failed to read cursors: %w", err)
	}

	out := make(map[changes.Side]int64, len(rows))
	for _, r := range rows {
		out[changes.Side(r.Side)] = r.Position
	}
	return out, nil
}

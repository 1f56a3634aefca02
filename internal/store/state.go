package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ppiankov/sensorpress/internal/cursor"
)

// CursorStore persists the sync cursor set in the sources table.
type CursorStore struct {
	s *Store
}

// Cursors returns the cursor store backed by s.
func (s *Store) Cursors() *CursorStore {
	return &CursorStore{s: s}
}

// Load returns every persisted descriptor keyed by source name.
func (c *CursorStore) Load(ctx context.Context) (map[string]cursor.Descriptor, error) {
	if c == nil || c.s == nil || c.s.db == nil {
		return nil, errNotInitialized
	}

	rows, err := c.s.db.QueryContext(ctx, `
		SELECT name, kind, k, head, last_request, request_delta_ns
		FROM sources
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("load sources: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	out := make(map[string]cursor.Descriptor)
	for rows.Next() {
		d, err := scanDescriptor(rows)
		if err != nil {
			return nil, err
		}
		out[d.Name] = d
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sources: %w", err)
	}
	return out, nil
}

// Save replaces the whole descriptor set in one transaction.
func (c *CursorStore) Save(ctx context.Context, state *cursor.State) error {
	if c == nil || c.s == nil || c.s.db == nil {
		return errNotInitialized
	}
	if state == nil {
		return nil
	}

	tx, err := c.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM sources"); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clear sources: %w", err)
	}

	for _, d := range state.Descriptors() {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sources (name, kind, k, head, last_request, request_delta_ns)
			VALUES (?, ?, ?, ?, ?, ?)
		`, d.Name, d.Kind, d.K, d.Head, formatTime(d.LastRequest), int64(d.RequestDelta))
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("save source %s: %w", d.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sources: %w", err)
	}
	return nil
}

func scanDescriptor(scanner rowScanner) (cursor.Descriptor, error) {
	var (
		d           cursor.Descriptor
		lastRequest string
		deltaNS     int64
	)
	if err := scanner.Scan(&d.Name, &d.Kind, &d.K, &d.Head, &lastRequest, &deltaNS); err != nil {
		return cursor.Descriptor{}, fmt.Errorf("scan source: %w", err)
	}

	ts, err := parseTime(lastRequest)
	if err != nil {
		return cursor.Descriptor{}, fmt.Errorf("parse last_request: %w", err)
	}
	if !ts.IsZero() {
		d.LastRequest = ts
	}
	d.RequestDelta = time.Duration(deltaNS)
	return d, nil
}

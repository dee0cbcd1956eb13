package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/easycicd/easycicd/pkg/types"
)

// AllocatePort reserves the lowest port in [min, max] with no existing row.
func (s *SQLiteStore) AllocatePort(ctx context.Context, min, max int, ownerType string, ownerID int64) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	port, err := lowestFreePort(ctx, tx, min, max)
	if err != nil {
		return 0, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO port_allocations (port, status, owner_type, owner_id)
		VALUES (?, ?, ?, ?)`,
		port, types.PortAllocated, ownerType, ownerID)
	if err != nil {
		return 0, fmt.Errorf("failed to reserve port %d: %w", port, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return port, nil
}

// lowestFreePort scans port_allocations for the first gap in [min, max].
func lowestFreePort(ctx context.Context, tx *sqlx.Tx, min, max int) (int, error) {
	taken := []int{}
	err := tx.SelectContext(ctx, &taken,
		`SELECT port FROM port_allocations WHERE port BETWEEN ? AND ? ORDER BY port`, min, max)
	if err != nil {
		return 0, fmt.Errorf("failed to scan port allocations: %w", err)
	}

	candidate := min
	for _, p := range taken {
		if p > candidate {
			break
		}
		candidate = p + 1
	}
	if candidate > max {
		return 0, ErrPortExhausted
	}
	return candidate, nil
}

// ReleasePort deletes the reservation row for the port.
func (s *SQLiteStore) ReleasePort(ctx context.Context, port int) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM port_allocations WHERE port = ?`, port)
	return err
}

func (s *SQLiteStore) GetPort(ctx context.Context, port int) (*types.PortAllocation, error) {
	var alloc types.PortAllocation
	err := s.db.GetContext(ctx, &alloc, `SELECT * FROM port_allocations WHERE port = ?`, port)
	if err != nil {
		return nil, notFound(err)
	}
	return &alloc, nil
}

func (s *SQLiteStore) ListPorts(ctx context.Context) ([]*types.PortAllocation, error) {
	ports := []*types.PortAllocation{}
	err := s.db.SelectContext(ctx, &ports, `SELECT * FROM port_allocations ORDER BY port`)
	if err != nil {
		return nil, err
	}
	return ports, nil
}

// MarkPortUsedBySystem upserts a used_by_system row for a port the scanner
// found occupied. Allocated rows are never overwritten.
func (s *SQLiteStore) MarkPortUsedBySystem(ctx context.Context, port int) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO port_allocations (port, status, owner_type, owner_id, last_checked_at)
		VALUES (?, ?, 'external', 0, ?)
		ON CONFLICT (port) DO UPDATE SET last_checked_at = excluded.last_checked_at
		WHERE port_allocations.status = ?`,
		port, types.PortUsedBySystem, now, types.PortUsedBySystem)
	if err != nil {
		return fmt.Errorf("failed to mark port %d used by system: %w", port, err)
	}
	return nil
}

// ClearPortUsedBySystem deletes a stale used_by_system row. Allocated rows
// are left alone.
func (s *SQLiteStore) ClearPortUsedBySystem(ctx context.Context, port int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM port_allocations WHERE port = ? AND status = ?`,
		port, types.PortUsedBySystem)
	return err
}

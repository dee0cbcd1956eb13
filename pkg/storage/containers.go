package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/easycicd/easycicd/pkg/types"
)

// CreateContainer inserts a standalone container, allocating the lowest free
// host port in the container range inside the same transaction.
func (s *SQLiteStore) CreateContainer(ctx context.Context, container *types.Container) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	port, err := lowestFreePort(ctx, tx, types.ContainerPortMin, types.ContainerPortMax)
	if err != nil {
		return err
	}
	container.HostPort = port

	if container.Status == "" {
		container.Status = types.ContainerStopped
	}
	if container.ProtocolType == "" {
		container.ProtocolType = types.ProtocolTCP
	}
	if container.EnvVars == "" {
		container.EnvVars = "{}"
	}
	container.CreatedAt = time.Now().UTC()

	res, err := tx.NamedExecContext(ctx, `
		INSERT INTO containers (
			name, image, host_port, container_port, env_vars, command,
			persist_data, protocol_type, status, docker_id, created_at
		) VALUES (
			:name, :image, :host_port, :container_port, :env_vars, :command,
			:persist_data, :protocol_type, :status, :docker_id, :created_at
		)`, container)
	if err != nil {
		return fmt.Errorf("failed to insert container: %w", err)
	}
	container.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read container id: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO port_allocations (port, status, owner_type, owner_id)
		VALUES (?, ?, 'container', ?)`,
		port, types.PortAllocated, container.ID)
	if err != nil {
		return fmt.Errorf("failed to reserve port %d: %w", port, err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetContainer(ctx context.Context, id int64) (*types.Container, error) {
	var container types.Container
	err := s.db.GetContext(ctx, &container, `SELECT * FROM containers WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &container, nil
}

func (s *SQLiteStore) GetContainerByName(ctx context.Context, name string) (*types.Container, error) {
	var container types.Container
	err := s.db.GetContext(ctx, &container, `SELECT * FROM containers WHERE name = ?`, name)
	if err != nil {
		return nil, notFound(err)
	}
	return &container, nil
}

func (s *SQLiteStore) ListContainers(ctx context.Context) ([]*types.Container, error) {
	containers := []*types.Container{}
	err := s.db.SelectContext(ctx, &containers, `SELECT * FROM containers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return containers, nil
}

// SetContainerStatus updates the lifecycle state and, when non-empty, the
// runtime id.
func (s *SQLiteStore) SetContainerStatus(ctx context.Context, id int64, status types.ContainerState, dockerID string) error {
	var err error
	var n int64
	if dockerID != "" {
		res, execErr := s.db.ExecContext(ctx,
			`UPDATE containers SET status = ?, docker_id = ? WHERE id = ?`, status, dockerID, id)
		if execErr != nil {
			return fmt.Errorf("failed to set container status: %w", execErr)
		}
		n, err = res.RowsAffected()
	} else {
		res, execErr := s.db.ExecContext(ctx,
			`UPDATE containers SET status = ? WHERE id = ?`, status, id)
		if execErr != nil {
			return fmt.Errorf("failed to set container status: %w", execErr)
		}
		n, err = res.RowsAffected()
	}
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteContainer removes the row and releases its port reservation.
func (s *SQLiteStore) DeleteContainer(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM port_allocations WHERE owner_type = 'container' AND owner_id = ?`, id); err != nil {
		return fmt.Errorf("failed to release container port: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM containers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	return tx.Commit()
}

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/easycicd/easycicd/pkg/types"
)

// CreateProject inserts a project and reserves its blue/green port pair in
// one transaction. The blue port is one past the highest green port already
// assigned (10002 for the first project); both ports must be inside the
// application range and not held by the system.
func (s *SQLiteStore) CreateProject(ctx context.Context, project *types.Project) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var maxGreen sql.NullInt64
	if err := tx.GetContext(ctx, &maxGreen, `SELECT MAX(green_port) FROM projects`); err != nil {
		return fmt.Errorf("failed to query assigned ports: %w", err)
	}

	bluePort := types.AppPortMin + 2
	if maxGreen.Valid {
		bluePort = int(maxGreen.Int64) + 1
	}
	greenPort := bluePort + 1

	if greenPort > types.AppPortMax {
		return ErrPortExhausted
	}

	for _, port := range []int{bluePort, greenPort} {
		var count int
		err := tx.GetContext(ctx, &count,
			`SELECT COUNT(*) FROM port_allocations WHERE port = ? AND status = ?`,
			port, types.PortUsedBySystem)
		if err != nil {
			return fmt.Errorf("failed to check port %d: %w", port, err)
		}
		if count > 0 {
			return fmt.Errorf("port %d is held by the system: %w", port, ErrPortExhausted)
		}
	}

	now := time.Now().UTC()
	project.BluePort = bluePort
	project.GreenPort = greenPort
	if project.ActiveSlot == "" {
		project.ActiveSlot = types.SlotBlue
	}
	project.CreatedAt = now
	project.UpdatedAt = now

	res, err := tx.NamedExecContext(ctx, `
		INSERT INTO projects (
			name, repo, branch, path_filter, build_image, build_command,
			cache_type, working_directory, runtime_image, runtime_command,
			runtime_port, health_check_url, blue_port, green_port,
			active_slot, blue_container_id, green_container_id,
			created_at, updated_at
		) VALUES (
			:name, :repo, :branch, :path_filter, :build_image, :build_command,
			:cache_type, :working_directory, :runtime_image, :runtime_command,
			:runtime_port, :health_check_url, :blue_port, :green_port,
			:active_slot, :blue_container_id, :green_container_id,
			:created_at, :updated_at
		)`, project)
	if err != nil {
		return fmt.Errorf("failed to insert project: %w", err)
	}
	project.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read project id: %w", err)
	}

	for _, port := range []int{bluePort, greenPort} {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO port_allocations (port, status, owner_type, owner_id)
			VALUES (?, ?, 'project', ?)`,
			port, types.PortAllocated, project.ID)
		if err != nil {
			return fmt.Errorf("failed to reserve port %d: %w", port, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetProject(ctx context.Context, id int64) (*types.Project, error) {
	var project types.Project
	err := s.db.GetContext(ctx, &project, `SELECT * FROM projects WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &project, nil
}

func (s *SQLiteStore) GetProjectByName(ctx context.Context, name string) (*types.Project, error) {
	var project types.Project
	err := s.db.GetContext(ctx, &project, `SELECT * FROM projects WHERE name = ?`, name)
	if err != nil {
		return nil, notFound(err)
	}
	return &project, nil
}

func (s *SQLiteStore) ListProjects(ctx context.Context) ([]*types.Project, error) {
	projects := []*types.Project{}
	err := s.db.SelectContext(ctx, &projects, `SELECT * FROM projects ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return projects, nil
}

// UpdateProject rewrites the mutable recipe fields. Slot ports and slot
// container ids have dedicated mutators and are not touched here.
func (s *SQLiteStore) UpdateProject(ctx context.Context, project *types.Project) error {
	project.UpdatedAt = time.Now().UTC()
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE projects SET
			name = :name, repo = :repo, branch = :branch,
			path_filter = :path_filter, build_image = :build_image,
			build_command = :build_command, cache_type = :cache_type,
			working_directory = :working_directory,
			runtime_image = :runtime_image, runtime_command = :runtime_command,
			runtime_port = :runtime_port, health_check_url = :health_check_url,
			updated_at = :updated_at
		WHERE id = :id`, project)
	if err != nil {
		return fmt.Errorf("failed to update project: %w", err)
	}
	return requireRow(res)
}

// SetActiveSlot performs the cutover write: a single statement, so a reader
// sees either the old slot or the new slot fully active.
func (s *SQLiteStore) SetActiveSlot(ctx context.Context, projectID int64, slot types.Slot) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET active_slot = ?, updated_at = ? WHERE id = ?`,
		slot, time.Now().UTC(), projectID)
	if err != nil {
		return fmt.Errorf("failed to switch active slot: %w", err)
	}
	return requireRow(res)
}

// SetSlotContainer records (or clears, with an empty id) the runtime
// container bound to a slot.
func (s *SQLiteStore) SetSlotContainer(ctx context.Context, projectID int64, slot types.Slot, dockerID string) error {
	column := "blue_container_id"
	if slot == types.SlotGreen {
		column = "green_container_id"
	}
	query := fmt.Sprintf(`UPDATE projects SET %s = ?, updated_at = ? WHERE id = ?`, column)
	res, err := s.db.ExecContext(ctx, query, dockerID, time.Now().UTC(), projectID)
	if err != nil {
		return fmt.Errorf("failed to set slot container: %w", err)
	}
	return requireRow(res)
}

// DeleteProject removes the project row, its builds (cascade) and its port
// reservations. Stopping containers and removing directories is the
// project service's job.
func (s *SQLiteStore) DeleteProject(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM port_allocations WHERE owner_type = 'project' AND owner_id = ?`, id); err != nil {
		return fmt.Errorf("failed to release project ports: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM builds WHERE project_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete project builds: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	return tx.Commit()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

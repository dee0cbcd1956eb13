package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/easycicd/easycicd/pkg/types"
)

// CreateBuild inserts a build, computing the per-project monotonic
// build_number inside a transaction.
func (s *SQLiteStore) CreateBuild(ctx context.Context, build *types.Build) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var maxNumber sql.NullInt64
	err = tx.GetContext(ctx, &maxNumber,
		`SELECT MAX(build_number) FROM builds WHERE project_id = ?`, build.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to query build numbers: %w", err)
	}
	build.BuildNumber = int(maxNumber.Int64) + 1

	if build.Status == "" {
		build.Status = types.BuildQueued
	}
	if build.StartedAt.IsZero() {
		build.StartedAt = time.Now().UTC()
	}

	res, err := tx.NamedExecContext(ctx, `
		INSERT INTO builds (
			project_id, build_number, commit_hash, commit_message, author,
			status, output_path, deployed_slot, log_path, deploy_log_path,
			started_at, finished_at
		) VALUES (
			:project_id, :build_number, :commit_hash, :commit_message, :author,
			:status, :output_path, :deployed_slot, :log_path, :deploy_log_path,
			:started_at, :finished_at
		)`, build)
	if err != nil {
		return fmt.Errorf("failed to insert build: %w", err)
	}
	build.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read build id: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetBuild(ctx context.Context, id int64) (*types.Build, error) {
	var build types.Build
	err := s.db.GetContext(ctx, &build, `SELECT * FROM builds WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err)
	}
	normalizeBuild(&build)
	return &build, nil
}

// ListBuilds returns a project's builds, newest first. projectID 0 lists
// across all projects; limit 0 means no limit.
func (s *SQLiteStore) ListBuilds(ctx context.Context, projectID int64, limit int) ([]*types.Build, error) {
	query := `SELECT * FROM builds`
	args := []any{}
	if projectID != 0 {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	builds := []*types.Build{}
	if err := s.db.SelectContext(ctx, &builds, query, args...); err != nil {
		return nil, err
	}
	for _, b := range builds {
		normalizeBuild(b)
	}
	return builds, nil
}

// ListQueuedBuilds returns every queued build, oldest first.
func (s *SQLiteStore) ListQueuedBuilds(ctx context.Context) ([]*types.Build, error) {
	builds := []*types.Build{}
	err := s.db.SelectContext(ctx, &builds,
		`SELECT * FROM builds WHERE status = ? ORDER BY id`, types.BuildQueued)
	if err != nil {
		return nil, err
	}
	return builds, nil
}

// SetBuildStatus transitions a build; terminal statuses also stamp
// finished_at.
func (s *SQLiteStore) SetBuildStatus(ctx context.Context, id int64, status types.BuildStatus) error {
	var res sql.Result
	var err error
	if status.Terminal() {
		res, err = s.db.ExecContext(ctx,
			`UPDATE builds SET status = ?, finished_at = ? WHERE id = ?`,
			status, time.Now().UTC(), id)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE builds SET status = ? WHERE id = ?`, status, id)
	}
	if err != nil {
		return fmt.Errorf("failed to set build status: %w", err)
	}
	return requireRow(res)
}

// SetBuildCommit records what the checkout actually resolved to.
func (s *SQLiteStore) SetBuildCommit(ctx context.Context, id int64, hash, message, author string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE builds SET commit_hash = ?, commit_message = ?, author = ?
		WHERE id = ?`, hash, message, author, id)
	if err != nil {
		return fmt.Errorf("failed to set build commit: %w", err)
	}
	return requireRow(res)
}

// SetBuildOutput records the artifact directory, set once on a successful
// compile step.
func (s *SQLiteStore) SetBuildOutput(ctx context.Context, id int64, outputPath string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE builds SET output_path = ? WHERE id = ?`, outputPath, id)
	if err != nil {
		return fmt.Errorf("failed to set build output: %w", err)
	}
	return requireRow(res)
}

// SetBuildLogPaths records where the build's log files live. Set once right
// after creation, when the build number is known.
func (s *SQLiteStore) SetBuildLogPaths(ctx context.Context, id int64, logPath, deployLogPath string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE builds SET log_path = ?, deploy_log_path = ? WHERE id = ?`,
		logPath, deployLogPath, id)
	if err != nil {
		return fmt.Errorf("failed to set build log paths: %w", err)
	}
	return requireRow(res)
}

// SetBuildDeployed marks the build Success with the slot it now serves from.
func (s *SQLiteStore) SetBuildDeployed(ctx context.Context, id int64, slot types.Slot) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE builds SET status = ?, deployed_slot = ?, finished_at = ? WHERE id = ?`,
		types.BuildSuccess, slot, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark build deployed: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) DeleteBuildsByProject(ctx context.Context, projectID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM builds WHERE project_id = ?`, projectID)
	return err
}

// normalizeBuild maps the legacy "Deploying" status to Success on read.
func normalizeBuild(b *types.Build) {
	if b.Status == "Deploying" {
		b.Status = types.BuildSuccess
	}
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ericfisherdev/archguard/internal/domain/model"
	"github.com/ericfisherdev/archguard/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.RunStore = (*RunRepo)(nil)

// RunRepo is the SQLite implementation of the RunStore port. Every write goes
// through an INSERT guarded by the primary key or an UPDATE guarded by the
// version column, which gives the compare-and-set contract the orchestrator
// relies on across processes.
type RunRepo struct {
	db *DB
}

// NewRunRepo creates a new RunRepo backed by the given DB.
func NewRunRepo(db *DB) *RunRepo {
	return &RunRepo{db: db}
}

// Get returns the tracked run for the key, or nil when the key was never tracked.
func (r *RunRepo) Get(ctx context.Context, key model.OrchestrationKey) (*model.TrackedRun, error) {
	const query = `
		SELECT owner, repo, sha, check_name, check_run_id, installation_id, state, conclusion, failing, version, updated_at
		FROM tracked_runs
		WHERE owner = ? AND repo = ? AND sha = ? AND check_name = ?
	`

	row := r.db.Reader.QueryRowContext(ctx, query, key.Owner, key.Repo, key.SHA, key.CheckName)
	run, err := scanTrackedRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tracked run %s: %w", key, err)
	}

	return run, nil
}

// Insert creates the record with version 1. Returns false without error when
// a record for the key already exists.
func (r *RunRepo) Insert(ctx context.Context, run model.TrackedRun) (bool, error) {
	const query = `
		INSERT INTO tracked_runs (owner, repo, sha, check_name, check_run_id, installation_id, state, conclusion, failing, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT (owner, repo, sha, check_name) DO NOTHING
	`

	res, err := r.db.Writer.ExecContext(ctx, query,
		run.Key.Owner, run.Key.Repo, run.Key.SHA, run.Key.CheckName,
		run.CheckRunID, run.InstallationID, string(run.State), run.Conclusion, run.Failing,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return false, fmt.Errorf("insert tracked run %s: %w", run.Key, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert tracked run %s: rows affected: %w", run.Key, err)
	}

	return affected == 1, nil
}

// CompareAndSet writes run only if the stored version still equals
// expectedVersion, bumping the version by one. Returns false without error
// when the version moved underneath the caller.
func (r *RunRepo) CompareAndSet(ctx context.Context, run model.TrackedRun, expectedVersion int64) (bool, error) {
	const query = `
		UPDATE tracked_runs
		SET check_run_id = ?, installation_id = ?, state = ?, conclusion = ?, failing = ?, version = version + 1, updated_at = ?
		WHERE owner = ? AND repo = ? AND sha = ? AND check_name = ? AND version = ?
	`

	res, err := r.db.Writer.ExecContext(ctx, query,
		run.CheckRunID, run.InstallationID, string(run.State), run.Conclusion, run.Failing,
		time.Now().UTC().Format(time.RFC3339),
		run.Key.Owner, run.Key.Repo, run.Key.SHA, run.Key.CheckName,
		expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("compare-and-set tracked run %s: %w", run.Key, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("compare-and-set tracked run %s: rows affected: %w", run.Key, err)
	}

	return affected == 1, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTrackedRun(s scanner) (*model.TrackedRun, error) {
	var run model.TrackedRun
	var state, updatedAt string

	err := s.Scan(
		&run.Key.Owner, &run.Key.Repo, &run.Key.SHA, &run.Key.CheckName,
		&run.CheckRunID, &run.InstallationID, &state, &run.Conclusion, &run.Failing,
		&run.Version, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.State = model.RunState(state)

	run.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	return &run, nil
}

// parseTime tries multiple SQLite datetime formats.
func parseTime(s string) (time.Time, error) {
	formats := []string{
		"2006-01-02T15:04:05Z",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05.000",
		time.RFC3339,
		time.RFC3339Nano,
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognized time format: %s", s)
}

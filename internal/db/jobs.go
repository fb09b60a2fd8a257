package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// JobSchedule is the persisted scheduling state of one periodic job.
type JobSchedule struct {
	Name        string
	NextRunAt   time.Time
	LastRunAt   *time.Time
	LockedUntil *time.Time
}

type dbJob struct {
	Name        string        `db:"name"`
	NextRunAt   int64         `db:"next_run_at"`
	LastRunAt   sql.NullInt64 `db:"last_run_at"`
	LockedUntil sql.NullInt64 `db:"locked_until"`
}

// InstallJob schedules the first run of a job unless one with the same name
// already exists. It reports whether the job was newly installed.
func (s *LibSQL) InstallJob(ctx context.Context, name string, firstRun time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (name, next_run_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, toMillis(firstRun))
	if err != nil {
		return false, fmt.Errorf("failed to install job: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

func (s *LibSQL) FindJob(ctx context.Context, name string) (*JobSchedule, error) {
	var j dbJob
	err := s.db.GetContext(ctx, &j, `SELECT name, next_run_at, last_run_at, locked_until FROM jobs WHERE name = ?`, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &JobSchedule{
		Name:        j.Name,
		NextRunAt:   fromMillis(j.NextRunAt),
		LastRunAt:   fromNullMillis(j.LastRunAt),
		LockedUntil: fromNullMillis(j.LockedUntil),
	}, nil
}

// ClaimJob takes the run lock of a due job until lockUntil. Only one caller
// can claim a given run; it reports false if the job is not due or already
// claimed.
func (s *LibSQL) ClaimJob(ctx context.Context, name string, now, lockUntil time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET locked_until = ?
		WHERE name = ? AND next_run_at <= ? AND (locked_until IS NULL OR locked_until <= ?)`,
		toMillis(lockUntil), name, toMillis(now), toMillis(now))
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// RescheduleJob records a finished run and releases the lock.
func (s *LibSQL) RescheduleJob(ctx context.Context, name string, ranAt, next time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET last_run_at = ?, next_run_at = ?, locked_until = NULL WHERE name = ?`,
		toMillis(ranAt), toMillis(next), name)
	if err != nil {
		return fmt.Errorf("failed to reschedule job: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("job %s: %w", name, ErrNotFound)
	}
	return nil
}

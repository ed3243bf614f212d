// Package snapshot keeps a durable local log of periodic cumulative-step
// observations. The baseline tracker uses it to recover race progress after
// a device reboot resets the step counter.
package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/striderace/server/pkg/types"
)

// RetentionPeriod is how long snapshots are kept before pruning.
const RetentionPeriod = 7 * 24 * time.Hour

const schemaSQL = `
CREATE TABLE IF NOT EXISTS snapshots (
	observed_at         INTEGER NOT NULL,
	cumulative_steps    INTEGER NOT NULL,
	incremental_steps   INTEGER NOT NULL,
	session_start_steps INTEGER NOT NULL,
	device_boot_epoch   INTEGER NOT NULL,
	source              TEXT NOT NULL,
	PRIMARY KEY (observed_at)
);
CREATE INDEX IF NOT EXISTS idx_snapshots_observed_at ON snapshots(observed_at);
`

// Store is an append-only snapshot log backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open creates or opens the snapshot database at the given path and prunes
// entries older than the retention period.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to snapshot database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{db: db}
	if err := s.Prune(context.Background(), time.Now().Add(-RetentionPeriod)); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append records one observation. Snapshots are immutable; re-appending the
// same timestamp overwrites rather than erroring, since the sensor path can
// fire twice on the same tick.
func (s *Store) Append(ctx context.Context, snap *types.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (observed_at, cumulative_steps, incremental_steps, session_start_steps, device_boot_epoch, source)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(observed_at) DO UPDATE SET
			cumulative_steps = excluded.cumulative_steps,
			incremental_steps = excluded.incremental_steps,
			session_start_steps = excluded.session_start_steps,
			device_boot_epoch = excluded.device_boot_epoch,
			source = excluded.source`,
		snap.Timestamp.UnixMilli(), snap.CumulativeSteps, snap.IncrementalSteps,
		snap.SessionStartSteps, snap.DeviceBootEpoch, snap.Source)
	if err != nil {
		return fmt.Errorf("failed to append snapshot: %w", err)
	}
	return nil
}

// NearestBefore returns the most recent snapshot observed at or before t,
// or nil if none exists.
func (s *Store) NearestBefore(ctx context.Context, t time.Time) (*types.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT observed_at, cumulative_steps, incremental_steps, session_start_steps, device_boot_epoch, source
		FROM snapshots WHERE observed_at <= ?
		ORDER BY observed_at DESC LIMIT 1`,
		t.UnixMilli())
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return snap, err
}

// Latest returns the most recent snapshot, or nil if the log is empty.
func (s *Store) Latest(ctx context.Context) (*types.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT observed_at, cumulative_steps, incremental_steps, session_start_steps, device_boot_epoch, source
		FROM snapshots ORDER BY observed_at DESC LIMIT 1`)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return snap, err
}

// Range returns snapshots observed in [from, to], oldest first.
func (s *Store) Range(ctx context.Context, from, to time.Time) ([]*types.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT observed_at, cumulative_steps, incremental_steps, session_start_steps, device_boot_epoch, source
		FROM snapshots WHERE observed_at >= ? AND observed_at <= ?
		ORDER BY observed_at ASC`,
		from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Prune deletes snapshots observed before the cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM snapshots WHERE observed_at < ?", cutoff.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to prune snapshots: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(r rowScanner) (*types.Snapshot, error) {
	var observedAt int64
	snap := &types.Snapshot{}
	if err := r.Scan(&observedAt, &snap.CumulativeSteps, &snap.IncrementalSteps,
		&snap.SessionStartSteps, &snap.DeviceBootEpoch, &snap.Source); err != nil {
		return nil, err
	}
	snap.Timestamp = time.UnixMilli(observedAt)
	return snap, nil
}

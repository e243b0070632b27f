package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/sniptail/sniptail/internal/job"
)

// sqliteMigrations is the ordered schema ledger. Applied versions are
// recorded in schema_migrations so `migrate status` can report drift.
var sqliteMigrations = []migration{
	{
		version:     1,
		description: "jobs table with channel and creation indexes",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS jobs (
				id TEXT PRIMARY KEY,
				status TEXT NOT NULL,
				provider TEXT NOT NULL,
				channel_id TEXT NOT NULL,
				thread_id TEXT NOT NULL DEFAULT '',
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL,
				record TEXT NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_channel ON jobs(provider, channel_id, thread_id, created_at);`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);`,
		},
	},
	{
		version:     2,
		description: "deleteAt marker column for retention sweeps",
		statements: []string{
			`ALTER TABLE jobs ADD COLUMN delete_at INTEGER;`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_delete_at ON jobs(delete_at) WHERE delete_at IS NOT NULL;`,
		},
	},
}

type migration struct {
	version     int
	description string
	statements  []string
}

// SQLite is the embedded file-DB backend.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database file and ensures the migration
// ledger exists. Schema migrations are applied separately via Migrate.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("registry: open sqlite %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: create migration ledger: %w", err)
	}
	return &SQLite{db: db}, nil
}

// NewSQLite opens the database and applies pending migrations.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	s, err := OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle so the approval store can share the same
// database file.
func (s *SQLite) DB() *sql.DB { return s.db }

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) currentVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations;`).Scan(&version); err != nil {
		return 0, fmt.Errorf("registry: read schema version: %w", err)
	}
	return int(version.Int64), nil
}

func (s *SQLite) MigrationStatus(ctx context.Context) (MigrationStatus, error) {
	current, err := s.currentVersion(ctx)
	if err != nil {
		return MigrationStatus{}, err
	}
	status := MigrationStatus{
		Backend:        "sqlite",
		CurrentVersion: current,
		LatestVersion:  sqliteMigrations[len(sqliteMigrations)-1].version,
	}
	for _, m := range sqliteMigrations {
		if m.version > current {
			status.Pending = append(status.Pending, fmt.Sprintf("v%d: %s", m.version, m.description))
		}
	}
	return status, nil
}

func (s *SQLite) Migrate(ctx context.Context) error {
	current, err := s.currentVersion(ctx)
	if err != nil {
		return err
	}
	for _, m := range sqliteMigrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("registry: begin migration v%d: %w", m.version, err)
		}
		for _, stmt := range m.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("registry: apply migration v%d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, description) VALUES (?, ?);`,
			m.version, m.description); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("registry: record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("registry: commit migration v%d: %w", m.version, err)
		}
	}
	return nil
}

// retryOnBusy retries transient sqlite lock errors with bounded jitter.
func retryOnBusy(ctx context.Context, attempts int, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !isBusyErr(err) {
			return err
		}
		delay := time.Duration(10+rand.IntN(40)) * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isBusyErr(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return strings.Contains(err.Error(), "database is locked")
}

func (s *SQLite) Create(ctx context.Context, rec job.Record) (bool, error) {
	blob, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("registry: encode record %s: %w", rec.Job.ID, err)
	}
	var created bool
	err = retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO jobs (id, status, provider, channel_id, thread_id, created_at, updated_at, delete_at, record)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, rec.Job.ID, rec.Status, rec.Job.Channel.Provider, rec.Job.Channel.ChannelID, rec.Job.Channel.ThreadID,
			rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(), deleteAtMillis(rec.DeleteAt), string(blob))
		if err != nil {
			return fmt.Errorf("registry: create %s: %w", rec.Job.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("registry: create %s: %w", rec.Job.ID, err)
		}
		created = n == 1
		return nil
	})
	return created, err
}

func deleteAtMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func (s *SQLite) Load(ctx context.Context, jobID string) (*job.Record, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM jobs WHERE id = ?;`, jobID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: load %s: %w", jobID, err)
	}
	return decodeRecord(blob)
}

func decodeRecord(blob string) (*job.Record, error) {
	var rec job.Record
	if err := json.Unmarshal([]byte(blob), &rec); err != nil {
		return nil, fmt.Errorf("registry: decode record: %w", err)
	}
	return &rec, nil
}

func (s *SQLite) Update(ctx context.Context, jobID string, patch job.Patch) (*job.Record, error) {
	var out *job.Record
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("registry: begin update tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var blob string
		err = tx.QueryRowContext(ctx, `SELECT record FROM jobs WHERE id = ?;`, jobID).Scan(&blob)
		if errors.Is(err, sql.ErrNoRows) {
			out = nil
			return nil
		}
		if err != nil {
			return fmt.Errorf("registry: read for update %s: %w", jobID, err)
		}
		rec, err := decodeRecord(blob)
		if err != nil {
			return err
		}
		patch.Apply(rec, time.Now())
		if err := writeRecordTx(ctx, tx, rec); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("registry: commit update %s: %w", jobID, err)
		}
		out = rec
		return nil
	})
	return out, err
}

func writeRecordTx(ctx context.Context, tx *sql.Tx, rec *job.Record) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("registry: encode record %s: %w", rec.Job.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, updated_at = ?, delete_at = ?, record = ?
		WHERE id = ?;
	`, rec.Status, rec.UpdatedAt.UnixMilli(), deleteAtMillis(rec.DeleteAt), string(blob), rec.Job.ID); err != nil {
		return fmt.Errorf("registry: write record %s: %w", rec.Job.ID, err)
	}
	return nil
}

func (s *SQLite) ConditionalUpdate(ctx context.Context, jobID string, rec job.Record, statusEquals job.Status) (bool, error) {
	rec.UpdatedAt = time.Now().UTC()
	blob, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("registry: encode record %s: %w", jobID, err)
	}
	var won bool
	err = retryOnBusy(ctx, 5, func() error {
		// A single guarded UPDATE is the compare-and-swap: only one racing
		// caller observes rows-affected == 1.
		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, updated_at = ?, delete_at = ?, record = ?
			WHERE id = ? AND status = ?;
		`, rec.Status, rec.UpdatedAt.UnixMilli(), deleteAtMillis(rec.DeleteAt), string(blob), jobID, statusEquals)
		if err != nil {
			return fmt.Errorf("registry: conditional update %s: %w", jobID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("registry: conditional update %s: %w", jobID, err)
		}
		won = n == 1
		return nil
	})
	return won, err
}

func (s *SQLite) ScanByPrefix(ctx context.Context, prefix string) ([]job.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record FROM jobs
		WHERE id >= ? AND id < ?
		ORDER BY created_at ASC, id ASC;
	`, prefix, prefix+"\xff")
	if err != nil {
		return nil, fmt.Errorf("registry: scan prefix %q: %w", prefix, err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func collectRecords(rows *sql.Rows) ([]job.Record, error) {
	var out []job.Record
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("registry: scan row: %w", err)
		}
		rec, err := decodeRecord(blob)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: rows: %w", err)
	}
	return out, nil
}

func (s *SQLite) DeleteMany(ctx context.Context, jobIDs []string) error {
	if len(jobIDs) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(jobIDs)-1) + "?"
	args := make([]any, len(jobIDs))
	for i, id := range jobIDs {
		args[i] = id
	}
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM jobs WHERE id IN (`+placeholders+`);`, args...); err != nil {
			return fmt.Errorf("registry: delete many: %w", err)
		}
		return nil
	})
}

func (s *SQLite) MarkForDeletion(ctx context.Context, jobID string, ttl time.Duration) error {
	due := time.Now().Add(ttl)
	_, err := s.Update(ctx, jobID, job.Patch{DeleteAt: &due})
	return err
}

func (s *SQLite) SweepDueDeletions(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE delete_at IS NOT NULL AND delete_at <= ?;`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("registry: sweep deletions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLite) ClearBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE created_at < ?;`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("registry: clear before: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLite) TrimToMaxEntries(ctx context.Context, maxEntries int) (int, error) {
	if maxEntries < 0 {
		maxEntries = 0
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE id IN (
			SELECT id FROM jobs ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?
		);`, maxEntries)
	if err != nil {
		return 0, fmt.Errorf("registry: trim entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLite) FindLatestByChannelThread(ctx context.Context, provider, channelID, threadID string, filter Filter) (*job.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record FROM jobs
		WHERE provider = ? AND channel_id = ? AND thread_id = ?
		ORDER BY created_at DESC, id DESC;
	`, provider, channelID, threadID)
	if err != nil {
		return nil, fmt.Errorf("registry: find by thread: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("registry: scan row: %w", err)
		}
		rec, err := decodeRecord(blob)
		if err != nil {
			return nil, err
		}
		if filter == nil || filter(*rec) {
			return rec, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: rows: %w", err)
	}
	return nil, nil
}

var _ Registry = (*SQLite)(nil)

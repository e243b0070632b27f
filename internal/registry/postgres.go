package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/sniptail/sniptail/internal/job"
)

var postgresMigrations = []migration{
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
				created_at BIGINT NOT NULL,
				updated_at BIGINT NOT NULL,
				record JSONB NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_channel ON jobs(provider, channel_id, thread_id, created_at);`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);`,
		},
	},
	{
		version:     2,
		description: "deleteAt marker column for retention sweeps",
		statements: []string{
			`ALTER TABLE jobs ADD COLUMN IF NOT EXISTS delete_at BIGINT;`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_delete_at ON jobs(delete_at) WHERE delete_at IS NOT NULL;`,
		},
	},
}

// Postgres is the relational server-DB backend. Same semantics as sqlite;
// the compare-and-swap rides on a guarded UPDATE inside one statement.
type Postgres struct {
	db *sqlx.DB
}

// OpenPostgres connects and ensures the migration ledger exists.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: connect postgres: %v", ErrBackendUnavailable, err)
	}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: create migration ledger: %w", err)
	}
	return &Postgres{db: db}, nil
}

// NewPostgres connects and applies pending migrations.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	p, err := OpenPostgres(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := p.Migrate(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) currentVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	if err := p.db.GetContext(ctx, &version, `SELECT MAX(version) FROM schema_migrations`); err != nil {
		return 0, fmt.Errorf("registry: read schema version: %w", err)
	}
	return int(version.Int64), nil
}

func (p *Postgres) MigrationStatus(ctx context.Context) (MigrationStatus, error) {
	current, err := p.currentVersion(ctx)
	if err != nil {
		return MigrationStatus{}, err
	}
	status := MigrationStatus{
		Backend:        "postgres",
		CurrentVersion: current,
		LatestVersion:  postgresMigrations[len(postgresMigrations)-1].version,
	}
	for _, m := range postgresMigrations {
		if m.version > current {
			status.Pending = append(status.Pending, fmt.Sprintf("v%d: %s", m.version, m.description))
		}
	}
	return status, nil
}

func (p *Postgres) Migrate(ctx context.Context) error {
	current, err := p.currentVersion(ctx)
	if err != nil {
		return err
	}
	for _, m := range postgresMigrations {
		if m.version <= current {
			continue
		}
		tx, err := p.db.BeginTxx(ctx, nil)
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
			`INSERT INTO schema_migrations (version, description) VALUES ($1, $2)`,
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

func (p *Postgres) Create(ctx context.Context, rec job.Record) (bool, error) {
	blob, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("registry: encode record %s: %w", rec.Job.ID, err)
	}
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO jobs (id, status, provider, channel_id, thread_id, created_at, updated_at, delete_at, record)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, rec.Job.ID, rec.Status, rec.Job.Channel.Provider, rec.Job.Channel.ChannelID, rec.Job.Channel.ThreadID,
		rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(), deleteAtMillis(rec.DeleteAt), string(blob))
	if err != nil {
		return false, fmt.Errorf("registry: create %s: %w", rec.Job.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("registry: create %s: %w", rec.Job.ID, err)
	}
	return n == 1, nil
}

func (p *Postgres) Load(ctx context.Context, jobID string) (*job.Record, error) {
	var blob string
	err := p.db.GetContext(ctx, &blob, `SELECT record FROM jobs WHERE id = $1`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: load %s: %w", jobID, err)
	}
	return decodeRecord(blob)
}

func (p *Postgres) Update(ctx context.Context, jobID string, patch job.Patch) (*job.Record, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("registry: begin update tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var blob string
	err = tx.GetContext(ctx, &blob, `SELECT record FROM jobs WHERE id = $1 FOR UPDATE`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: read for update %s: %w", jobID, err)
	}
	rec, err := decodeRecord(blob)
	if err != nil {
		return nil, err
	}
	patch.Apply(rec, time.Now())

	out, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("registry: encode record %s: %w", jobID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = $1, updated_at = $2, delete_at = $3, record = $4
		WHERE id = $5
	`, rec.Status, rec.UpdatedAt.UnixMilli(), deleteAtMillis(rec.DeleteAt), string(out), jobID); err != nil {
		return nil, fmt.Errorf("registry: write record %s: %w", jobID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("registry: commit update %s: %w", jobID, err)
	}
	return rec, nil
}

func (p *Postgres) ConditionalUpdate(ctx context.Context, jobID string, rec job.Record, statusEquals job.Status) (bool, error) {
	rec.UpdatedAt = time.Now().UTC()
	blob, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("registry: encode record %s: %w", jobID, err)
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE jobs SET status = $1, updated_at = $2, delete_at = $3, record = $4
		WHERE id = $5 AND status = $6
	`, rec.Status, rec.UpdatedAt.UnixMilli(), deleteAtMillis(rec.DeleteAt), string(blob), jobID, statusEquals)
	if err != nil {
		return false, fmt.Errorf("registry: conditional update %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("registry: conditional update %s: %w", jobID, err)
	}
	return n == 1, nil
}

func (p *Postgres) ScanByPrefix(ctx context.Context, prefix string) ([]job.Record, error) {
	var blobs []string
	err := p.db.SelectContext(ctx, &blobs, `
		SELECT record FROM jobs
		WHERE id LIKE $1 || '%'
		ORDER BY created_at ASC, id ASC
	`, escapeLike(prefix))
	if err != nil {
		return nil, fmt.Errorf("registry: scan prefix %q: %w", prefix, err)
	}
	out := make([]job.Record, 0, len(blobs))
	for _, blob := range blobs {
		rec, err := decodeRecord(blob)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (p *Postgres) DeleteMany(ctx context.Context, jobIDs []string) error {
	if len(jobIDs) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM jobs WHERE id IN (?)`, jobIDs)
	if err != nil {
		return fmt.Errorf("registry: delete many: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, p.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("registry: delete many: %w", err)
	}
	return nil
}

func (p *Postgres) MarkForDeletion(ctx context.Context, jobID string, ttl time.Duration) error {
	due := time.Now().Add(ttl)
	_, err := p.Update(ctx, jobID, job.Patch{DeleteAt: &due})
	return err
}

func (p *Postgres) SweepDueDeletions(ctx context.Context, now time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE delete_at IS NOT NULL AND delete_at <= $1`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("registry: sweep deletions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *Postgres) ClearBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE created_at < $1`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("registry: clear before: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *Postgres) TrimToMaxEntries(ctx context.Context, maxEntries int) (int, error) {
	if maxEntries < 0 {
		maxEntries = 0
	}
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE id IN (
			SELECT id FROM jobs ORDER BY created_at DESC, id DESC OFFSET $1
		)`, maxEntries)
	if err != nil {
		return 0, fmt.Errorf("registry: trim entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *Postgres) FindLatestByChannelThread(ctx context.Context, provider, channelID, threadID string, filter Filter) (*job.Record, error) {
	rows, err := p.db.QueryxContext(ctx, `
		SELECT record FROM jobs
		WHERE provider = $1 AND channel_id = $2 AND thread_id = $3
		ORDER BY created_at DESC, id DESC
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

var _ Registry = (*Postgres)(nil)

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

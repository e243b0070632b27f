// Package registry is the durable store of job records. Three backends
// (embedded sqlite, Postgres, Redis) satisfy the same contract; the caller
// picks one at startup from configuration and never branches on backend
// identity afterwards.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/sniptail/sniptail/internal/job"
)

// ErrBackendUnavailable wraps connection-level failures so callers can
// distinguish "store unreachable" from "record absent".
var ErrBackendUnavailable = errors.New("registry: backend unavailable")

// Filter narrows FindLatestByChannelThread matches; nil accepts everything.
// It runs over the decoded record, which keeps agent-thread linkage and job
// type checks out of the backends' schemas.
type Filter func(rec job.Record) bool

// MigrationStatus reports where a backend's schema stands.
type MigrationStatus struct {
	Backend        string
	CurrentVersion int
	LatestVersion  int
	Pending        []string
}

// UpToDate reports whether no migrations are pending.
func (s MigrationStatus) UpToDate() bool {
	return s.CurrentVersion >= s.LatestVersion
}

// Registry stores one record per job id. Loads of absent ids return
// (nil, nil); only infrastructure failures produce errors.
type Registry interface {
	// Create inserts a fresh record. Returns false without error when the
	// job id already exists (idempotent enqueue).
	Create(ctx context.Context, rec job.Record) (bool, error)

	Load(ctx context.Context, jobID string) (*job.Record, error)

	// Update applies a merge-patch (last write wins) and returns the
	// resulting record, or (nil, nil) when the id is absent.
	Update(ctx context.Context, jobID string, patch job.Patch) (*job.Record, error)

	// ConditionalUpdate writes rec only if the stored record's status
	// currently equals statusEquals. Returns false (no error) otherwise.
	// This is the sole concurrency-safety primitive for claiming a job.
	ConditionalUpdate(ctx context.Context, jobID string, rec job.Record, statusEquals job.Status) (bool, error)

	// ScanByPrefix returns all records whose job id starts with prefix,
	// ordered by creation time ascending.
	ScanByPrefix(ctx context.Context, prefix string) ([]job.Record, error)

	DeleteMany(ctx context.Context, jobIDs []string) error

	// MarkForDeletion sets deleteAt = now + ttl; the record stays loadable
	// until a sweep removes it.
	MarkForDeletion(ctx context.Context, jobID string, ttl time.Duration) error

	// SweepDueDeletions physically removes records whose deleteAt has
	// passed. Returns the number removed.
	SweepDueDeletions(ctx context.Context, now time.Time) (int, error)

	// ClearBefore deletes all records created before cutoff. Returns the
	// number removed.
	ClearBefore(ctx context.Context, cutoff time.Time) (int, error)

	// TrimToMaxEntries keeps only the maxEntries most recently created
	// records, deleting the rest oldest-first. Returns the number removed.
	TrimToMaxEntries(ctx context.Context, maxEntries int) (int, error)

	// FindLatestByChannelThread returns the most recent record for a chat
	// thread, optionally filtered, or (nil, nil) when none matches.
	FindLatestByChannelThread(ctx context.Context, provider, channelID, threadID string, filter Filter) (*job.Record, error)

	MigrationStatus(ctx context.Context) (MigrationStatus, error)
	Migrate(ctx context.Context) error

	Close() error
}

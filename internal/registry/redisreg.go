package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sniptail/sniptail/internal/job"
)

const (
	jobKeyPrefix     = "sniptail:job:"
	createdIndexKey  = "sniptail:jobs:by_created"
	deleteAtIndexKey = "sniptail:jobs:delete_at"
	threadIndexFmt   = "sniptail:jobs:thread:%s:%s:%s"
	redisSchemaKey   = "sniptail:jobs:schema_version"

	redisSchemaLatest = 1
)

// casScript compares the stored record's status and swaps in the new blob.
// The check and the write run inside one Lua invocation, atomic on a single
// Redis node.
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then return 0 end
local rec = cjson.decode(cur)
if rec['status'] ~= ARGV[1] then return 0 end
redis.call('SET', KEYS[1], ARGV[2])
return 1
`)

// RedisRegistry is the remote key-value backend. Records live as JSON blobs
// under per-job keys, with sorted-set indexes for creation order, deleteAt
// due times, and chat-thread lookup.
type RedisRegistry struct {
	client *redis.Client
}

// NewRedisRegistry connects the backend.
func NewRedisRegistry(ctx context.Context, addr string) (*RedisRegistry, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: connect redis %s: %v", ErrBackendUnavailable, addr, err)
	}
	return &RedisRegistry{client: client}, nil
}

func (r *RedisRegistry) Close() error { return r.client.Close() }

func jobKey(jobID string) string { return jobKeyPrefix + jobID }

func threadIndexKey(provider, channelID, threadID string) string {
	return fmt.Sprintf(threadIndexFmt, provider, channelID, threadID)
}

func (r *RedisRegistry) Create(ctx context.Context, rec job.Record) (bool, error) {
	blob, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("registry: encode record %s: %w", rec.Job.ID, err)
	}
	created, err := r.client.SetNX(ctx, jobKey(rec.Job.ID), string(blob), 0).Result()
	if err != nil {
		return false, fmt.Errorf("registry: create %s: %w", rec.Job.ID, err)
	}
	if !created {
		return false, nil
	}
	score := float64(rec.CreatedAt.UnixMilli())
	pipe := r.client.Pipeline()
	pipe.ZAdd(ctx, createdIndexKey, redis.Z{Score: score, Member: rec.Job.ID})
	pipe.ZAdd(ctx, threadIndexKey(rec.Job.Channel.Provider, rec.Job.Channel.ChannelID, rec.Job.Channel.ThreadID),
		redis.Z{Score: score, Member: rec.Job.ID})
	if rec.DeleteAt != nil {
		pipe.ZAdd(ctx, deleteAtIndexKey, redis.Z{Score: float64(rec.DeleteAt.UnixMilli()), Member: rec.Job.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return true, fmt.Errorf("registry: index %s: %w", rec.Job.ID, err)
	}
	return true, nil
}

func (r *RedisRegistry) Load(ctx context.Context, jobID string) (*job.Record, error) {
	blob, err := r.client.Get(ctx, jobKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: load %s: %w", jobID, err)
	}
	return decodeRecord(blob)
}

// Update is read-modify-write. Merge-patch semantics are last write wins;
// concurrent claimers must go through ConditionalUpdate instead.
func (r *RedisRegistry) Update(ctx context.Context, jobID string, patch job.Patch) (*job.Record, error) {
	rec, err := r.Load(ctx, jobID)
	if err != nil || rec == nil {
		return nil, err
	}
	patch.Apply(rec, time.Now())
	if err := r.store(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *RedisRegistry) store(ctx context.Context, rec *job.Record) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("registry: encode record %s: %w", rec.Job.ID, err)
	}
	pipe := r.client.Pipeline()
	pipe.Set(ctx, jobKey(rec.Job.ID), string(blob), 0)
	if rec.DeleteAt != nil {
		pipe.ZAdd(ctx, deleteAtIndexKey, redis.Z{Score: float64(rec.DeleteAt.UnixMilli()), Member: rec.Job.ID})
	} else {
		pipe.ZRem(ctx, deleteAtIndexKey, rec.Job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("registry: store %s: %w", rec.Job.ID, err)
	}
	return nil
}

func (r *RedisRegistry) ConditionalUpdate(ctx context.Context, jobID string, rec job.Record, statusEquals job.Status) (bool, error) {
	rec.UpdatedAt = time.Now().UTC()
	blob, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("registry: encode record %s: %w", jobID, err)
	}
	res, err := casScript.Run(ctx, r.client, []string{jobKey(jobID)}, string(statusEquals), string(blob)).Int()
	if err != nil {
		return false, fmt.Errorf("registry: conditional update %s: %w", jobID, err)
	}
	return res == 1, nil
}

func (r *RedisRegistry) ScanByPrefix(ctx context.Context, prefix string) ([]job.Record, error) {
	ids, err := r.client.ZRange(ctx, createdIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: scan prefix %q: %w", prefix, err)
	}
	var out []job.Record
	for _, id := range ids {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		rec, err := r.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (r *RedisRegistry) DeleteMany(ctx context.Context, jobIDs []string) error {
	if len(jobIDs) == 0 {
		return nil
	}
	// Thread-index entries are cleaned lazily: FindLatestByChannelThread
	// skips ids whose record key is gone.
	keys := make([]string, len(jobIDs))
	members := make([]any, len(jobIDs))
	for i, id := range jobIDs {
		keys[i] = jobKey(id)
		members[i] = id
	}
	pipe := r.client.Pipeline()
	pipe.Del(ctx, keys...)
	pipe.ZRem(ctx, createdIndexKey, members...)
	pipe.ZRem(ctx, deleteAtIndexKey, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("registry: delete many: %w", err)
	}
	return nil
}

func (r *RedisRegistry) MarkForDeletion(ctx context.Context, jobID string, ttl time.Duration) error {
	due := time.Now().Add(ttl)
	_, err := r.Update(ctx, jobID, job.Patch{DeleteAt: &due})
	return err
}

func (r *RedisRegistry) SweepDueDeletions(ctx context.Context, now time.Time) (int, error) {
	ids, err := r.client.ZRangeByScore(ctx, deleteAtIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("registry: sweep deletions: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := r.DeleteMany(ctx, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (r *RedisRegistry) ClearBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := r.client.ZRangeByScore(ctx, createdIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", cutoff.UnixMilli()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("registry: clear before: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := r.DeleteMany(ctx, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (r *RedisRegistry) TrimToMaxEntries(ctx context.Context, maxEntries int) (int, error) {
	if maxEntries < 0 {
		maxEntries = 0
	}
	total, err := r.client.ZCard(ctx, createdIndexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("registry: trim entries: %w", err)
	}
	excess := int(total) - maxEntries
	if excess <= 0 {
		return 0, nil
	}
	// Oldest first: lowest created_at scores.
	ids, err := r.client.ZRange(ctx, createdIndexKey, 0, int64(excess-1)).Result()
	if err != nil {
		return 0, fmt.Errorf("registry: trim entries: %w", err)
	}
	if err := r.DeleteMany(ctx, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (r *RedisRegistry) FindLatestByChannelThread(ctx context.Context, provider, channelID, threadID string, filter Filter) (*job.Record, error) {
	ids, err := r.client.ZRevRange(ctx, threadIndexKey(provider, channelID, threadID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: find by thread: %w", err)
	}
	for _, id := range ids {
		rec, err := r.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		if filter == nil || filter(*rec) {
			return rec, nil
		}
	}
	return nil, nil
}

func (r *RedisRegistry) MigrationStatus(ctx context.Context) (MigrationStatus, error) {
	current, err := r.client.Get(ctx, redisSchemaKey).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return MigrationStatus{}, fmt.Errorf("registry: read schema version: %w", err)
	}
	status := MigrationStatus{
		Backend:        "redis",
		CurrentVersion: current,
		LatestVersion:  redisSchemaLatest,
	}
	if current < redisSchemaLatest {
		status.Pending = append(status.Pending, "v1: key layout with created/deleteAt/thread indexes")
	}
	return status, nil
}

func (r *RedisRegistry) Migrate(ctx context.Context) error {
	// Keyspace layout needs no structural changes; Migrate records the
	// version so `migrate status` stays meaningful across backends.
	if err := r.client.Set(ctx, redisSchemaKey, redisSchemaLatest, 0).Err(); err != nil {
		return fmt.Errorf("registry: record schema version: %w", err)
	}
	return nil
}

var _ Registry = (*RedisRegistry)(nil)

package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"throttle-service/internal/bucketing"
	"throttle-service/internal/models"
	"throttle-service/internal/repository"
	"throttle-service/internal/util"
)

var _ repository.ThrottleStore = (*ThrottleStore)(nil)
var _ repository.Migrator = (*ThrottleStore)(nil)

const (
	createRecordsTable = `CREATE TABLE IF NOT EXISTS throttle_records (
        scope text,
        identity text,
        level int,
        attempts int,
        expires_at timestamp,
        last_blocked_at timestamp,
        created_at timestamp,
        updated_at timestamp,
        PRIMARY KEY ((scope, identity))
    )`

	createBlockedTable = `CREATE TABLE IF NOT EXISTS throttle_blocked (
        bucket int,
        scope text,
        identity text,
        last_blocked_at timestamp,
        PRIMARY KEY ((bucket), scope, identity)
    )`

	selectRecord = `SELECT identity, scope, level, attempts, expires_at, last_blocked_at, created_at, updated_at
        FROM throttle_records WHERE scope = ? AND identity = ?`

	insertRecordIfAbsent = `INSERT INTO throttle_records
        (scope, identity, level, attempts, expires_at, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`

	upsertRecord = `INSERT INTO throttle_records
        (scope, identity, level, attempts, expires_at, last_blocked_at, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	deleteRecord = `DELETE FROM throttle_records WHERE scope = ? AND identity = ?`

	upsertBlocked = `INSERT INTO throttle_blocked (bucket, scope, identity, last_blocked_at) VALUES (?, ?, ?, ?)`
	deleteBlocked = `DELETE FROM throttle_blocked WHERE bucket = ? AND scope = ? AND identity = ?`
	selectBlocked = `SELECT scope, identity FROM throttle_blocked WHERE bucket = ?`
)

// ThrottleStore keeps records in ScyllaDB. Creation uses a lightweight transaction;
// saves are plain last-write-wins upserts. Blocked records are indexed in a
// bucketed side table so the sweeper never scans the full records table.
type ThrottleStore struct {
	client  *ScyllaClient
	buckets *bucketing.BucketingManager
	now     func() time.Time
}

func NewThrottleStore(client *ScyllaClient, buckets *bucketing.BucketingManager) *ThrottleStore {
	return &ThrottleStore{
		client:  client,
		buckets: buckets,
		now:     time.Now,
	}
}

func (s *ThrottleStore) Migrate(ctx context.Context) error {
	for _, stmt := range []string{createRecordsTable, createBlockedTable} {
		if err := s.client.ExecuteWithRetry(s.client.Query(ctx, stmt), 2); err != nil {
			return fmt.Errorf("failed to apply throttle schema: %w", err)
		}
	}
	util.Info("ScyllaDB throttle schema ensured")
	return nil
}

func (s *ThrottleStore) Get(ctx context.Context, identity, scope string) (*models.ThrottleRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var (
		rec         models.ThrottleRecord
		lastBlocked time.Time
	)
	err := s.client.Query(ctx, selectRecord, scope, identity).Scan(
		&rec.Identity, &rec.Scope, &rec.Level, &rec.Attempts,
		&rec.ExpiresAt, &lastBlocked, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, repository.ErrRecordNotFound
	}
	if err != nil {
		util.Error("Failed to load throttle record",
			util.Identity(identity), util.Scope(scope), util.ErrorField(err))
		return nil, fmt.Errorf("failed to load throttle record: %w", err)
	}

	rec.ExpiresAt = rec.ExpiresAt.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if !lastBlocked.IsZero() {
		t := lastBlocked.UTC()
		rec.LastBlockedAt = &t
	}
	return &rec, nil
}

func (s *ThrottleStore) GetOrCreate(ctx context.Context, identity, scope string, defaults models.RecordDefaults) (*models.ThrottleRecord, bool, error) {
	rec := models.NewThrottleRecord(identity, scope, defaults, s.now())

	insertCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	existing := map[string]interface{}{}
	applied, err := s.client.Query(insertCtx, insertRecordIfAbsent,
		scope, identity, rec.Level, rec.Attempts, rec.ExpiresAt, rec.CreatedAt, rec.UpdatedAt,
	).MapScanCAS(existing)
	cancel()
	if err != nil {
		util.Error("Failed to create throttle record",
			util.Identity(identity), util.Scope(scope), util.ErrorField(err))
		return nil, false, fmt.Errorf("failed to create throttle record: %w", err)
	}
	if applied {
		return rec, true, nil
	}

	found, err := s.Get(ctx, identity, scope)
	if err != nil {
		return nil, false, err
	}
	return found, false, nil
}

func (s *ThrottleStore) Save(ctx context.Context, record *models.ThrottleRecord) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	now := s.now().UTC()
	record.UpdatedAt = now
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	bucket := s.buckets.RecordBucket(record.Scope, record.Identity)

	batch := s.client.Batch(ctx, gocql.LoggedBatch)
	batch.Query(upsertRecord,
		record.Scope, record.Identity, record.Level, record.Attempts,
		record.ExpiresAt.UTC(), record.LastBlockedAt, record.CreatedAt.UTC(), record.UpdatedAt)
	if record.LastBlockedAt != nil {
		batch.Query(upsertBlocked, bucket, record.Scope, record.Identity, record.LastBlockedAt.UTC())
	} else {
		batch.Query(deleteBlocked, bucket, record.Scope, record.Identity)
	}

	if err := s.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to save throttle record",
			util.Identity(record.Identity), util.Scope(record.Scope), util.ErrorField(err))
		return fmt.Errorf("failed to save throttle record: %w", err)
	}
	return nil
}

func (s *ThrottleStore) Delete(ctx context.Context, identity, scope string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	batch := s.client.Batch(ctx, gocql.LoggedBatch)
	batch.Query(deleteRecord, scope, identity)
	batch.Query(deleteBlocked, s.buckets.RecordBucket(scope, identity), scope, identity)
	if err := s.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to delete throttle record",
			util.Identity(identity), util.Scope(scope), util.ErrorField(err))
		return fmt.Errorf("failed to delete throttle record: %w", err)
	}
	return nil
}

type recordRef struct {
	scope    string
	identity string
}

// ListBlocked reads one bucket of the blocked index at a time, then loads each record.
func (s *ThrottleStore) ListBlocked(ctx context.Context, fn func(*models.ThrottleRecord) error) error {
	for _, bucket := range s.buckets.Buckets() {
		refs, err := s.blockedRefs(ctx, bucket)
		if err != nil {
			return err
		}

		for _, ref := range refs {
			if err := ctx.Err(); err != nil {
				return err
			}
			rec, err := s.Get(ctx, ref.identity, ref.scope)
			if errors.Is(err, repository.ErrRecordNotFound) {
				_ = s.client.Query(ctx, deleteBlocked, bucket, ref.scope, ref.identity).Exec()
				continue
			}
			if err != nil {
				return err
			}
			if rec.LastBlockedAt == nil {
				continue
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *ThrottleStore) blockedRefs(ctx context.Context, bucket int) ([]recordRef, error) {
	iter := s.client.Query(ctx, selectBlocked, bucket).Iter()

	var (
		refs []recordRef
		ref  recordRef
	)
	for iter.Scan(&ref.scope, &ref.identity) {
		refs = append(refs, ref)
	}
	if err := iter.Close(); err != nil {
		util.Error("Failed to read blocked throttle index", util.Int("bucket", bucket), util.ErrorField(err))
		return nil, fmt.Errorf("failed to list blocked throttle records: %w", err)
	}
	return refs, nil
}

func (s *ThrottleStore) HealthCheck(ctx context.Context) error {
	return s.client.HealthCheck(ctx)
}

func (s *ThrottleStore) Close() error {
	s.client.Close()
	return nil
}

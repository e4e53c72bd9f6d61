package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"throttle-service/internal/models"
	"throttle-service/internal/repository"
	"throttle-service/internal/util"
)

var _ repository.ThrottleStore = (*ThrottleStore)(nil)
var _ repository.Migrator = (*ThrottleStore)(nil)

const (
	recordColumns = `identity, scope, level, attempts, expires_at, last_blocked_at, created_at, updated_at`
	defaultPage   = 500
)

// ThrottleStore keeps throttle records in a relational database.
// Supported dialects: postgres (pgx), mysql, sqlite.
type ThrottleStore struct {
	db       *sql.DB
	dialect  string
	timeout  time.Duration
	pageSize int
	ownsDB   bool
	now      func() time.Time
}

type Option func(*ThrottleStore)

// WithPageSize sets how many blocked records ListBlocked loads per query.
func WithPageSize(n int) Option {
	return func(s *ThrottleStore) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(s *ThrottleStore) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithOwnedDB makes Close also close the underlying connection pool.
func WithOwnedDB() Option {
	return func(s *ThrottleStore) { s.ownsDB = true }
}

func NewThrottleStore(db *sql.DB, dialect string, opts ...Option) (*ThrottleStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if _, err := driverName(dialect); err != nil {
		return nil, err
	}

	s := &ThrottleStore{
		db:       db,
		dialect:  dialect,
		timeout:  5 * time.Second,
		pageSize: defaultPage,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// rebind rewrites ? placeholders into the dialect's native form.
func (s *ThrottleStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.ThrottleRecord, error) {
	var (
		rec         models.ThrottleRecord
		lastBlocked sql.NullTime
	)
	if err := row.Scan(&rec.Identity, &rec.Scope, &rec.Level, &rec.Attempts,
		&rec.ExpiresAt, &lastBlocked, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if lastBlocked.Valid {
		t := lastBlocked.Time.UTC()
		rec.LastBlockedAt = &t
	}
	return &rec, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func (s *ThrottleStore) Get(ctx context.Context, identity, scope string) (*models.ThrottleRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := s.rebind(`SELECT ` + recordColumns + ` FROM throttle_records WHERE identity = ? AND scope = ?`)
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, identity, scope))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrRecordNotFound
	}
	if err != nil {
		util.Error("Failed to load throttle record",
			util.Identity(identity), util.Scope(scope), util.ErrorField(err))
		return nil, fmt.Errorf("failed to load throttle record: %w", err)
	}
	return rec, nil
}

func (s *ThrottleStore) insertIgnoreQuery() string {
	switch s.dialect {
	case DialectMySQL:
		return `INSERT IGNORE INTO throttle_records (` + recordColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	default:
		return s.rebind(`INSERT INTO throttle_records (` + recordColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (identity, scope) DO NOTHING`)
	}
}

// GetOrCreate inserts with conflict-ignore; losing a creation race falls back to a read.
func (s *ThrottleStore) GetOrCreate(ctx context.Context, identity, scope string, defaults models.RecordDefaults) (*models.ThrottleRecord, bool, error) {
	rec := models.NewThrottleRecord(identity, scope, defaults, s.now())

	insertCtx, cancel := context.WithTimeout(ctx, s.timeout)
	res, err := s.db.ExecContext(insertCtx, s.insertIgnoreQuery(),
		rec.Identity, rec.Scope, rec.Level, rec.Attempts,
		rec.ExpiresAt, nullTime(rec.LastBlockedAt), rec.CreatedAt, rec.UpdatedAt)
	cancel()
	if err != nil {
		util.Error("Failed to create throttle record",
			util.Identity(identity), util.Scope(scope), util.ErrorField(err))
		return nil, false, fmt.Errorf("failed to create throttle record: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected > 0 {
		return rec, true, nil
	}

	existing, err := s.Get(ctx, identity, scope)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *ThrottleStore) upsertQuery() string {
	switch s.dialect {
	case DialectMySQL:
		return `INSERT INTO throttle_records (` + recordColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE level = VALUES(level), attempts = VALUES(attempts),
			expires_at = VALUES(expires_at), last_blocked_at = VALUES(last_blocked_at),
			updated_at = VALUES(updated_at)`
	default:
		return s.rebind(`INSERT INTO throttle_records (` + recordColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (identity, scope) DO UPDATE SET level = EXCLUDED.level,
			attempts = EXCLUDED.attempts, expires_at = EXCLUDED.expires_at,
			last_blocked_at = EXCLUDED.last_blocked_at, updated_at = EXCLUDED.updated_at`)
	}
}

func (s *ThrottleStore) Save(ctx context.Context, record *models.ThrottleRecord) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	now := s.now().UTC()
	record.UpdatedAt = now
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}

	_, err := s.db.ExecContext(ctx, s.upsertQuery(),
		record.Identity, record.Scope, record.Level, record.Attempts,
		record.ExpiresAt.UTC(), nullTime(record.LastBlockedAt), record.CreatedAt.UTC(), record.UpdatedAt)
	if err != nil {
		util.Error("Failed to save throttle record",
			util.Identity(record.Identity), util.Scope(record.Scope), util.ErrorField(err))
		return fmt.Errorf("failed to save throttle record: %w", err)
	}
	return nil
}

func (s *ThrottleStore) Delete(ctx context.Context, identity, scope string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := s.rebind(`DELETE FROM throttle_records WHERE identity = ? AND scope = ?`)
	if _, err := s.db.ExecContext(ctx, query, identity, scope); err != nil {
		util.Error("Failed to delete throttle record",
			util.Identity(identity), util.Scope(scope), util.ErrorField(err))
		return fmt.Errorf("failed to delete throttle record: %w", err)
	}
	return nil
}

// ListBlocked pages through blocked records with keyset pagination on (scope, identity).
// Each page is fully read and its rows closed before fn runs.
func (s *ThrottleStore) ListBlocked(ctx context.Context, fn func(*models.ThrottleRecord) error) error {
	var lastScope, lastIdentity string
	first := true

	for {
		page, err := s.blockedPage(ctx, first, lastScope, lastIdentity)
		if err != nil {
			return err
		}
		for _, rec := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		if len(page) < s.pageSize {
			return nil
		}
		last := page[len(page)-1]
		lastScope, lastIdentity, first = last.Scope, last.Identity, false
	}
}

func (s *ThrottleStore) blockedPage(ctx context.Context, first bool, scope, identity string) ([]*models.ThrottleRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var (
		rows *sql.Rows
		err  error
	)
	if first {
		query := s.rebind(`SELECT ` + recordColumns + ` FROM throttle_records
			WHERE last_blocked_at IS NOT NULL
			ORDER BY scope, identity LIMIT ?`)
		rows, err = s.db.QueryContext(ctx, query, s.pageSize)
	} else {
		query := s.rebind(`SELECT ` + recordColumns + ` FROM throttle_records
			WHERE last_blocked_at IS NOT NULL AND (scope > ? OR (scope = ? AND identity > ?))
			ORDER BY scope, identity LIMIT ?`)
		rows, err = s.db.QueryContext(ctx, query, scope, scope, identity, s.pageSize)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list blocked throttle records: %w", err)
	}
	defer rows.Close()

	page := make([]*models.ThrottleRecord, 0, s.pageSize)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan throttle record: %w", err)
		}
		page = append(page, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate throttle records: %w", err)
	}
	return page, nil
}

func (s *ThrottleStore) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sql throttle store ping failed: %w", err)
	}
	return nil
}

// Close releases the pool only when the store owns it.
func (s *ThrottleStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func (s *ThrottleStore) Dialect() string {
	return s.dialect
}

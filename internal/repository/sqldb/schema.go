package sqldb

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS throttle_records (
    identity VARCHAR(255) NOT NULL,
    scope VARCHAR(100) NOT NULL,
    level INTEGER NOT NULL DEFAULT 0,
    attempts INTEGER NOT NULL DEFAULT 0,
    expires_at TIMESTAMPTZ NOT NULL,
    last_blocked_at TIMESTAMPTZ NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (identity, scope)
);
CREATE INDEX IF NOT EXISTS idx_throttle_records_blocked
    ON throttle_records (scope, identity) WHERE last_blocked_at IS NOT NULL;
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS throttle_records (
    identity VARCHAR(255) NOT NULL,
    scope VARCHAR(100) NOT NULL,
    level INTEGER NOT NULL DEFAULT 0,
    attempts INTEGER NOT NULL DEFAULT 0,
    expires_at TIMESTAMP NOT NULL,
    last_blocked_at TIMESTAMP NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (identity, scope)
);
CREATE INDEX IF NOT EXISTS idx_throttle_records_blocked
    ON throttle_records (scope, identity) WHERE last_blocked_at IS NOT NULL;
`

// MySQL lacks CREATE INDEX IF NOT EXISTS and partial indexes.
const mysqlSchema = `
CREATE TABLE IF NOT EXISTS throttle_records (
    identity VARCHAR(255) NOT NULL,
    scope VARCHAR(100) NOT NULL,
    level INT NOT NULL DEFAULT 0,
    attempts INT NOT NULL DEFAULT 0,
    expires_at DATETIME(6) NOT NULL,
    last_blocked_at DATETIME(6) NULL,
    created_at DATETIME(6) NOT NULL,
    updated_at DATETIME(6) NOT NULL,
    PRIMARY KEY (identity, scope),
    INDEX idx_throttle_records_last_blocked (last_blocked_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
`

func schemaFor(dialect string) string {
	switch dialect {
	case DialectMySQL:
		return mysqlSchema
	case DialectSQLite:
		return sqliteSchema
	default:
		return postgresSchema
	}
}

// Migrate creates the throttle_records table and its indexes. It is idempotent.
func (s *ThrottleStore) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	for _, stmt := range strings.Split(schemaFor(s.dialect), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply throttle schema: %w", err)
		}
	}
	return nil
}

package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS rooms (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		description   TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL,
		last_activity TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS annotations (
		id         BIGSERIAL PRIMARY KEY,
		room_id    TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		user_id    TEXT NOT NULL,
		user_name  TEXT NOT NULL,
		text       TEXT NOT NULL,
		x          DOUBLE PRECISION NOT NULL,
		y          DOUBLE PRECISION NOT NULL,
		z          DOUBLE PRECISION,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS image_overlays (
		id            BIGSERIAL PRIMARY KEY,
		room_id       TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		user_id       TEXT NOT NULL,
		user_name     TEXT NOT NULL,
		image_path    TEXT NOT NULL,
		original_name TEXT NOT NULL,
		x             DOUBLE PRECISION NOT NULL,
		y             DOUBLE PRECISION NOT NULL,
		width         DOUBLE PRECISION NOT NULL,
		height        DOUBLE PRECISION NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_annotations_room ON annotations(room_id, id)`,
	`CREATE INDEX IF NOT EXISTS idx_overlays_room ON image_overlays(room_id, id)`,
	`CREATE INDEX IF NOT EXISTS idx_rooms_last_activity ON rooms(last_activity DESC)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS rooms (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		description   TEXT NOT NULL DEFAULT '',
		created_at    DATETIME NOT NULL,
		last_activity DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS annotations (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id    TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		user_name  TEXT NOT NULL,
		text       TEXT NOT NULL,
		x          REAL NOT NULL,
		y          REAL NOT NULL,
		z          REAL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY(room_id) REFERENCES rooms(id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS image_overlays (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id       TEXT NOT NULL,
		user_id       TEXT NOT NULL,
		user_name     TEXT NOT NULL,
		image_path    TEXT NOT NULL,
		original_name TEXT NOT NULL,
		x             REAL NOT NULL,
		y             REAL NOT NULL,
		width         REAL NOT NULL,
		height        REAL NOT NULL,
		created_at    DATETIME NOT NULL,
		FOREIGN KEY(room_id) REFERENCES rooms(id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_annotations_room ON annotations(room_id, id)`,
	`CREATE INDEX IF NOT EXISTS idx_overlays_room ON image_overlays(room_id, id)`,
	`CREATE INDEX IF NOT EXISTS idx_rooms_last_activity ON rooms(last_activity DESC)`,
}

// Apply creates the schema for the dialect and seeds the default room.
// Every statement is idempotent, so Apply runs on every boot.
func Apply(ctx context.Context, db *sql.DB, dialect Dialect, defaultRoomID string) error {
	var schema []string
	switch dialect {
	case Postgres:
		schema = postgresSchema
	case SQLite:
		schema = sqliteSchema
	default:
		return fmt.Errorf("unknown dialect %q", dialect)
	}

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	if defaultRoomID == "" {
		return nil
	}
	now := time.Now().UTC()
	const seed = `INSERT INTO rooms (id, name, description, created_at, last_activity)
	              VALUES ($1, 'default', 'Default collaboration room', $2, $2)
	              ON CONFLICT (id) DO NOTHING`
	if _, err := db.ExecContext(ctx, seed, defaultRoomID, now); err != nil {
		return fmt.Errorf("seed default room: %w", err)
	}
	zap.L().Info("schema applied", zap.String("dialect", string(dialect)))
	return nil
}

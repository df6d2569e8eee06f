package database

import (
	"database/sql"
	"fmt"
	"log"
)

type migration struct {
	version int
	name    string
	sql     string
}

// migrations are applied in order; never edit one that has shipped, append a
// new version instead.
var migrations = []migration{
	{
		version: 1,
		name:    "initial schema",
		sql: `
CREATE TABLE IF NOT EXISTS Channel (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS User (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	tag INTEGER NOT NULL DEFAULT 0,
	password_hash TEXT NOT NULL DEFAULT '',
	banned INTEGER NOT NULL DEFAULT 0,
	muted INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS Message (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	channel TEXT NOT NULL,
	author TEXT NOT NULL,
	author_tag INTEGER NOT NULL DEFAULT 0,
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY (channel) REFERENCES Channel(name) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_messages_channel ON Message(channel, id DESC);
CREATE INDEX IF NOT EXISTS idx_messages_retention ON Message(created_at);
`,
	},
	{
		version: 2,
		name:    "roles, image attachments and admin audit log",
		sql: `
ALTER TABLE User ADD COLUMN role TEXT NOT NULL DEFAULT 'user';
ALTER TABLE Message ADD COLUMN image_ref TEXT NOT NULL DEFAULT '';

CREATE TABLE IF NOT EXISTS AdminAction (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	admin TEXT NOT NULL,
	action TEXT NOT NULL,
	target TEXT NOT NULL DEFAULT '',
	details TEXT NOT NULL DEFAULT '',
	performed_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_admin_actions_time ON AdminAction(performed_at DESC);
`,
	},
}

// latestVersion is the schema version a freshly opened database ends up at
func latestVersion() int {
	return migrations[len(migrations)-1].version
}

// runMigrations brings the schema up to the latest version
func runMigrations(conn *sql.DB) error {
	return migrateTo(conn, latestVersion())
}

// migrateTo applies pending migrations up to and including target. Each
// migration runs in its own transaction together with its version row.
func migrateTo(conn *sql.DB, target int) error {
	if _, err := conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	current, err := schemaVersion(conn)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current || m.version > target {
			continue
		}

		tx, err := conn.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to apply migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, m.version, nowMillis()); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}
		log.Printf("DB: applied migration %d (%s)", m.version, m.name)
	}

	return nil
}

// schemaVersion returns the highest applied migration, 0 for a fresh database
func schemaVersion(conn *sql.DB) (int, error) {
	var version sql.NullInt64
	if err := conn.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return int(version.Int64), nil
}

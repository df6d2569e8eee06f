package database

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/url"
	"slices"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrChannelExists indicates a channel with that name already exists.
	ErrChannelExists = errors.New("channel already exists")
	// ErrChannelNotFound indicates the channel does not exist.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrUserExists indicates the username is taken.
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound indicates the user does not exist.
	ErrUserNotFound = errors.New("user not found")
)

// Roles stored in User.Role
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// slowQuery is the threshold above which operations are logged
const slowQuery = 50 * time.Millisecond

// DB wraps the SQLite database connection
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
}

// Channel represents a channel record
type Channel struct {
	ID          int64
	Name        string
	Description string
	CreatedAt   int64 // Unix timestamp in milliseconds
}

// User represents an identity. Created on first login, never deleted.
type User struct {
	ID           int64
	Username     string
	Tag          int
	Role         string
	PasswordHash string // bcrypt hash, empty for accounts without a password
	Banned       bool
	Muted        bool
	CreatedAt    int64 // Unix timestamp in milliseconds
}

// IsAdmin reports whether the user holds the admin role
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// Message represents a persisted chat message
type Message struct {
	ID        int64
	Channel   string
	Author    string
	AuthorTag int
	Content   string
	ImageRef  string
	CreatedAt int64 // Unix timestamp in milliseconds
}

// AdminAction is one entry of the moderation audit log
type AdminAction struct {
	ID          int64
	Admin       string
	Action      string
	Target      string
	Details     string
	PerformedAt int64 // Unix timestamp in milliseconds
}

// dsn builds a modernc.org/sqlite connection string. Pragmas are passed in
// the DSN so every pooled connection gets them, not just the first one.
func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return path + "?" + q.Encode()
}

// Open opens a connection to the SQLite database at the given path
// and migrates the schema to the latest version
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL allows multiple readers and one writer at the same time
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Dedicated write connection (single connection, no pooling)
	writeConn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := runMigrations(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &DB{conn: conn, writeConn: writeConn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	db.writeConn.Close()
	return db.conn.Close()
}

// nowMillis returns current time as Unix timestamp in milliseconds
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func logSlow(op string, start time.Time) {
	if elapsed := time.Since(start); elapsed > slowQuery {
		log.Printf("DB: %s took %v", op, elapsed)
	}
}

// CreateChannel inserts a channel, returning ErrChannelExists if the name is taken
func (db *DB) CreateChannel(name, description string) (*Channel, error) {
	defer logSlow("CreateChannel", time.Now())

	now := nowMillis()
	result, err := db.writeConn.Exec(`
		INSERT OR IGNORE INTO Channel (name, description, created_at)
		VALUES (?, ?, ?)
	`, name, description, now)
	if err != nil {
		return nil, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return nil, ErrChannelExists
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get last insert ID: %w", err)
	}

	return &Channel{ID: id, Name: name, Description: description, CreatedAt: now}, nil
}

// ListChannels returns all channels in creation order
func (db *DB) ListChannels() ([]*Channel, error) {
	rows, err := db.conn.Query(`SELECT id, name, description, created_at FROM Channel ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []*Channel
	for rows.Next() {
		var ch Channel
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.Description, &ch.CreatedAt); err != nil {
			return nil, err
		}
		channels = append(channels, &ch)
	}
	return channels, rows.Err()
}

// DeleteChannel deletes a channel and, through the foreign key, its messages
func (db *DB) DeleteChannel(name string) error {
	defer logSlow("DeleteChannel", time.Now())

	result, err := db.writeConn.Exec(`DELETE FROM Channel WHERE name = ?`, name)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrChannelNotFound
	}
	return nil
}

// CreateUser inserts a user and fills in its ID and CreatedAt
func (db *DB) CreateUser(user *User) error {
	if user.Role == "" {
		user.Role = RoleUser
	}
	user.CreatedAt = nowMillis()

	result, err := db.writeConn.Exec(`
		INSERT OR IGNORE INTO User (username, tag, role, password_hash, banned, muted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, user.Username, user.Tag, user.Role, user.PasswordHash, user.Banned, user.Muted, user.CreatedAt)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrUserExists
	}

	user.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert ID: %w", err)
	}
	return nil
}

const userColumns = `id, username, tag, role, password_hash, banned, muted, created_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Username, &u.Tag, &u.Role, &u.PasswordHash, &u.Banned, &u.Muted, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUser retrieves a user by username
func (db *DB) GetUser(username string) (*User, error) {
	user, err := scanUser(db.conn.QueryRow(`SELECT `+userColumns+` FROM User WHERE username = ?`, username))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	return user, err
}

// ListUsers returns all users sorted by username
func (db *DB) ListUsers() ([]*User, error) {
	rows, err := db.conn.Query(`SELECT ` + userColumns + ` FROM User ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (db *DB) updateUser(username, column string, value any) error {
	result, err := db.writeConn.Exec(`UPDATE User SET `+column+` = ? WHERE username = ?`, value, username)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetBanned sets the ban flag of a user
func (db *DB) SetBanned(username string, banned bool) error {
	return db.updateUser(username, "banned", banned)
}

// SetMuted sets the mute flag of a user
func (db *DB) SetMuted(username string, muted bool) error {
	return db.updateUser(username, "muted", muted)
}

// SetRole changes the role of a user
func (db *DB) SetRole(username, role string) error {
	return db.updateUser(username, "role", role)
}

// SetPasswordHash replaces the stored bcrypt hash of a user
func (db *DB) SetPasswordHash(username, hash string) error {
	return db.updateUser(username, "password_hash", hash)
}

// AppendMessage persists a message and returns its ID. IDs increase
// monotonically, so ID order is persistence order.
func (db *DB) AppendMessage(msg *Message) (int64, error) {
	defer logSlow("AppendMessage", time.Now())

	if msg.CreatedAt == 0 {
		msg.CreatedAt = nowMillis()
	}

	tx, err := db.writeConn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		INSERT INTO Message (channel, author, author_tag, content, image_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.Channel, msg.Author, msg.AuthorTag, msg.Content, msg.ImageRef, msg.CreatedAt)
	if err != nil {
		return 0, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	msg.ID = id
	return id, nil
}

// RecentMessages returns up to limit of the newest messages of a channel,
// oldest first
func (db *DB) RecentMessages(channel string, limit int) ([]*Message, error) {
	defer logSlow("RecentMessages", time.Now())

	rows, err := db.conn.Query(`
		SELECT id, channel, author, author_tag, content, image_ref, created_at
		FROM Message
		WHERE channel = ?
		ORDER BY id DESC
		LIMIT ?
	`, channel, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Channel, &m.Author, &m.AuthorTag, &m.Content, &m.ImageRef, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	slices.Reverse(messages)
	return messages, nil
}

// CountMessages returns the number of stored messages in a channel
func (db *DB) CountMessages(channel string) (int, error) {
	var count int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM Message WHERE channel = ?`, channel).Scan(&count)
	return count, err
}

// DeleteMessages removes every message of a channel
func (db *DB) DeleteMessages(channel string) (int64, error) {
	defer logSlow("DeleteMessages", time.Now())

	result, err := db.writeConn.Exec(`DELETE FROM Message WHERE channel = ?`, channel)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteMessagesBefore removes messages created before cutoff (Unix millis)
func (db *DB) DeleteMessagesBefore(cutoff int64) (int64, error) {
	defer logSlow("DeleteMessagesBefore", time.Now())

	result, err := db.writeConn.Exec(`DELETE FROM Message WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// LogAdminAction appends an entry to the moderation audit log
func (db *DB) LogAdminAction(action *AdminAction) error {
	if action.PerformedAt == 0 {
		action.PerformedAt = nowMillis()
	}
	result, err := db.writeConn.Exec(`
		INSERT INTO AdminAction (admin, action, target, details, performed_at)
		VALUES (?, ?, ?, ?, ?)
	`, action.Admin, action.Action, action.Target, action.Details, action.PerformedAt)
	if err != nil {
		return err
	}
	action.ID, err = result.LastInsertId()
	return err
}

// ListAdminActions returns the newest audit log entries first
func (db *DB) ListAdminActions(limit int) ([]*AdminAction, error) {
	rows, err := db.conn.Query(`
		SELECT id, admin, action, target, details, performed_at
		FROM AdminAction
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []*AdminAction
	for rows.Next() {
		var a AdminAction
		if err := rows.Scan(&a.ID, &a.Admin, &a.Action, &a.Target, &a.Details, &a.PerformedAt); err != nil {
			return nil, err
		}
		actions = append(actions, &a)
	}
	return actions, rows.Err()
}

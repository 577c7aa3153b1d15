package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrUserNotFound indicates no credential exists for the username.
	ErrUserNotFound = errors.New("user not found")
)

// AuthResult is the outcome of an atomic register-or-verify.
type AuthResult int

const (
	// AuthCreated means the username was unknown and has been registered
	// with the presented password.
	AuthCreated AuthResult = iota
	// AuthMatched means the username exists and the password matches.
	AuthMatched
	// AuthMismatched means the username exists and the password does not match.
	AuthMismatched
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	username   TEXT PRIMARY KEY,
	password   TEXT NOT NULL,
	created_at INTEGER NOT NULL
)`

// DB wraps the SQLite credential store
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
}

// Open opens a connection to the SQLite database at the given path
// and initializes the schema if needed
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// Enable WAL mode for better concurrent access
	// WAL allows multiple readers and one writer at the same time
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set busy timeout to 5 seconds
	// This makes SQLite wait and retry instead of immediately failing with SQLITE_BUSY
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := conn.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	// Dedicated write connection so the check-then-insert registration path
	// is serialized through a single connection
	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)

	if _, err := writeConn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	db := &DB{conn: conn, writeConn: writeConn}
	if _, err := writeConn.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Lookup returns the stored password for a username.
func (db *DB) Lookup(username string) (string, error) {
	var password string
	err := db.conn.QueryRow("SELECT password FROM users WHERE username = ?", username).Scan(&password)
	if err == sql.ErrNoRows {
		return "", ErrUserNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up user: %w", err)
	}
	return password, nil
}

// Register inserts a credential if the username is not yet taken.
func (db *DB) Register(username, password string) error {
	res, err := db.writeConn.Exec(
		"INSERT INTO users (username, password, created_at) VALUES (?, ?, ?) ON CONFLICT(username) DO NOTHING",
		username, password, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to register user: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("username %q already registered", username)
	}
	return nil
}

// Authenticate performs the handshake's register-or-verify in one
// transaction: an unknown username is registered with the presented
// password, a known one has its password compared. The check and insert
// share a critical section so two first-time logins with the same name
// cannot both register.
func (db *DB) Authenticate(username, password string) (AuthResult, error) {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return AuthMismatched, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var stored string
	err = tx.QueryRow("SELECT password FROM users WHERE username = ?", username).Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.Exec(
			"INSERT INTO users (username, password, created_at) VALUES (?, ?, ?)",
			username, password, time.Now().UnixMilli()); err != nil {
			return AuthMismatched, fmt.Errorf("failed to register user: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return AuthMismatched, fmt.Errorf("failed to commit registration: %w", err)
		}
		return AuthCreated, nil
	case err != nil:
		return AuthMismatched, fmt.Errorf("failed to look up user: %w", err)
	}

	if stored == password {
		return AuthMatched, nil
	}
	return AuthMismatched, nil
}

// ListUsernames returns every registered username.
func (db *DB) ListUsernames() ([]string, error) {
	rows, err := db.conn.Query("SELECT username FROM users ORDER BY username")
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var usernames []string
	for rows.Next() {
		var username string
		if err := rows.Scan(&username); err != nil {
			return nil, fmt.Errorf("failed to scan username: %w", err)
		}
		usernames = append(usernames, username)
	}
	return usernames, rows.Err()
}

// CountUsers returns the number of registered users (0 on error)
func (db *DB) CountUsers() int {
	var count int
	if err := db.conn.QueryRow("SELECT COUNT(*) FROM users").Scan(&count); err != nil {
		return 0
	}
	return count
}

// Close checkpoints the WAL and closes both connections. This is the
// orderly-shutdown persist of the credential mapping.
func (db *DB) Close() error {
	if _, err := db.writeConn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		db.conn.Close()
		db.writeConn.Close()
		return fmt.Errorf("failed to checkpoint WAL: %w", err)
	}
	if err := db.writeConn.Close(); err != nil {
		db.conn.Close()
		return err
	}
	return db.conn.Close()
}

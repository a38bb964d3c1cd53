// Package archive provides an optional SQLite audit trail of document
// snapshots. The plain text file remains the durable contract; the archive
// only records the history of successful saves.
package archive

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// historyLimit bounds how many snapshots are retained.
const historyLimit = 100

// Snapshot is one archived copy of the document.
type Snapshot struct {
	ID       int64
	SavedAt  time.Time
	ByteSize int
	Content  string
}

// Archive wraps a SQLite connection.
type Archive struct {
	db   *sql.DB
	keep int
}

// New opens the archive at uri and runs migrations. Use ":memory:" for an
// ephemeral archive.
func New(uri string) (*Archive, error) {
	db, err := sql.Open("sqlite3", uri)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Archive{db: db, keep: historyLimit}, nil
}

// Close closes the archive connection.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Record stores one snapshot and prunes history beyond the retention limit.
// A snapshot identical to the latest recorded one is skipped.
func (a *Archive) Record(content string) error {
	latest, err := a.Latest()
	if err != nil {
		return err
	}
	if latest != nil && latest.Content == content {
		return nil
	}

	_, err = a.db.Exec(
		"INSERT INTO snapshot (saved_at, byte_size, content) VALUES (?, ?, ?)",
		time.Now().Unix(), len(content), content,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	_, err = a.db.Exec(
		"DELETE FROM snapshot WHERE id NOT IN (SELECT id FROM snapshot ORDER BY id DESC LIMIT ?)",
		a.keep,
	)
	if err != nil {
		return fmt.Errorf("prune snapshots: %w", err)
	}

	return nil
}

// Latest returns the most recent snapshot, or nil if none exists.
func (a *Archive) Latest() (*Snapshot, error) {
	var snap Snapshot
	var savedAt int64

	err := a.db.QueryRow(
		"SELECT id, saved_at, byte_size, content FROM snapshot ORDER BY id DESC LIMIT 1",
	).Scan(&snap.ID, &savedAt, &snap.ByteSize, &snap.Content)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest snapshot: %w", err)
	}

	snap.SavedAt = time.Unix(savedAt, 0)
	return &snap, nil
}

// Count returns the number of retained snapshots.
func (a *Archive) Count() (int, error) {
	var count int
	if err := a.db.QueryRow("SELECT COUNT(*) FROM snapshot").Scan(&count); err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return count, nil
}

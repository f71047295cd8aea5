package manager

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// History is the durable record of every download the manager has started,
// backed by a single-file SQLite database.
type History struct {
	db *sql.DB
}

// Record is one history row.
type Record struct {
	ID         string
	Key        string
	URL        string
	Filename   string
	Status     string
	TotalSize  int64
	Downloaded int64
	StartedAt  int64
	FinishedAt int64
}

const historySchema = `
CREATE TABLE IF NOT EXISTS downloads (
	id TEXT PRIMARY KEY,
	key TEXT NOT NULL,
	url TEXT NOT NULL,
	filename TEXT,
	status TEXT NOT NULL,
	total_size INTEGER NOT NULL DEFAULT 0,
	downloaded INTEGER NOT NULL DEFAULT 0,
	started_at INTEGER NOT NULL,
	finished_at INTEGER
)`

// OpenHistory opens (creating if needed) the history database at path.
func OpenHistory(path string) (*History, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create history schema: %w", err)
	}
	return &History{db: db}, nil
}

func (h *History) recordStarted(id, key, url, filename string, totalSize int64) error {
	_, err := h.db.Exec(`
		INSERT INTO downloads (id, key, url, filename, status, total_size, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			key=excluded.key,
			url=excluded.url,
			filename=excluded.filename,
			status=excluded.status,
			total_size=excluded.total_size,
			started_at=excluded.started_at
	`, id, key, url, filename, "downloading", totalSize, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record download start: %w", err)
	}
	return nil
}

func (h *History) recordFinished(id, status string, downloaded int64) error {
	_, err := h.db.Exec(`
		UPDATE downloads SET status = ?, downloaded = ?, finished_at = ? WHERE id = ?
	`, status, downloaded, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to record download finish: %w", err)
	}
	return nil
}

// Entries returns all history rows, newest first.
func (h *History) Entries() ([]Record, error) {
	rows, err := h.db.Query(`
		SELECT id, key, url, filename, status, total_size, downloaded, started_at, finished_at
		FROM downloads ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var filename sql.NullString
		var finishedAt sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Key, &r.URL, &filename, &r.Status, &r.TotalSize, &r.Downloaded, &r.StartedAt, &finishedAt); err != nil {
			return nil, err
		}
		if filename.Valid {
			r.Filename = filename.String
		}
		if finishedAt.Valid {
			r.FinishedAt = finishedAt.Int64
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Get returns a single history row by download id.
func (h *History) Get(id string) (*Record, error) {
	row := h.db.QueryRow(`
		SELECT id, key, url, filename, status, total_size, downloaded, started_at, finished_at
		FROM downloads WHERE id = ?
	`, id)

	var r Record
	var filename sql.NullString
	var finishedAt sql.NullInt64
	if err := row.Scan(&r.ID, &r.Key, &r.URL, &filename, &r.Status, &r.TotalSize, &r.Downloaded, &r.StartedAt, &finishedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	if filename.Valid {
		r.Filename = filename.String
	}
	if finishedAt.Valid {
		r.FinishedAt = finishedAt.Int64
	}
	return &r, nil
}

func (h *History) Close() error {
	return h.db.Close()
}

package trafficlog

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/glebarez/go-sqlite"
)

// sqliteIndex provides fast queries (by service, channel, status code) over
// the traffic log; there is no time-range filter. The JSONL file remains the source of truth; this
// is a queryable projection fully rebuilt every time the JSONL file is
// rewritten.
type sqliteIndex struct {
	db *sql.DB
}

// openIndex opens (or creates) the SQLite index database at path.
func openIndex(path string) (*sqliteIndex, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite traffic index %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			service     TEXT NOT NULL,
			channel     TEXT NOT NULL DEFAULT '',
			method      TEXT NOT NULL DEFAULT '',
			path        TEXT NOT NULL DEFAULT '',
			status_code INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			ts          TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_tl_service ON entries(service);
		CREATE INDEX IF NOT EXISTS idx_tl_channel ON entries(channel);
		CREATE INDEX IF NOT EXISTS idx_tl_status ON entries(status_code);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite traffic index schema: %w", err)
	}

	return &sqliteIndex{db: db}, nil
}

// rebuild replaces the entire projection for service with the given
// entries. Called after every Insert, since the JSONL file it mirrors is
// itself rewritten whole on every insert.
func (idx *sqliteIndex) rebuild(service string, entries []Entry) {
	tx, err := idx.db.Begin()
	if err != nil {
		slog.Error("traffic index rebuild: begin failed", "error", err)
		return
	}

	if _, err := tx.Exec("DELETE FROM entries WHERE service = ?", service); err != nil {
		slog.Error("traffic index rebuild: delete failed", "error", err)
		tx.Rollback()
		return
	}

	stmt, err := tx.Prepare(`INSERT INTO entries (service, channel, method, path, status_code, duration_ms, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		slog.Error("traffic index rebuild: prepare failed", "error", err)
		tx.Rollback()
		return
	}
	for _, e := range entries {
		if _, err := stmt.Exec(e.Service, e.Channel, e.Method, e.Path, e.StatusCode, e.DurationMs, e.Timestamp); err != nil {
			slog.Error("traffic index rebuild: insert failed", "error", err)
		}
	}
	stmt.Close()

	if err := tx.Commit(); err != nil {
		slog.Error("traffic index rebuild: commit failed", "error", err)
	}
}

// QueryParams filters a traffic-index query.
type QueryParams struct {
	Service    string
	Channel    string
	StatusCode int
	Limit      int
}

// IndexedEntry is a lightweight row from the SQLite projection, used for
// fast filtered listing without decoding every JSONL line.
type IndexedEntry struct {
	Service    string `json:"service"`
	Channel    string `json:"channel"`
	Method     string `json:"method"`
	Path       string `json:"path"`
	StatusCode int    `json:"status_code"`
	DurationMs int64  `json:"duration_ms"`
	Timestamp  string `json:"timestamp"`
}

// query runs a filtered read against the SQLite projection.
func (idx *sqliteIndex) query(params QueryParams) ([]IndexedEntry, error) {
	q := "SELECT service, channel, method, path, status_code, duration_ms, ts FROM entries WHERE 1=1"
	var args []any

	if params.Service != "" {
		q += " AND service = ?"
		args = append(args, params.Service)
	}
	if params.Channel != "" {
		q += " AND channel = ?"
		args = append(args, params.Channel)
	}
	if params.StatusCode != 0 {
		q += " AND status_code = ?"
		args = append(args, params.StatusCode)
	}
	q += " ORDER BY id DESC"
	if params.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, params.Limit)
	}

	rows, err := idx.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sqlite traffic index: %w", err)
	}
	defer rows.Close()

	var out []IndexedEntry
	for rows.Next() {
		var e IndexedEntry
		if err := rows.Scan(&e.Service, &e.Channel, &e.Method, &e.Path, &e.StatusCode, &e.DurationMs, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning sqlite traffic index row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (idx *sqliteIndex) close() error {
	return idx.db.Close()
}

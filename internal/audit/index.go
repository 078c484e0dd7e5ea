package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "github.com/glebarez/go-sqlite"
)

// sqliteIndex is a queryable projection of the JSONL files. The JSONL
// files are the source of truth; the index can be rebuilt from them.
type sqliteIndex struct {
	db *sql.DB
}

const entryColumns = "seq, ts, session, kind, tool, target, decision, cause, rule, reason, payload, prev_hash, hash"

// openIndex opens (or creates) the SQLite index database.
func openIndex(path string) (*sqliteIndex, error) {
	// WAL lets `pai audit tail` read while `pai serve` writes.
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite index %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			seq        INTEGER PRIMARY KEY,
			ts         TEXT NOT NULL,
			session    TEXT NOT NULL DEFAULT '',
			kind       TEXT NOT NULL DEFAULT '',
			tool       TEXT NOT NULL DEFAULT '',
			target     TEXT NOT NULL DEFAULT '',
			decision   TEXT NOT NULL DEFAULT '',
			cause      TEXT NOT NULL DEFAULT '',
			rule       TEXT NOT NULL DEFAULT '',
			reason     TEXT NOT NULL DEFAULT '',
			payload    TEXT NOT NULL DEFAULT '',
			prev_hash  TEXT NOT NULL DEFAULT '',
			hash       TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_session ON entries(session);
		CREATE INDEX IF NOT EXISTS idx_kind ON entries(kind);
		CREATE INDEX IF NOT EXISTS idx_decision ON entries(decision);
		CREATE INDEX IF NOT EXISTS idx_ts ON entries(ts);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}

	return &sqliteIndex{db: db}, nil
}

// insert adds an entry to the index. Errors are logged; the JSONL write
// has already succeeded.
func (idx *sqliteIndex) insert(e *Entry) {
	payload := ""
	if len(e.Payload) > 0 {
		data, _ := json.Marshal(e.Payload)
		payload = string(data)
	}

	_, err := idx.db.Exec(
		`INSERT OR REPLACE INTO entries (`+entryColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Seq, e.Timestamp, e.Session, e.Kind, e.Tool, e.Target,
		e.Decision, e.Cause, e.Rule, e.Reason, payload, e.PrevHash, e.Hash,
	)
	if err != nil {
		slog.Error("sqlite index insert failed", "seq", e.Seq, "error", err)
	}
}

// query returns entries matching params, newest first.
func (idx *sqliteIndex) query(params QueryParams) ([]Entry, error) {
	query := "SELECT " + entryColumns + " FROM entries WHERE 1=1"
	var args []any

	if params.Session != "" {
		query += " AND session = ?"
		args = append(args, params.Session)
	}
	if params.Kind != "" {
		query += " AND kind = ?"
		args = append(args, params.Kind)
	}
	if params.Decision != "" {
		query += " AND decision = ?"
		args = append(args, params.Decision)
	}
	if params.Since != "" {
		query += " AND ts >= ?"
		args = append(args, params.Since)
	}

	query += " ORDER BY seq DESC"

	if params.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, params.Limit)
	}

	rows, err := idx.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sqlite index: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var payload string
		err := rows.Scan(
			&e.Seq, &e.Timestamp, &e.Session, &e.Kind, &e.Tool, &e.Target,
			&e.Decision, &e.Cause, &e.Rule, &e.Reason, &payload,
			&e.PrevHash, &e.Hash,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning sqlite row: %w", err)
		}
		if payload != "" {
			if jsonErr := json.Unmarshal([]byte(payload), &e.Payload); jsonErr != nil {
				slog.Warn("unreadable payload in audit index", "seq", e.Seq, "error", jsonErr)
			}
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// tail returns the N most recent entries.
func (idx *sqliteIndex) tail(limit int) ([]Entry, error) {
	return idx.query(QueryParams{Limit: limit})
}

// counts returns the number of entries per kind.
func (idx *sqliteIndex) counts() (map[string]int, error) {
	rows, err := idx.db.Query("SELECT kind, COUNT(*) FROM entries GROUP BY kind")
	if err != nil {
		return nil, fmt.Errorf("counting audit entries: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scanning count row: %w", err)
		}
		out[kind] = n
	}
	return out, rows.Err()
}

// lastSeq returns the highest sequence number in the index, or 0.
func (idx *sqliteIndex) lastSeq() uint64 {
	var seq sql.NullInt64
	err := idx.db.QueryRow("SELECT MAX(seq) FROM entries").Scan(&seq)
	if err != nil || !seq.Valid {
		return 0
	}
	return uint64(seq.Int64)
}

func (idx *sqliteIndex) close() error {
	return idx.db.Close()
}

// Package tracedb indexes merged event logs in SQLite so a run can be
// queried offline: per-task timelines, event counts and messages that were
// sent but never received.
package tracedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/chazu/grex/eventlog"
	"github.com/chazu/grex/heap"
	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// ErrUnknownRun indicates no run with the requested key was imported.
var ErrUnknownRun = errors.New("tracedb: unknown run")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	key       TEXT PRIMARY KEY,
	version   INTEGER NOT NULL,
	groupsize INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
	run      TEXT    NOT NULL REFERENCES runs(key),
	position INTEGER NOT NULL,
	time     INTEGER NOT NULL,
	tid      INTEGER NOT NULL,
	kind     INTEGER NOT NULL,
	tag      INTEGER NOT NULL,
	peer     INTEGER NOT NULL,
	seq      INTEGER NOT NULL,
	addr_tid INTEGER NOT NULL,
	addr_lid INTEGER NOT NULL,
	PRIMARY KEY (run, position)
);
CREATE INDEX IF NOT EXISTS events_by_task ON events (run, tid, position);
CREATE INDEX IF NOT EXISTS events_by_message ON events (run, kind, tid, peer, seq);
`

// DB is an open trace database.
type DB struct {
	db *sql.DB
}

// Run summarizes one imported run.
type Run struct {
	Key       string
	Version   uint16
	GroupSize int32
	Events    int
}

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A pooled connection to ":memory:" would see an empty database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// RunKey formats a header key the way runs are stored.
func RunKey(key [16]byte) string {
	return uuid.UUID(key).String()
}

// Import stores a merged timeline, replacing any earlier import of the
// same run, and returns the run key.
func (d *DB) Import(ctx context.Context, h eventlog.Header, events []eventlog.Event) (string, error) {
	key := RunKey(h.Key)
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("tracedb: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{`DELETE FROM events WHERE run = ?`, `DELETE FROM runs WHERE key = ?`} {
		if _, err := tx.ExecContext(ctx, q, key); err != nil {
			return "", fmt.Errorf("tracedb: replacing run %s: %w", key, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO runs (key, version, groupsize) VALUES (?, ?, ?)`,
		key, h.Version, h.GroupSize); err != nil {
		return "", fmt.Errorf("tracedb: inserting run %s: %w", key, err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO events
		(run, position, time, tid, kind, tag, peer, seq, addr_tid, addr_lid)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", fmt.Errorf("tracedb: %w", err)
	}
	defer stmt.Close()
	for i, e := range events {
		if _, err := stmt.ExecContext(ctx, key, i, e.Time, e.Tid, e.Kind, e.Tag, e.Peer,
			int64(e.Seq), e.Addr.Tid, e.Addr.Lid); err != nil {
			return "", fmt.Errorf("tracedb: inserting event %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("tracedb: %w", err)
	}
	return key, nil
}

// ImportDir merges the logs in dir and imports them.
func (d *DB) ImportDir(ctx context.Context, dir string) (string, error) {
	h, events, err := eventlog.MergeDir(dir)
	if err != nil {
		return "", err
	}
	return d.Import(ctx, h, events)
}

// Runs lists the imported runs.
func (d *DB) Runs(ctx context.Context) ([]Run, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT r.key, r.version, r.groupsize, COUNT(e.position)
		FROM runs r LEFT JOIN events e ON e.run = r.key
		GROUP BY r.key ORDER BY r.key`)
	if err != nil {
		return nil, fmt.Errorf("tracedb: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.Key, &r.Version, &r.GroupSize, &r.Events); err != nil {
			return nil, fmt.Errorf("tracedb: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (d *DB) checkRun(ctx context.Context, run string) error {
	var n int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE key = ?`, run).Scan(&n)
	if err != nil {
		return fmt.Errorf("tracedb: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownRun, run)
	}
	return nil
}

const eventColumns = `time, tid, kind, tag, peer, seq, addr_tid, addr_lid`

func scanEvents(rows *sql.Rows) ([]eventlog.Event, error) {
	defer rows.Close()
	var out []eventlog.Event
	for rows.Next() {
		var (
			e   eventlog.Event
			seq int64
			a   heap.Address
		)
		if err := rows.Scan(&e.Time, &e.Tid, &e.Kind, &e.Tag, &e.Peer, &seq, &a.Tid, &a.Lid); err != nil {
			return nil, fmt.Errorf("tracedb: %w", err)
		}
		e.Seq = uint64(seq)
		e.Addr = a
		out = append(out, e)
	}
	return out, rows.Err()
}

// Events returns run's timeline in merge order, restricted to task tid
// unless tid is negative.
func (d *DB) Events(ctx context.Context, run string, tid int32) ([]eventlog.Event, error) {
	if err := d.checkRun(ctx, run); err != nil {
		return nil, err
	}
	rows, err := d.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM events
		WHERE run = ? AND (? < 0 OR tid = ?) ORDER BY position`, run, tid, tid)
	if err != nil {
		return nil, fmt.Errorf("tracedb: %w", err)
	}
	return scanEvents(rows)
}

// CountByKind returns how many events of each kind run logged.
func (d *DB) CountByKind(ctx context.Context, run string) (map[eventlog.Kind]int, error) {
	if err := d.checkRun(ctx, run); err != nil {
		return nil, err
	}
	rows, err := d.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM events WHERE run = ? GROUP BY kind`, run)
	if err != nil {
		return nil, fmt.Errorf("tracedb: %w", err)
	}
	defer rows.Close()

	out := make(map[eventlog.Kind]int)
	for rows.Next() {
		var (
			k eventlog.Kind
			n int
		)
		if err := rows.Scan(&k, &n); err != nil {
			return nil, fmt.Errorf("tracedb: %w", err)
		}
		out[k] = n
	}
	return out, rows.Err()
}

// Unmatched returns the task-to-task sends of run with no matching
// receive: the messages still on the wire when the logs ended.
func (d *DB) Unmatched(ctx context.Context, run string) ([]eventlog.Event, error) {
	if err := d.checkRun(ctx, run); err != nil {
		return nil, err
	}
	rows, err := d.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM events s
		WHERE s.run = ? AND s.kind = ? AND s.peer >= 0 AND NOT EXISTS (
			SELECT 1 FROM events r
			WHERE r.run = s.run AND r.kind = ? AND r.tid = s.peer
			  AND r.peer = s.tid AND r.seq = s.seq AND r.tag = s.tag)
		ORDER BY s.position`, run, eventlog.Send, eventlog.Receive)
	if err != nil {
		return nil, fmt.Errorf("tracedb: %w", err)
	}
	return scanEvents(rows)
}

// Package duckdb stores shipped lines in a local DuckDB database, for
// hosts that keep a queryable archive instead of forwarding.
package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/tinytelemetry/otter/internal/model"
	"github.com/tinytelemetry/otter/internal/sink"
	"github.com/tinytelemetry/otter/internal/sink/duckdb/migrate"
)

const insertLine = `INSERT INTO lines (ts, source, host, message, fields, seq) VALUES (?, ?, ?, ?, ?, ?)`

// Transport inserts one row per line, a record per transaction.
type Transport struct {
	*sink.Handle
	path string

	mu sync.Mutex
	db *sql.DB
}

// New returns a disconnected transport for the database at path. An
// empty path opens an in-memory database.
func New(path string, opts sink.Options) *Transport {
	return &Transport{Handle: sink.NewHandle("duckdb", opts), path: path}
}

func (t *Transport) Connect(ctx context.Context) error {
	t.release()
	return t.Establish(ctx, func(ctx context.Context) error {
		if t.path != "" {
			if err := os.MkdirAll(filepath.Dir(t.path), 0755); err != nil {
				return err
			}
		}
		db, err := sql.Open("duckdb", t.path)
		if err != nil {
			return err
		}
		if err := migrate.NewRunner(db).Run(ctx); err != nil {
			db.Close()
			return err
		}
		t.mu.Lock()
		t.db = db
		t.mu.Unlock()
		return nil
	})
}

func (t *Transport) Reconnect(ctx context.Context) error {
	if t.Valid() {
		return nil
	}
	return t.Connect(ctx)
}

func (t *Transport) Send(ctx context.Context, rec model.Record) error {
	t.mu.Lock()
	db := t.db
	t.mu.Unlock()
	if db == nil || !t.Valid() {
		t.Invalidate()
		return t.Report("send", sink.ErrNotConnected)
	}

	var fields sql.NullString
	if len(rec.Fields) > 0 {
		b, err := json.Marshal(rec.Fields)
		if err != nil {
			return err
		}
		fields = sql.NullString{String: string(b), Valid: true}
	}
	var seq sql.NullInt64
	if rec.Seq > 0 {
		seq = sql.NullInt64{Int64: int64(rec.Seq), Valid: true}
	}
	f := t.Formatter()
	ts := f.Timestamp(rec)

	err := t.inTx(ctx, db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, insertLine)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, l := range rec.Lines {
			if _, err := stmt.ExecContext(ctx, ts, rec.Source, f.Hostname, l, fields, seq); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Invalidate()
		return t.Report("send", err)
	}
	return nil
}

func (t *Transport) inTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Count returns the number of stored lines for source, or all lines when
// source is empty.
func (t *Transport) Count(ctx context.Context, source string) (int64, error) {
	t.mu.Lock()
	db := t.db
	t.mu.Unlock()
	if db == nil {
		return 0, sink.ErrNotConnected
	}
	var n int64
	err := db.QueryRowContext(ctx, `SELECT count(*) FROM lines WHERE ? = '' OR source = ?`, source, source).Scan(&n)
	return n, err
}

func (t *Transport) Invalidate() {
	t.SetState(sink.Invalidated)
	t.release()
}

func (t *Transport) Close() error {
	t.SetState(sink.Disconnected)
	return t.release()
}

func (t *Transport) release() error {
	t.mu.Lock()
	db := t.db
	t.db = nil
	t.mu.Unlock()
	if db == nil {
		return nil
	}
	return db.Close()
}

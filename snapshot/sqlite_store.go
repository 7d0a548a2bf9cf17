package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/blockberries/graphberry/wal"
)

// SQLiteFileName is the database file created inside the snapshot dir
const SQLiteFileName = "snapshots.db"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	seg        INTEGER NOT NULL,
	off        INTEGER NOT NULL,
	last_seq   INTEGER NOT NULL,
	data       BLOB    NOT NULL,
	PRIMARY KEY (seg, off, last_seq)
)`

// SQLiteStore keeps snapshots in an SQLite database
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens or creates the snapshot database in dir
func OpenSQLiteStore(dir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, snapshotDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return openSQLite(filepath.Join(dir, SQLiteFileName))
}

func openSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one connection keeps pragmas and in-memory databases consistent
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 10000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Save implements Store
func (s *SQLiteStore) Save(ctx context.Context, meta Meta, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO snapshots (seg, off, last_seq, data) VALUES (?, ?, ?, ?)`,
		meta.Position.Segment, meta.Position.Offset, meta.LastSeq, data)
	return err
}

// Load implements Store
func (s *SQLiteStore) Load(ctx context.Context, meta Meta) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM snapshots WHERE seg = ? AND off = ? AND last_seq = ?`,
		meta.Position.Segment, meta.Position.Offset, meta.LastSeq).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	return data, err
}

// List implements Store
func (s *SQLiteStore) List(ctx context.Context) ([]Meta, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seg, off, last_seq FROM snapshots ORDER BY seg DESC, off DESC, last_seq DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var metas []Meta
	for rows.Next() {
		var seg int
		var off int64
		var seq uint64
		if err := rows.Scan(&seg, &off, &seq); err != nil {
			return nil, err
		}
		metas = append(metas, Meta{Position: wal.Position{Segment: seg, Offset: off}, LastSeq: seq})
	}
	return metas, rows.Err()
}

// Delete implements Store
func (s *SQLiteStore) Delete(ctx context.Context, meta Meta) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE seg = ? AND off = ? AND last_seq = ?`,
		meta.Position.Segment, meta.Position.Offset, meta.LastSeq)
	return err
}

// Close implements Store
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)

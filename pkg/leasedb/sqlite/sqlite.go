package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/veesix-networks/osdhcpc/pkg/leasedb"
)

type Store struct {
	db *sql.DB
}

var _ leasedb.Store = (*Store)(nil)

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %s: %w", p, err)
		}
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS leases (
			iface TEXT NOT NULL PRIMARY KEY,
			value BLOB NOT NULL,
			updated_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
		)
	`)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Save(ctx context.Context, rec *leasedb.Record) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode lease record: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO leases (iface, value, updated_at)
		VALUES (?, ?, strftime('%s', 'now'))
		ON CONFLICT(iface) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, rec.Interface, value)
	return err
}

func (s *Store) Load(ctx context.Context, iface string) (*leasedb.Record, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM leases WHERE iface = ?
	`, iface).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rec := &leasedb.Record{}
	if err := json.Unmarshal(value, rec); err != nil {
		return nil, fmt.Errorf("decode lease record: %w", err)
	}
	return rec, nil
}

func (s *Store) Delete(ctx context.Context, iface string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM leases WHERE iface = ?
	`, iface)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

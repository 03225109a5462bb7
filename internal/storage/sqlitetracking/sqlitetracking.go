// Package sqlitetracking is the single-file storage engine used for local
// runs and tests. It mirrors pgtracking's method set on database/sql.
package sqlitetracking

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type Storage struct {
	db  *sql.DB
	now func() time.Time
}

// New opens (or creates) the database at path. ":memory:" is accepted.
func New(path string) (*Storage, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// sqlite пишет одним writer'ом; для :memory: это ещё и одна БД на соединение
	db.SetMaxOpenConns(1)

	s := &Storage{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock used for created_at/updated_at.
func (s *Storage) WithClock(now func() time.Time) *Storage {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Storage) Ping(ctx context.Context) error {
	return errors.Wrap(s.db.PingContext(ctx), "ping sqlite")
}

func (s *Storage) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS orders (
  id INTEGER PRIMARY KEY,
  status TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  shipping_method TEXT NOT NULL DEFAULT '',
  tracking_number TEXT NOT NULL DEFAULT '',
  tracking_payload TEXT NULL,
  updated_at INTEGER NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status_created_at ON orders(status, created_at)`,
		`
CREATE TABLE IF NOT EXISTS tracking_data (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  order_id INTEGER NOT NULL UNIQUE,
  tracking_number TEXT NOT NULL,
  data_json TEXT NOT NULL,
  latest_status TEXT NOT NULL DEFAULT 'unknown',
  last_updated INTEGER NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_tracking_data_latest_status ON tracking_data(latest_status)`,
		`CREATE INDEX IF NOT EXISTS idx_tracking_data_tracking_number ON tracking_data(tracking_number)`,
		`CREATE INDEX IF NOT EXISTS idx_tracking_data_last_updated ON tracking_data(last_updated)`,
	}

	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}

func toUnix(t time.Time) int64 { return t.UTC().UnixNano() }

func fromUnix(n int64) time.Time { return time.Unix(0, n).UTC() }

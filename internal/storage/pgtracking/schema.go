package pgtracking

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS orders (
  id BIGINT PRIMARY KEY,
  status TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  shipping_method TEXT NOT NULL DEFAULT '',
  tracking_number TEXT NOT NULL DEFAULT '',
  tracking_payload JSONB NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status_created_at ON orders(status, created_at)`,
		`
CREATE TABLE IF NOT EXISTS tracking_data (
  id BIGSERIAL PRIMARY KEY,
  order_id BIGINT NOT NULL,
  tracking_number TEXT NOT NULL,
  data_json JSONB NOT NULL,
  latest_status TEXT NOT NULL DEFAULT 'unknown',
  last_updated TIMESTAMPTZ NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  UNIQUE (order_id)
)`,
		`CREATE INDEX IF NOT EXISTS idx_tracking_data_latest_status ON tracking_data(latest_status)`,
		`CREATE INDEX IF NOT EXISTS idx_tracking_data_tracking_number ON tracking_data(tracking_number)`,
		`CREATE INDEX IF NOT EXISTS idx_tracking_data_last_updated ON tracking_data(last_updated)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}

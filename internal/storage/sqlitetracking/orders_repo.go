package sqlitetracking

import (
	"context"
	"database/sql"
	"strings"

	"github.com/BearBump/ParcelSync/internal/models"
	"github.com/pkg/errors"
)

const orderColumns = `o.id, o.status, o.created_at, o.shipping_method, o.tracking_number, o.tracking_payload`

func (s *Storage) SaveOrder(ctx context.Context, o models.Order) error {
	var payload any
	if len(o.TrackingPayload) > 0 {
		payload = string(o.TrackingPayload)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO orders (id, status, created_at, shipping_method, tracking_number, tracking_payload, updated_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT (id)
DO UPDATE SET
  status = excluded.status,
  created_at = excluded.created_at,
  shipping_method = excluded.shipping_method,
  tracking_number = excluded.tracking_number,
  tracking_payload = excluded.tracking_payload,
  updated_at = excluded.updated_at
`, o.ID, o.Status, toUnix(o.CreatedAt), o.ShippingMethod, o.TrackingNumber, payload, toUnix(s.now()))
	return errors.Wrap(err, "save order")
}

func (s *Storage) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	o, err := scanOrder(s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders o WHERE o.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Storage) SetTrackingNumber(ctx context.Context, id int64, value string) error {
	return s.updateOrder(ctx, `UPDATE orders SET tracking_number = ?, updated_at = ? WHERE id = ?`, id, value)
}

func (s *Storage) MarkStatus(ctx context.Context, id int64, status string) error {
	return s.updateOrder(ctx, `UPDATE orders SET status = ?, updated_at = ? WHERE id = ?`, id, status)
}

func (s *Storage) updateOrder(ctx context.Context, q string, id int64, value string) error {
	res, err := s.db.ExecContext(ctx, q, value, toUnix(s.now()), id)
	if err != nil {
		return errors.Wrap(err, "update order")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return models.ErrOrderNotFound
	}
	return nil
}

// SelectCandidates returns ids of orders needing a fetch, ascending.
// Each enabled status becomes one OR branch with its own cutoff.
func (s *Storage) SelectCandidates(ctx context.Context, c models.SelectionCriteria) ([]int64, error) {
	if c.Now.IsZero() {
		c.Now = s.now()
	}

	var branches []string
	var args []any
	seen := make(map[string]struct{}, len(c.Statuses))
	for _, f := range c.Statuses {
		if f.Status == "" {
			continue
		}
		if _, ok := seen[f.Status]; ok {
			continue
		}
		seen[f.Status] = struct{}{}
		if cutoff := f.Cutoff(c.Now); cutoff != nil {
			branches = append(branches, "(o.status = ? AND o.created_at >= ?)")
			args = append(args, f.Status, toUnix(*cutoff))
		} else {
			branches = append(branches, "(o.status = ?)")
			args = append(args, f.Status)
		}
	}
	if len(branches) == 0 {
		return []int64{}, nil
	}

	q := `
SELECT o.id
FROM orders o
LEFT JOIN tracking_data td ON td.order_id = o.id
WHERE o.tracking_number <> ''
  AND (` + strings.Join(branches, " OR ") + `)`
	if c.Mode == models.ModeUnfetched {
		q += `
  AND td.order_id IS NULL`
	}
	if c.ExcludeDelivered {
		q += `
  AND (td.latest_status IS NULL OR td.latest_status <> 'delivered')`
	}
	q += `
ORDER BY o.id ASC`
	if c.Limit > 0 {
		q += `
LIMIT ?`
		args = append(args, c.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "select candidates")
	}
	defer rows.Close()

	out := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan candidate")
		}
		out = append(out, id)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) ListLegacyPayloads(ctx context.Context, limit int) ([]models.Order, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+orderColumns+`
FROM orders o
LEFT JOIN tracking_data td ON td.order_id = o.id
WHERE td.order_id IS NULL AND o.tracking_payload IS NOT NULL
ORDER BY o.id ASC
LIMIT ?
`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select legacy payloads")
	}
	defer rows.Close()

	var out []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var o models.Order
	var createdAt int64
	var payload sql.NullString
	if err := row.Scan(&o.ID, &o.Status, &createdAt, &o.ShippingMethod, &o.TrackingNumber, &payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "scan order")
	}
	o.CreatedAt = fromUnix(createdAt)
	if payload.Valid {
		o.TrackingPayload = []byte(payload.String)
	}
	return &o, nil
}

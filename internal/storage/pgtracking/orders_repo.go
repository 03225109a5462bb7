package pgtracking

import (
	"context"
	"time"

	"github.com/BearBump/ParcelSync/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const orderColumns = `id, status, created_at, shipping_method, tracking_number, tracking_payload`

// SaveOrder inserts or replaces the order row. The shop owns orders; this is
// the write side of the adapter used by imports and tests.
func (s *Storage) SaveOrder(ctx context.Context, o models.Order) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO orders (id, status, created_at, shipping_method, tracking_number, tracking_payload, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (id)
DO UPDATE SET
  status = EXCLUDED.status,
  created_at = EXCLUDED.created_at,
  shipping_method = EXCLUDED.shipping_method,
  tracking_number = EXCLUDED.tracking_number,
  tracking_payload = EXCLUDED.tracking_payload,
  updated_at = EXCLUDED.updated_at
`, o.ID, o.Status, o.CreatedAt.UTC(), o.ShippingMethod, o.TrackingNumber, nullJSON(o.TrackingPayload), s.now())
	return errors.Wrap(err, "save order")
}

func (s *Storage) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	o, err := scanOrder(s.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Storage) SetTrackingNumber(ctx context.Context, id int64, value string) error {
	return s.updateOrder(ctx, `UPDATE orders SET tracking_number = $2, updated_at = $3 WHERE id = $1`, id, value)
}

func (s *Storage) MarkStatus(ctx context.Context, id int64, status string) error {
	return s.updateOrder(ctx, `UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1`, id, status)
}

func (s *Storage) updateOrder(ctx context.Context, q string, id int64, value string) error {
	tag, err := s.db.Exec(ctx, q, id, value, s.now())
	if err != nil {
		return errors.Wrap(err, "update order")
	}
	if tag.RowsAffected() == 0 {
		return models.ErrOrderNotFound
	}
	return nil
}

// SelectCandidates returns ids of orders needing a fetch, ascending, capped
// at c.Limit (0 = no cap). Each enabled status carries its own cutoff.
func (s *Storage) SelectCandidates(ctx context.Context, c models.SelectionCriteria) ([]int64, error) {
	if c.Now.IsZero() {
		c.Now = s.now()
	}
	statuses, cutoffs := filterArrays(c)
	if len(statuses) == 0 {
		return []int64{}, nil
	}

	var limit *int64
	if c.Limit > 0 {
		l := int64(c.Limit)
		limit = &l
	}

	rows, err := s.db.Query(ctx, `
SELECT o.id
FROM orders o
JOIN unnest($1::text[], $2::timestamptz[]) AS f(status, cutoff) ON f.status = o.status
LEFT JOIN tracking_data td ON td.order_id = o.id
WHERE o.tracking_number <> ''
  AND (f.cutoff IS NULL OR o.created_at >= f.cutoff)
  AND (NOT $3::bool OR td.order_id IS NULL)
  AND (NOT $4::bool OR td.latest_status IS DISTINCT FROM 'delivered')
ORDER BY o.id ASC
LIMIT $5
`, statuses, cutoffs, c.Mode == models.ModeUnfetched, c.ExcludeDelivered, limit)
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

// ListLegacyPayloads returns orders that still carry a feed in the old
// tracking_payload slot and have no tracking record yet.
func (s *Storage) ListLegacyPayloads(ctx context.Context, limit int) ([]models.Order, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.Query(ctx, `
SELECT o.id, o.status, o.created_at, o.shipping_method, o.tracking_number, o.tracking_payload
FROM orders o
LEFT JOIN tracking_data td ON td.order_id = o.id
WHERE td.order_id IS NULL AND o.tracking_payload IS NOT NULL
ORDER BY o.id ASC
LIMIT $1
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

func scanOrder(row pgx.Row) (*models.Order, error) {
	var o models.Order
	var createdAt time.Time
	if err := row.Scan(&o.ID, &o.Status, &createdAt, &o.ShippingMethod, &o.TrackingNumber, &o.TrackingPayload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "scan order")
	}
	o.CreatedAt = createdAt.UTC()
	return &o, nil
}

// filterArrays flattens the status filters into parallel arrays for unnest.
// A status listed twice keeps its first age limit.
func filterArrays(c models.SelectionCriteria) ([]string, []*time.Time) {
	seen := make(map[string]struct{}, len(c.Statuses))
	statuses := make([]string, 0, len(c.Statuses))
	cutoffs := make([]*time.Time, 0, len(c.Statuses))
	for _, f := range c.Statuses {
		if f.Status == "" {
			continue
		}
		if _, ok := seen[f.Status]; ok {
			continue
		}
		seen[f.Status] = struct{}{}
		statuses = append(statuses, f.Status)
		cutoffs = append(cutoffs, f.Cutoff(c.Now))
	}
	return statuses, cutoffs
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

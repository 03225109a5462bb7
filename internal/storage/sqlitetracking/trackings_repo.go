package sqlitetracking

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/BearBump/ParcelSync/internal/models"
	"github.com/pkg/errors"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// UpsertTracking replaces the stored record for the order. A stored
// "delivered" status is kept; the status actually stored is returned.
func (s *Storage) UpsertTracking(ctx context.Context, rec *models.TrackingRecord) (models.Status, error) {
	data, err := json.Marshal(rec.Payload())
	if err != nil {
		return "", errors.Wrap(err, "marshal tracking payload")
	}
	now := toUnix(s.now())

	var stored string
	err = s.db.QueryRowContext(ctx, `
INSERT INTO tracking_data (
  order_id, tracking_number, data_json, latest_status, last_updated, created_at, updated_at
)
VALUES (?1,?2,?3,?4,?5,?6,?6)
ON CONFLICT (order_id)
DO UPDATE SET
  tracking_number = excluded.tracking_number,
  data_json = excluded.data_json,
  latest_status = CASE
    WHEN tracking_data.latest_status = 'delivered' THEN 'delivered'
    ELSE excluded.latest_status
  END,
  last_updated = excluded.last_updated,
  updated_at = CASE
    WHEN tracking_data.data_json = excluded.data_json
     AND tracking_data.tracking_number = excluded.tracking_number
     AND tracking_data.last_updated = excluded.last_updated
     AND (tracking_data.latest_status = excluded.latest_status OR tracking_data.latest_status = 'delivered')
    THEN tracking_data.updated_at
    ELSE excluded.updated_at
  END
RETURNING latest_status
`, rec.OrderID, rec.TrackingNumber, string(data), string(rec.LatestStatus), toUnix(rec.LastUpdated), now).Scan(&stored)
	if err != nil {
		return "", errors.Wrap(err, "upsert tracking")
	}
	return models.Status(stored), nil
}

func (s *Storage) GetTracking(ctx context.Context, orderID int64) (*models.TrackingRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT order_id, tracking_number, data_json, latest_status, last_updated, created_at, updated_at
FROM tracking_data
WHERE order_id = ?
`, orderID)

	rec, err := scanTracking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrTrackingNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Storage) GetTrackingStatus(ctx context.Context, orderID int64) (models.Status, error) {
	var st string
	err := s.db.QueryRowContext(ctx, `SELECT latest_status FROM tracking_data WHERE order_id = ?`, orderID).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return "", models.ErrTrackingNotFound
	}
	if err != nil {
		return "", errors.Wrap(err, "select tracking status")
	}
	return models.Status(st), nil
}

func (s *Storage) CountByStatus(ctx context.Context) (map[models.Status]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT latest_status, count(*) FROM tracking_data GROUP BY latest_status`)
	if err != nil {
		return nil, errors.Wrap(err, "count by status")
	}
	defer rows.Close()

	out := make(map[models.Status]int64)
	for rows.Next() {
		var st string
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, errors.Wrap(err, "scan status count")
		}
		out[models.Status(st)] = n
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// DeleteTrackings removes records matching the scope and returns the order
// ids it removed.
func (s *Storage) DeleteTrackings(ctx context.Context, scope models.CleanupScope) ([]int64, error) {
	if scope.Empty() {
		return []int64{}, nil
	}

	q := `DELETE FROM tracking_data`
	var conds []string
	var args []any
	if !scope.All {
		if len(scope.OrderIDs) > 0 {
			marks := make([]string, len(scope.OrderIDs))
			for i, id := range scope.OrderIDs {
				marks[i] = "?"
				args = append(args, id)
			}
			conds = append(conds, "order_id IN ("+strings.Join(marks, ",")+")")
		}
		if scope.UpdatedBefore != nil {
			args = append(args, toUnix(*scope.UpdatedBefore))
			conds = append(conds, "last_updated < ?")
		}
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " RETURNING order_id"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "delete trackings")
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan deleted id")
		}
		ids = append(ids, id)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return ids, nil
}

func scanTracking(row rowScanner) (*models.TrackingRecord, error) {
	var rec models.TrackingRecord
	var status, data string
	var lastUpdated, createdAt, updatedAt int64
	if err := row.Scan(
		&rec.OrderID, &rec.TrackingNumber, &data, &status,
		&lastUpdated, &createdAt, &updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "scan tracking")
	}
	rec.LatestStatus = models.Status(status)
	rec.LastUpdated = fromUnix(lastUpdated)
	rec.CreatedAt = fromUnix(createdAt)
	rec.UpdatedAt = fromUnix(updatedAt)

	var p models.Payload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, errors.Wrap(err, "decode tracking payload")
	}
	rec.ApplyPayload(p)
	return &rec, nil
}

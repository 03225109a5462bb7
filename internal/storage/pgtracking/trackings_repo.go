package pgtracking

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/BearBump/ParcelSync/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// UpsertTracking replaces the stored record for the order in one statement.
// A stored "delivered" status is never downgraded; the status actually
// stored is returned. updated_at only moves when the content changes.
func (s *Storage) UpsertTracking(ctx context.Context, rec *models.TrackingRecord) (models.Status, error) {
	data, err := json.Marshal(rec.Payload())
	if err != nil {
		return "", errors.Wrap(err, "marshal tracking payload")
	}
	now := s.now()

	var stored string
	err = s.db.QueryRow(ctx, `
INSERT INTO tracking_data (
  order_id, tracking_number, data_json, latest_status, last_updated, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$6)
ON CONFLICT (order_id)
DO UPDATE SET
  tracking_number = EXCLUDED.tracking_number,
  data_json = EXCLUDED.data_json,
  latest_status = CASE
    WHEN tracking_data.latest_status = 'delivered' THEN 'delivered'
    ELSE EXCLUDED.latest_status
  END,
  last_updated = EXCLUDED.last_updated,
  updated_at = CASE
    WHEN tracking_data.data_json = EXCLUDED.data_json
     AND tracking_data.tracking_number = EXCLUDED.tracking_number
     AND tracking_data.last_updated = EXCLUDED.last_updated
     AND (tracking_data.latest_status = EXCLUDED.latest_status OR tracking_data.latest_status = 'delivered')
    THEN tracking_data.updated_at
    ELSE EXCLUDED.updated_at
  END
RETURNING latest_status
`, rec.OrderID, rec.TrackingNumber, data, string(rec.LatestStatus), rec.LastUpdated.UTC(), now).Scan(&stored)
	if err != nil {
		return "", errors.Wrap(err, "upsert tracking")
	}
	return models.Status(stored), nil
}

func (s *Storage) GetTracking(ctx context.Context, orderID int64) (*models.TrackingRecord, error) {
	row := s.db.QueryRow(ctx, `
SELECT order_id, tracking_number, data_json, latest_status, last_updated, created_at, updated_at
FROM tracking_data
WHERE order_id = $1
`, orderID)

	rec, err := scanTracking(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrTrackingNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Storage) GetTrackingStatus(ctx context.Context, orderID int64) (models.Status, error) {
	var st string
	err := s.db.QueryRow(ctx, `SELECT latest_status FROM tracking_data WHERE order_id = $1`, orderID).Scan(&st)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", models.ErrTrackingNotFound
	}
	if err != nil {
		return "", errors.Wrap(err, "select tracking status")
	}
	return models.Status(st), nil
}

func (s *Storage) CountByStatus(ctx context.Context) (map[models.Status]int64, error) {
	rows, err := s.db.Query(ctx, `SELECT latest_status, count(*) FROM tracking_data GROUP BY latest_status`)
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
// ids it removed. Ids and a cutoff narrow each other; an empty scope is a no-op.
func (s *Storage) DeleteTrackings(ctx context.Context, scope models.CleanupScope) ([]int64, error) {
	if scope.Empty() {
		return []int64{}, nil
	}

	q := `DELETE FROM tracking_data`
	var conds []string
	var args []any
	if !scope.All {
		if len(scope.OrderIDs) > 0 {
			args = append(args, scope.OrderIDs)
			conds = append(conds, "order_id = ANY($1)")
		}
		if scope.UpdatedBefore != nil {
			args = append(args, scope.UpdatedBefore.UTC())
			conds = append(conds, "last_updated < $"+strconv.Itoa(len(args)))
		}
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " RETURNING order_id"

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "delete trackings")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, errors.Wrap(err, "delete trackings")
	}
	return ids, nil
}

func scanTracking(row pgx.Row) (*models.TrackingRecord, error) {
	var rec models.TrackingRecord
	var status string
	var data []byte
	if err := row.Scan(
		&rec.OrderID, &rec.TrackingNumber, &data, &status,
		&rec.LastUpdated, &rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "scan tracking")
	}
	rec.LatestStatus = models.Status(status)
	rec.LastUpdated = rec.LastUpdated.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()

	var p models.Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(err, "decode tracking payload")
	}
	rec.ApplyPayload(p)
	for i := range rec.Events {
		rec.Events[i].Timestamp = rec.Events[i].Timestamp.UTC()
	}
	return &rec, nil
}

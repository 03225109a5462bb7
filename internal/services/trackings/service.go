package trackings

import (
	"context"
	"strconv"
	"time"

	"github.com/BearBump/ParcelSync/internal/broker/messages"
	"github.com/BearBump/ParcelSync/internal/cache"
	"github.com/BearBump/ParcelSync/internal/models"
	"github.com/pkg/errors"
)

type Repository interface {
	UpsertTracking(ctx context.Context, rec *models.TrackingRecord) (models.Status, error)
	GetTracking(ctx context.Context, orderID int64) (*models.TrackingRecord, error)
	GetTrackingStatus(ctx context.Context, orderID int64) (models.Status, error)
	CountByStatus(ctx context.Context) (map[models.Status]int64, error)
	DeleteTrackings(ctx context.Context, scope models.CleanupScope) ([]int64, error)
}

// Service is the tracking repository with a best-effort latest-status cache
// in front of it. Cache failures never fail a call.
type Service struct {
	repo      Repository
	cache     cache.BytesCache
	statusTTL time.Duration
}

func New(repo Repository, c cache.BytesCache, statusTTL time.Duration) *Service {
	return &Service{repo: repo, cache: c, statusTTL: statusTTL}
}

func (s *Service) cacheEnabled() bool {
	return s.cache != nil && s.statusTTL > 0
}

// Save upserts the record and returns the status actually stored.
func (s *Service) Save(ctx context.Context, rec *models.TrackingRecord) (models.Status, error) {
	if rec == nil || rec.OrderID <= 0 {
		return "", errors.New("order id is required")
	}
	stored, err := s.repo.UpsertTracking(ctx, rec)
	if err != nil {
		return "", err
	}
	s.remember(ctx, rec.OrderID, stored)
	return stored, nil
}

func (s *Service) Get(ctx context.Context, orderID int64) (*models.TrackingRecord, error) {
	return s.repo.GetTracking(ctx, orderID)
}

// GetStatus reads the latest status, from cache when possible.
func (s *Service) GetStatus(ctx context.Context, orderID int64) (models.Status, error) {
	if s.cacheEnabled() {
		b, ok, err := s.cache.Get(ctx, statusKey(orderID))
		if err == nil && ok {
			if st := models.Status(b); st.Valid() {
				return st, nil
			}
		}
	}

	st, err := s.repo.GetTrackingStatus(ctx, orderID)
	if err != nil {
		return "", err
	}
	s.remember(ctx, orderID, st)
	return st, nil
}

// StoredStatus reads the status straight from the repository. The cache may
// still hold a status for a record that was deleted elsewhere.
func (s *Service) StoredStatus(ctx context.Context, orderID int64) (models.Status, error) {
	return s.repo.GetTrackingStatus(ctx, orderID)
}

func (s *Service) StatusCounts(ctx context.Context) (map[models.Status]int64, error) {
	return s.repo.CountByStatus(ctx)
}

// Delete removes records in scope and evicts their cached statuses.
func (s *Service) Delete(ctx context.Context, scope models.CleanupScope) (int64, error) {
	ids, err := s.repo.DeleteTrackings(ctx, scope)
	if err != nil {
		return 0, err
	}
	if s.cacheEnabled() && len(ids) > 0 {
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = statusKey(id)
		}
		_ = s.cache.Delete(ctx, keys...)
	}
	return int64(len(ids)), nil
}

// ApplyKafkaUpdate refreshes the cached status from a tracking.updated
// message published by another worker.
func (s *Service) ApplyKafkaUpdate(ctx context.Context, msg messages.TrackingUpdated) error {
	if msg.OrderID <= 0 {
		return errors.New("order_id is required")
	}
	st := models.Status(msg.LatestStatus)
	if !st.Valid() {
		return errors.Errorf("unknown status %q", msg.LatestStatus)
	}
	s.remember(ctx, msg.OrderID, st)
	return nil
}

func (s *Service) remember(ctx context.Context, orderID int64, st models.Status) {
	if !s.cacheEnabled() {
		return
	}
	_ = s.cache.Set(ctx, statusKey(orderID), []byte(st), s.statusTTL)
}

func statusKey(orderID int64) string {
	return "tracking:" + strconv.FormatInt(orderID, 10) + ":status"
}

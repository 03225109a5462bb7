package trackings

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BearBump/ParcelSync/internal/broker/messages"
	cachemocks "github.com/BearBump/ParcelSync/internal/cache/mocks"
	"github.com/BearBump/ParcelSync/internal/models"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	trackingsmocks "github.com/BearBump/ParcelSync/internal/services/trackings/mocks"
)

type ServiceSuite struct {
	suite.Suite

	repo  *trackingsmocks.MockRepository
	cache *cachemocks.MockBytesCache
	svc   *Service
}

func (s *ServiceSuite) SetupTest() {
	s.repo = &trackingsmocks.MockRepository{}
	s.cache = &cachemocks.MockBytesCache{}
	s.svc = New(s.repo, s.cache, 10*time.Minute)
}

func (s *ServiceSuite) TestSave_StoresAndCachesStoredStatus() {
	rec := &models.TrackingRecord{OrderID: 7, TrackingNumber: "TN7", LatestStatus: models.StatusEnRoute}

	// репозиторий вернул delivered (sticky), в кэш пишется именно он
	s.repo.On("UpsertTracking", mock.Anything, rec).Return(models.StatusDelivered, nil).Once()
	s.cache.On("Set", mock.Anything, "tracking:7:status", []byte("delivered"), 10*time.Minute).Return(nil).Once()

	st, err := s.svc.Save(context.Background(), rec)
	s.Require().NoError(err)
	s.Require().Equal(models.StatusDelivered, st)
	s.repo.AssertExpectations(s.T())
	s.cache.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestSave_Validation() {
	_, err := s.svc.Save(context.Background(), nil)
	s.Require().Error(err)
	_, err = s.svc.Save(context.Background(), &models.TrackingRecord{})
	s.Require().Error(err)
	s.repo.AssertNotCalled(s.T(), "UpsertTracking", mock.Anything, mock.Anything)
}

func (s *ServiceSuite) TestSave_RepoErrorSkipsCache() {
	want := errors.New("db down")
	rec := &models.TrackingRecord{OrderID: 1}
	s.repo.On("UpsertTracking", mock.Anything, rec).Return(models.Status(""), want).Once()

	_, err := s.svc.Save(context.Background(), rec)
	s.Require().ErrorIs(err, want)
	s.cache.AssertNotCalled(s.T(), "Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func (s *ServiceSuite) TestSave_CacheSetErrorIgnored() {
	rec := &models.TrackingRecord{OrderID: 2}
	s.repo.On("UpsertTracking", mock.Anything, rec).Return(models.StatusSent, nil).Once()
	s.cache.On("Set", mock.Anything, "tracking:2:status", mock.Anything, 10*time.Minute).Return(errors.New("redis down")).Once()

	st, err := s.svc.Save(context.Background(), rec)
	s.Require().NoError(err)
	s.Require().Equal(models.StatusSent, st)
}

func (s *ServiceSuite) TestGetStatus_CacheHit_NoDB() {
	s.cache.On("Get", mock.Anything, "tracking:7:status").Return([]byte("picking"), true, nil).Once()

	st, err := s.svc.GetStatus(context.Background(), 7)
	s.Require().NoError(err)
	s.Require().Equal(models.StatusPicking, st)

	// БД не должна трогаться
	s.repo.AssertNotCalled(s.T(), "GetTrackingStatus", mock.Anything, mock.Anything)
	s.cache.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestGetStatus_CacheMissOrGarbage_GoesToDB() {
	s.cache.On("Get", mock.Anything, "tracking:1:status").Return([]byte(nil), false, nil).Once()
	s.cache.On("Get", mock.Anything, "tracking:2:status").Return([]byte("not-a-status"), true, nil).Once()
	s.cache.On("Get", mock.Anything, "tracking:3:status").Return([]byte(nil), false, errors.New("redis down")).Once()

	for _, id := range []int64{1, 2, 3} {
		s.repo.On("GetTrackingStatus", mock.Anything, id).Return(models.StatusEnRoute, nil).Once()
		s.cache.On("Set", mock.Anything, statusKey(id), []byte("en_route"), 10*time.Minute).Return(nil).Once()

		st, err := s.svc.GetStatus(context.Background(), id)
		s.Require().NoError(err)
		s.Require().Equal(models.StatusEnRoute, st)
	}
	s.repo.AssertExpectations(s.T())
	s.cache.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestGetStatus_NotFound() {
	s.cache.On("Get", mock.Anything, "tracking:9:status").Return([]byte(nil), false, nil).Once()
	s.repo.On("GetTrackingStatus", mock.Anything, int64(9)).Return(models.Status(""), models.ErrTrackingNotFound).Once()

	_, err := s.svc.GetStatus(context.Background(), 9)
	s.Require().ErrorIs(err, models.ErrTrackingNotFound)
	s.cache.AssertNotCalled(s.T(), "Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func (s *ServiceSuite) TestCacheDisabled_TTLZero() {
	// cache есть, но TTL=0 => кэш выключен
	svc := New(s.repo, s.cache, 0)
	s.repo.On("GetTrackingStatus", mock.Anything, int64(1)).Return(models.StatusOther, nil).Once()

	st, err := svc.GetStatus(context.Background(), 1)
	s.Require().NoError(err)
	s.Require().Equal(models.StatusOther, st)
	s.cache.AssertNotCalled(s.T(), "Get", mock.Anything, mock.Anything)
	s.cache.AssertNotCalled(s.T(), "Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func (s *ServiceSuite) TestGet_Passthrough() {
	rec := &models.TrackingRecord{OrderID: 4}
	s.repo.On("GetTracking", mock.Anything, int64(4)).Return(rec, nil).Once()
	s.repo.On("GetTracking", mock.Anything, int64(5)).Return(nil, models.ErrTrackingNotFound).Once()

	got, err := s.svc.Get(context.Background(), 4)
	s.Require().NoError(err)
	s.Require().Same(rec, got)

	_, err = s.svc.Get(context.Background(), 5)
	s.Require().ErrorIs(err, models.ErrTrackingNotFound)
}

func (s *ServiceSuite) TestDelete_EvictsDeletedIDs() {
	scope := models.CleanupScope{All: true}
	s.repo.On("DeleteTrackings", mock.Anything, scope).Return([]int64{3, 8}, nil).Once()
	s.cache.On("Delete", mock.Anything, []string{"tracking:3:status", "tracking:8:status"}).Return(nil).Once()

	n, err := s.svc.Delete(context.Background(), scope)
	s.Require().NoError(err)
	s.Require().Equal(int64(2), n)
	s.cache.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestDelete_NothingDeleted_NoEviction() {
	scope := models.CleanupScope{OrderIDs: []int64{1}}
	s.repo.On("DeleteTrackings", mock.Anything, scope).Return([]int64{}, nil).Once()

	n, err := s.svc.Delete(context.Background(), scope)
	s.Require().NoError(err)
	s.Require().Zero(n)
	s.cache.AssertNotCalled(s.T(), "Delete", mock.Anything, mock.Anything)
}

func (s *ServiceSuite) TestStoredStatus_SkipsCache() {
	s.repo.On("GetTrackingStatus", mock.Anything, int64(6)).Return(models.Status(""), models.ErrTrackingNotFound).Once()

	_, err := s.svc.StoredStatus(context.Background(), 6)
	s.Require().ErrorIs(err, models.ErrTrackingNotFound)
	s.cache.AssertNotCalled(s.T(), "Get", mock.Anything, mock.Anything)
	s.cache.AssertNotCalled(s.T(), "Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func (s *ServiceSuite) TestStatusCounts_Passthrough() {
	counts := map[models.Status]int64{models.StatusDelivered: 3}
	s.repo.On("CountByStatus", mock.Anything).Return(counts, nil).Once()

	got, err := s.svc.StatusCounts(context.Background())
	s.Require().NoError(err)
	s.Require().Equal(counts, got)
}

func (s *ServiceSuite) TestApplyKafkaUpdate() {
	s.Require().Error(s.svc.ApplyKafkaUpdate(context.Background(), messages.TrackingUpdated{}))
	s.Require().Error(s.svc.ApplyKafkaUpdate(context.Background(), messages.TrackingUpdated{OrderID: 1, LatestStatus: "lost"}))

	s.cache.On("Set", mock.Anything, "tracking:10:status", []byte("delivered"), 10*time.Minute).Return(nil).Once()
	s.Require().NoError(s.svc.ApplyKafkaUpdate(context.Background(), messages.TrackingUpdated{
		OrderID:      10,
		LatestStatus: "delivered",
	}))
	s.cache.AssertExpectations(s.T())
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

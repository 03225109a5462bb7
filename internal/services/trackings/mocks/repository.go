package mocks

import (
	"context"

	"github.com/BearBump/ParcelSync/internal/models"
	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) UpsertTracking(ctx context.Context, rec *models.TrackingRecord) (models.Status, error) {
	args := m.Called(ctx, rec)
	return args.Get(0).(models.Status), args.Error(1)
}

func (m *MockRepository) GetTracking(ctx context.Context, orderID int64) (*models.TrackingRecord, error) {
	args := m.Called(ctx, orderID)
	var rec *models.TrackingRecord
	if v := args.Get(0); v != nil {
		rec = v.(*models.TrackingRecord)
	}
	return rec, args.Error(1)
}

func (m *MockRepository) GetTrackingStatus(ctx context.Context, orderID int64) (models.Status, error) {
	args := m.Called(ctx, orderID)
	return args.Get(0).(models.Status), args.Error(1)
}

func (m *MockRepository) CountByStatus(ctx context.Context) (map[models.Status]int64, error) {
	args := m.Called(ctx)
	var out map[models.Status]int64
	if v := args.Get(0); v != nil {
		out = v.(map[models.Status]int64)
	}
	return out, args.Error(1)
}

func (m *MockRepository) DeleteTrackings(ctx context.Context, scope models.CleanupScope) ([]int64, error) {
	args := m.Called(ctx, scope)
	var ids []int64
	if v := args.Get(0); v != nil {
		ids = v.([]int64)
	}
	return ids, args.Error(1)
}

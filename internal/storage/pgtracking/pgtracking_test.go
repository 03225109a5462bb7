package pgtracking

import (
	"context"
	"testing"
	"time"

	"github.com/BearBump/ParcelSync/internal/models"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T) *Storage {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "admin",
			"POSTGRES_PASSWORD": "admin",
			"POSTGRES_DB":       "parcelsync_test",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := "postgres://admin:admin@" + host + ":" + port.Port() + "/parcelsync_test?sslmode=disable"

	// контейнер может слушать порт до готовности сервера
	var st *Storage
	require.Eventually(t, func() bool {
		st, err = New(dsn)
		return err == nil
	}, 30*time.Second, 500*time.Millisecond)
	t.Cleanup(st.Close)
	return st
}

func TestPGTracking_RepoFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("needs docker")
	}
	st := startPostgres(t)
	ctx := context.Background()

	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return now }

	orders := []models.Order{
		{ID: 1, Status: "processing", CreatedAt: now.Add(-24 * time.Hour), TrackingNumber: "TN1"},
		{ID: 2, Status: "processing", CreatedAt: now.Add(-40 * 24 * time.Hour), TrackingNumber: "TN2"},
		{ID: 3, Status: "completed", CreatedAt: now.Add(-2 * 24 * time.Hour), TrackingNumber: "TN3"},
		{ID: 4, Status: "cancelled", CreatedAt: now.Add(-time.Hour), TrackingNumber: "TN4"},
		{ID: 5, Status: "processing", CreatedAt: now.Add(-time.Hour)},
		{ID: 6, Status: "completed", CreatedAt: now.Add(-3 * time.Hour), TrackingNumber: "TN6",
			TrackingPayload: []byte(`{"events":[{"date":"2025-03-01 10:00:00","eventdescription":"Delivered","transporter_status":"DELIVERED"}]}`)},
	}
	for _, o := range orders {
		require.NoError(t, st.SaveOrder(ctx, o))
	}

	got, err := st.GetOrder(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, "TN3", got.TrackingNumber)
	require.True(t, got.CreatedAt.Equal(orders[2].CreatedAt))

	_, err = st.GetOrder(ctx, 999)
	require.ErrorIs(t, err, models.ErrOrderNotFound)

	crit := models.SelectionCriteria{
		Statuses: models.DefaultStatusFilters(),
		Mode:     models.ModeRefresh,
		Now:      now,
	}
	ids, err := st.SelectCandidates(ctx, crit)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 3, 6}, ids)

	// без ограничения по возрасту старый заказ тоже попадает
	crit.Statuses = []models.StatusFilter{{Status: "processing"}, {Status: "completed", AgeLimitDays: 30}}
	ids, err = st.SelectCandidates(ctx, crit)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3, 6}, ids)

	crit.Limit = 2
	ids, err = st.SelectCandidates(ctx, crit)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, ids)
	crit.Limit = 0

	legacy, err := st.ListLegacyPayloads(ctx, 10)
	require.NoError(t, err)
	require.Len(t, legacy, 1)
	require.Equal(t, int64(6), legacy[0].ID)
	require.NotEmpty(t, legacy[0].TrackingPayload)

	// tracking upsert
	_, err = st.GetTracking(ctx, 1)
	require.ErrorIs(t, err, models.ErrTrackingNotFound)
	_, err = st.GetTrackingStatus(ctx, 1)
	require.ErrorIs(t, err, models.ErrTrackingNotFound)

	ev := models.TrackingEvent{
		Timestamp:     now.Add(-time.Hour),
		Description:   "Delivered to recipient",
		CarrierStatus: models.CarrierStatusDelivered,
		StatusClass:   "delivered",
	}
	delivered := models.NewTrackingRecord(1, models.Feed{
		TrackingNumber: "TN1",
		Events:         []models.TrackingEvent{ev},
		FetchedAt:      now,
	}, models.StatusDelivered)

	stored, err := st.UpsertTracking(ctx, delivered)
	require.NoError(t, err)
	require.Equal(t, models.StatusDelivered, stored)

	rec, err := st.GetTracking(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, models.StatusDelivered, rec.LatestStatus)
	require.Len(t, rec.Events, 1)
	require.True(t, rec.Events[0].Timestamp.Equal(ev.Timestamp))
	require.NotNil(t, rec.DeliveredAt())
	firstUpdated := rec.UpdatedAt

	// повторная запись того же содержимого не трогает updated_at
	now = now.Add(time.Minute)
	_, err = st.UpsertTracking(ctx, delivered)
	require.NoError(t, err)
	rec, err = st.GetTracking(ctx, 1)
	require.NoError(t, err)
	require.True(t, rec.UpdatedAt.Equal(firstUpdated))

	// delivered не понижается
	downgrade := models.NewTrackingRecord(1, models.Feed{TrackingNumber: "TN1", FetchedAt: now}, models.StatusEnRoute)
	stored, err = st.UpsertTracking(ctx, downgrade)
	require.NoError(t, err)
	require.Equal(t, models.StatusDelivered, stored)
	status, err := st.GetTrackingStatus(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, models.StatusDelivered, status)

	_, err = st.UpsertTracking(ctx, models.NewTrackingRecord(3, models.Feed{
		TrackingNumber: "TN3",
		APIError:       "Order not found",
		FetchedAt:      now.Add(-10 * 24 * time.Hour),
	}, models.StatusUnknown))
	require.NoError(t, err)

	crit.Mode = models.ModeUnfetched
	ids, err = st.SelectCandidates(ctx, crit)
	require.NoError(t, err)
	require.Equal(t, []int64{2, 6}, ids)

	crit.Mode = models.ModeRefresh
	crit.ExcludeDelivered = true
	ids, err = st.SelectCandidates(ctx, crit)
	require.NoError(t, err)
	require.Equal(t, []int64{2, 3, 6}, ids)

	legacy, err = st.ListLegacyPayloads(ctx, 10)
	require.NoError(t, err)
	require.Len(t, legacy, 1)

	counts, err := st.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), counts[models.StatusDelivered])
	require.Equal(t, int64(1), counts[models.StatusUnknown])

	require.NoError(t, st.MarkStatus(ctx, 1, "completed"))
	got, err = st.GetOrder(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "completed", got.Status)
	require.ErrorIs(t, st.MarkStatus(ctx, 999, "completed"), models.ErrOrderNotFound)

	require.NoError(t, st.SetTrackingNumber(ctx, 5, "TN5"))
	got, err = st.GetOrder(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, "TN5", got.TrackingNumber)

	// cleanup
	deleted, err := st.DeleteTrackings(ctx, models.CleanupScope{})
	require.NoError(t, err)
	require.Empty(t, deleted)

	cutoff := now.Add(-24 * time.Hour)
	deleted, err = st.DeleteTrackings(ctx, models.CleanupScope{OrderIDs: []int64{1, 3}, UpdatedBefore: &cutoff})
	require.NoError(t, err)
	require.Equal(t, []int64{3}, deleted)
	_, err = st.GetTracking(ctx, 3)
	require.ErrorIs(t, err, models.ErrTrackingNotFound)

	deleted, err = st.DeleteTrackings(ctx, models.CleanupScope{All: true})
	require.NoError(t, err)
	require.Equal(t, []int64{1}, deleted)

	require.NoError(t, st.Ping(ctx))
}

func TestFilterArrays_FirstAgeLimitWins(t *testing.T) {
	now := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	statuses, cutoffs := filterArrays(models.SelectionCriteria{
		Statuses: []models.StatusFilter{
			{Status: "processing", AgeLimitDays: 10},
			{Status: ""},
			{Status: "processing", AgeLimitDays: 0},
			{Status: "completed"},
		},
		Now: now,
	})
	require.Equal(t, []string{"processing", "completed"}, statuses)
	require.Len(t, cutoffs, 2)
	require.NotNil(t, cutoffs[0])
	require.True(t, cutoffs[0].Equal(now.Add(-10*24*time.Hour)))
	require.Nil(t, cutoffs[1])
}

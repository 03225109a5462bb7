package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/BearBump/ParcelSync/internal/cache/rediscache"
	"github.com/BearBump/ParcelSync/internal/models"
	"github.com/BearBump/ParcelSync/internal/services/trackings"
	"github.com/BearBump/ParcelSync/internal/storage/sqlitetracking"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

// sharedCacheEnv is one database and one Redis status cache, as seen by the
// worker and by a separate cleanup process.
type sharedCacheEnv struct {
	db     *sqlitetracking.Storage
	cache  *rediscache.RedisCache
	worker *trackings.Service
}

func newSharedCacheEnv(t *testing.T) sharedCacheEnv {
	t.Helper()
	db, err := sqlitetracking.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(db.Close)

	mr := miniredis.RunT(t)
	rc := rediscache.New(mr.Addr())
	t.Cleanup(func() { _ = rc.Close() })

	require.NoError(t, db.SaveOrder(context.Background(), models.Order{
		ID: 1, Status: "processing", CreatedAt: time.Now().UTC().Add(-time.Hour), TrackingNumber: "PS-1",
	}))
	return sharedCacheEnv{db: db, cache: rc, worker: trackings.New(db, rc, time.Minute)}
}

func (e sharedCacheEnv) reconciler(c *scriptedCarrier) *Reconciler {
	s := testSettings()
	s.AutoComplete = false
	return New(e.worker, e.db, c, nil, nil).WithSettings(s)
}

func deliveredThenEnRoute() *scriptedCarrier {
	return newScriptedCarrier().on("PS-1",
		fetchResult{feed: feedWith("PS-1", models.CarrierStatusDelivered)},
		fetchResult{feed: enRouteFeed("PS-1")},
	)
}

func TestCleanup_EvictsSharedStatusCache(t *testing.T) {
	env := newSharedCacheEnv(t)
	ctx := context.Background()

	res := env.reconciler(deliveredThenEnRoute()).RefreshOrder(ctx, 1)
	require.True(t, res.Success)
	st, err := env.worker.GetStatus(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, models.StatusDelivered, st)

	cleaner := trackings.New(env.db, env.cache, time.Minute)
	n, err := cleaner.Delete(ctx, models.CleanupScope{All: true})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, err = env.worker.GetStatus(ctx, 1)
	require.ErrorIs(t, err, models.ErrTrackingNotFound)
}

func TestRefresh_DeletedRecordIsNotStickyFromStaleCache(t *testing.T) {
	env := newSharedCacheEnv(t)
	ctx := context.Background()
	r := env.reconciler(deliveredThenEnRoute())

	require.True(t, r.RefreshOrder(ctx, 1).Success)

	// a cleanup that cannot see the cache leaves "delivered" behind in Redis
	_, err := trackings.New(env.db, nil, 0).Delete(ctx, models.CleanupScope{All: true})
	require.NoError(t, err)

	res := r.RefreshOrder(ctx, 1)
	require.True(t, res.Success)
	require.Equal(t, models.StatusEnRoute, res.Status)

	rec, err := env.worker.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, models.StatusEnRoute, rec.LatestStatus)

	st, err := env.worker.GetStatus(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, models.StatusEnRoute, st)
}

package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BearBump/ParcelSync/internal/broker/messages"
	"github.com/BearBump/ParcelSync/internal/cache/rediscache"
	"github.com/BearBump/ParcelSync/internal/models"
	"github.com/BearBump/ParcelSync/internal/services/trackings"
	"github.com/BearBump/ParcelSync/internal/storage/sqlitetracking"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

// replayConsumer hands over its messages once and then waits for cancellation.
type replayConsumer struct {
	values [][]byte
	done   chan struct{}
}

func (c *replayConsumer) Consume(ctx context.Context, handler func(key, value []byte) error) error {
	for _, v := range c.values {
		if err := handler([]byte("k"), v); err != nil {
			return err
		}
	}
	close(c.done)
	<-ctx.Done()
	return ctx.Err()
}

func writeSwagger(t *testing.T) string {
	t.Helper()
	sw := filepath.Join(t.TempDir(), "swagger.json")
	require.NoError(t, os.WriteFile(sw, []byte(`{"swagger":"2.0"}`), 0o600))
	return sw
}

func newTestService(t *testing.T) (*trackings.Service, *sqlitetracking.Storage) {
	t.Helper()
	st, err := sqlitetracking.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(st.Close)

	mr := miniredis.RunT(t)
	rc := rediscache.New(mr.Addr())
	t.Cleanup(func() { _ = rc.Close() })
	return trackings.New(st, rc, time.Minute), st
}

func startAPI(t *testing.T, ctx context.Context, svc *trackings.Service, st *sqlitetracking.Storage, consumer kafkaConsumer) (string, chan error) {
	t.Helper()
	addrCh := make(chan string, 1)
	opts := trackAPIOpts{
		httpAddr:      "127.0.0.1:0",
		swaggerPath:   writeSwagger(t),
		topic:         "tracking.updated",
		consumerGroup: "g",
		onListen:      func(httpAddr string) { addrCh <- httpAddr },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- runTrackAPI(ctx, opts, svc, st, consumer) }()

	select {
	case addr := <-addrCh:
		return "http://" + addr, errCh
	case err := <-errCh:
		t.Fatalf("api did not start: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for listener")
	}
	return "", nil
}

func TestRunTrackAPI_SwaggerServed(t *testing.T) {
	svc, st := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	base, errCh := startAPI(t, ctx, svc, st, nil)

	resp, err := http.Get(base + "/swagger.json")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `"swagger"`)

	resp, err = http.Get(base + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting api to stop")
	}
}

func TestRunTrackAPI_RequiresSwagger(t *testing.T) {
	svc, st := newTestService(t)
	err := runTrackAPI(context.Background(), trackAPIOpts{httpAddr: "127.0.0.1:0"}, svc, st, nil)
	require.Error(t, err)

	err = runTrackAPI(context.Background(), trackAPIOpts{httpAddr: "127.0.0.1:0", swaggerPath: "/nope/swagger.json"}, svc, st, nil)
	require.ErrorContains(t, err, "swagger file not found")
}

func TestRunTrackAPI_TrackingUpdatesWarmStatusCache(t *testing.T) {
	svc, st := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// order 5 has no stored record, so a 200 can only come from the cache
	good, err := json.Marshal(messages.TrackingUpdated{OrderID: 5, TrackingNumber: "TN-5", LatestStatus: "delivered"})
	require.NoError(t, err)
	unknown, err := json.Marshal(messages.TrackingUpdated{OrderID: 6, LatestStatus: "lost"})
	require.NoError(t, err)

	cons := &replayConsumer{values: [][]byte{[]byte("{broken"), unknown, good}, done: make(chan struct{})}
	base, _ := startAPI(t, ctx, svc, st, cons)

	select {
	case <-cons.done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not drain")
	}

	resp, err := http.Get(base + "/orders/5/status")
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "delivered", out["latest_status"])

	resp, err = http.Get(base + "/orders/6/status")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunTrackAPI_ServesStoredTracking(t *testing.T) {
	svc, st := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Now().UTC()
	require.NoError(t, st.SaveOrder(ctx, models.Order{
		ID: 9, Status: "processing", CreatedAt: now, ShippingMethod: "posten_home", TrackingNumber: "TN-9",
	}))
	_, err := svc.Save(ctx, models.NewTrackingRecord(9, models.Feed{TrackingNumber: "TN-9", FetchedAt: now}, models.StatusSent))
	require.NoError(t, err)

	base, _ := startAPI(t, ctx, svc, st, nil)

	resp, err := http.Get(base + "/orders/9/tracking?lang=nb")
	require.NoError(t, err)
	var view struct {
		Status       string `json:"latest_status"`
		TrackingLink string `json:"tracking_link"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "sent", view.Status)
	require.Equal(t, "https://sporing.posten.no/sporing/TN-9", view.TrackingLink)

	// read-only binary: no refresh route
	resp, err = http.Post(base+"/orders/9/refresh", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.NotEqual(t, http.StatusOK, resp.StatusCode)
}

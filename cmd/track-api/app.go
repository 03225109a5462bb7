package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	trackingsapi "github.com/BearBump/ParcelSync/internal/api/trackings_api"
	"github.com/BearBump/ParcelSync/internal/broker/messages"
	"github.com/BearBump/ParcelSync/internal/services/trackings"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	httpSwagger "github.com/swaggo/http-swagger"
)

type trackAPIOpts struct {
	httpAddr    string
	swaggerPath string

	topic         string
	consumerGroup string

	onListen func(httpAddr string)
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

// runTrackAPI serves the read-only tracking API and keeps the status cache
// warm from tracking.updated. consumer may be nil.
func runTrackAPI(ctx context.Context, opts trackAPIOpts, svc *trackings.Service, orders trackingsapi.Orders, consumer kafkaConsumer) error {
	if opts.swaggerPath == "" {
		return fmt.Errorf("swagger path is required")
	}
	if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
		return fmt.Errorf("swagger file not found: %s", opts.swaggerPath)
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runHTTPServer(ctx, lis, newAPIRouter(trackingsapi.New(svc, orders), opts.swaggerPath))
	}()

	if consumer != nil {
		go func() {
			slog.Info("kafka consumer started", "topic", opts.topic, "group", opts.consumerGroup)
			err := consumer.Consume(ctx, func(key, value []byte) error {
				return applyTrackingUpdate(ctx, svc, key, value)
			})
			if err != nil && ctx.Err() == nil {
				slog.Error("kafka consumer stopped", "error", err.Error())
			}
		}()
	}

	select {
	case <-ctx.Done():
		<-httpErr
		return ctx.Err()
	case err := <-httpErr:
		if err == nil {
			return ctx.Err()
		}
		return err
	}
}

// applyTrackingUpdate never fails the partition: bad messages are logged and committed.
func applyTrackingUpdate(ctx context.Context, svc *trackings.Service, key, value []byte) error {
	var m messages.TrackingUpdated
	if err := json.Unmarshal(value, &m); err != nil {
		slog.Warn("skip malformed tracking update", "key", string(key), "error", err.Error())
		return nil
	}
	if err := svc.ApplyKafkaUpdate(ctx, m); err != nil {
		slog.Warn("skip tracking update", "order_id", m.OrderID, "error", err.Error())
	}
	return nil
}

func newAPIRouter(api *trackingsapi.TrackingsAPI, swaggerPath string) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		trackingsapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, swaggerPath)
	})
	r.Get("/docs/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger.json"),
	))
	api.Mount(r)
	return r
}

func runHTTPServer(ctx context.Context, lis net.Listener, h http.Handler) error {
	srv := &http.Server{Handler: h}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("HTTP API listening", "addr", lis.Addr().String())
	err := srv.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

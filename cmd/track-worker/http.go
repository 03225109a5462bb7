package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/BearBump/ParcelSync/config"
	trackingsapi "github.com/BearBump/ParcelSync/internal/api/trackings_api"
	"github.com/BearBump/ParcelSync/internal/models"
	"github.com/BearBump/ParcelSync/internal/services/reconciler"
	"github.com/BearBump/ParcelSync/internal/services/trackings"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	httpSwagger "github.com/swaggo/http-swagger"
)

type orderReader interface {
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	Ping(ctx context.Context) error
}

type workerHTTPOpts struct {
	httpAddr    string
	swaggerPath string
	onListen    func(httpAddr string)

	reconciler *reconciler.Reconciler
	trackings  *trackings.Service
	orders     orderReader
	cfg        *config.Config
}

func runWorkerHTTPServer(ctx context.Context, opts workerHTTPOpts) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8082"
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	srv := &http.Server{Handler: newWorkerRouter(opts)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	slog.Info("worker HTTP listening", "addr", lis.Addr().String())
	err = srv.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func newWorkerRouter(opts workerHTTPOpts) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		trackingsapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if opts.orders != nil {
			if err := opts.orders.Ping(r.Context()); err != nil {
				trackingsapi.WriteError(w, http.StatusServiceUnavailable, err)
				return
			}
		}
		trackingsapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		trackingsapi.WriteJSON(w, http.StatusOK, opts.reconciler.Stats())
	})

	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		// only operational settings, no credentials
		s := opts.reconciler.Settings()
		out := map[string]any{
			"statuses":                 s.Statuses,
			"excludeDelivered":         s.ExcludeDelivered,
			"maxUpdates":               s.MaxUpdates,
			"batchSize":                s.BatchSize,
			"concurrency":              s.Concurrency,
			"parallel":                 s.Parallel,
			"maxRetryPasses":           s.MaxPasses,
			"retryBackoffCapSeconds":   int(s.BackoffCap / time.Second),
			"timeLimitSeconds":         int(s.TimeLimit / time.Second),
			"memoryLimitBytes":         s.MemoryLimitBytes,
			"memoryThreshold":          s.MemoryThreshold,
			"autoCompleteDelivered":    s.AutoComplete,
			"completedStatus":          s.CompletedStatus,
			"refreshIntervalSeconds":   int(s.RefreshInterval / time.Second),
			"unfetchedIntervalSeconds": int(s.UnfetchedInterval / time.Second),
		}
		if opts.cfg != nil {
			out["carrierBaseURL"] = opts.cfg.Carrier.BaseURL
			out["rateLimitBackend"] = opts.cfg.RateLimit.Backend
			out["rateLimitWindowSeconds"] = opts.cfg.RateLimit.WindowSeconds
			out["rateLimitMaxRequests"] = opts.cfg.RateLimit.MaxRequests
		}
		trackingsapi.WriteJSON(w, http.StatusOK, out)
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		sum, err := opts.reconciler.Summary(r.Context())
		if err != nil {
			trackingsapi.WriteError(w, http.StatusInternalServerError, err)
			return
		}
		trackingsapi.WriteJSON(w, http.StatusOK, sum)
	})

	r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
		mode := models.SelectionMode(r.URL.Query().Get("mode"))
		if mode == "" {
			mode = models.ModeRefresh
		}
		if !mode.Valid() {
			trackingsapi.WriteError(w, http.StatusBadRequest, errors.Wrapf(reconciler.ErrInvalidMode, "%q", string(mode)))
			return
		}
		trackingsapi.WriteJSON(w, http.StatusAccepted, map[string]any{
			"triggered": opts.reconciler.Trigger(mode),
			"mode":      mode,
		})
	})

	trackingsapi.New(opts.trackings, opts.orders).WithRefresher(opts.reconciler).Mount(r)

	if opts.swaggerPath != "" {
		if fi, err := os.Stat(opts.swaggerPath); err == nil {
			r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Cache-Control", "no-store")
				http.ServeFile(w, r, opts.swaggerPath)
			})
			swaggerURL := fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
			r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))
		} else {
			slog.Warn("swagger file not found, docs disabled", "path", opts.swaggerPath)
		}
	}

	return r
}

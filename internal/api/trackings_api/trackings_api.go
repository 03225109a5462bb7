package trackings_api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/BearBump/ParcelSync/internal/integrations/carrier"
	"github.com/BearBump/ParcelSync/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

type Trackings interface {
	Get(ctx context.Context, orderID int64) (*models.TrackingRecord, error)
	GetStatus(ctx context.Context, orderID int64) (models.Status, error)
}

type Orders interface {
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
}

// Refresher is the write side; the read-only API runs without it.
type Refresher interface {
	RefreshOrder(ctx context.Context, orderID int64) models.RefreshResult
	AssignTrackingNumber(ctx context.Context, orderID int64, trackingNumber string) (models.RefreshResult, error)
}

type TrackingsAPI struct {
	svc       Trackings
	orders    Orders
	refresher Refresher
}

func New(svc Trackings, orders Orders) *TrackingsAPI {
	return &TrackingsAPI{svc: svc, orders: orders}
}

func (a *TrackingsAPI) WithRefresher(r Refresher) *TrackingsAPI {
	a.refresher = r
	return a
}

type TrackingView struct {
	OrderID        int64                  `json:"order_id"`
	TrackingNumber string                 `json:"tracking_number"`
	Status         models.Status          `json:"latest_status"`
	LastUpdated    time.Time              `json:"last_updated"`
	DeliveredAt    *time.Time             `json:"delivered_at,omitempty"`
	TrackingLink   string                 `json:"tracking_link,omitempty"`
	APIError       string                 `json:"api_error,omitempty"`
	LatestEvent    *models.TrackingEvent  `json:"latest_event,omitempty"`
	Events         []models.TrackingEvent `json:"events"`
}

type StatusView struct {
	OrderID int64         `json:"order_id"`
	Status  models.Status `json:"latest_status"`
}

type AssignRequest struct {
	TrackingNumber string `json:"tracking_number"`
}

// Mount registers the per-order routes under /orders/{id}.
func (a *TrackingsAPI) Mount(r chi.Router) {
	r.Route("/orders/{id}", func(r chi.Router) {
		r.Get("/tracking", a.getTracking)
		r.Get("/status", a.getStatus)
		if a.refresher != nil {
			r.Post("/refresh", a.refresh)
			r.Put("/tracking-number", a.assign)
		}
	})
}

func (a *TrackingsAPI) getTracking(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	rec, err := a.svc.Get(r.Context(), id)
	if err != nil {
		WriteError(w, StatusFor(err), err)
		return
	}
	view := TrackingView{
		OrderID:        rec.OrderID,
		TrackingNumber: rec.TrackingNumber,
		Status:         rec.LatestStatus,
		LastUpdated:    rec.LastUpdated,
		DeliveredAt:    rec.DeliveredAt(),
		APIError:       rec.APIError,
		LatestEvent:    rec.LatestEvent(),
		Events:         rec.Events,
	}
	if a.orders != nil {
		if o, err := a.orders.GetOrder(r.Context(), id); err == nil {
			view.TrackingLink = carrier.TrackingLink(rec.TrackingNumber, o.ShippingMethod, r.URL.Query().Get("lang"))
		}
	}
	WriteJSON(w, http.StatusOK, view)
}

func (a *TrackingsAPI) getStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	st, err := a.svc.GetStatus(r.Context(), id)
	if err != nil {
		WriteError(w, StatusFor(err), err)
		return
	}
	WriteJSON(w, http.StatusOK, StatusView{OrderID: id, Status: st})
}

func (a *TrackingsAPI) refresh(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, a.refresher.RefreshOrder(r.Context(), id))
}

func (a *TrackingsAPI) assign(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	var req AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, errors.Wrap(err, "decode body"))
		return
	}
	res, err := a.refresher.AssignTrackingNumber(r.Context(), id, req.TrackingNumber)
	if err != nil {
		WriteError(w, StatusFor(err), err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func orderID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		WriteError(w, http.StatusBadRequest, errors.New("invalid order id"))
		return 0, false
	}
	return id, true
}

// StatusFor maps domain errors to HTTP codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrTrackingNotFound), errors.Is(err, models.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrNoTrackingNumber):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, code int, err error) {
	WriteJSON(w, code, map[string]string{"error": err.Error()})
}

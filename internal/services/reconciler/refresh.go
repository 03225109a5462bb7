package reconciler

import (
	"context"
	"log/slog"
	"strings"

	"github.com/BearBump/ParcelSync/internal/models"
	"github.com/pkg/errors"
)

const processingStatus = "processing"

// RefreshOrder fetches one order synchronously, waiting out the rate limit
// if needed. Failures are reported in the result, not as errors.
func (r *Reconciler) RefreshOrder(ctx context.Context, orderID int64) models.RefreshResult {
	res := models.RefreshResult{OrderID: orderID}
	if orderID <= 0 {
		res.Message = "invalid order id"
		return res
	}

	runID := r.newID()
	r.inFlight.Add(1)
	out := r.processOrder(ctx, runID, orderID, waitOnLimit)
	r.inFlight.Add(-1)
	return r.toRefreshResult(orderID, out)
}

func (r *Reconciler) toRefreshResult(orderID int64, out orderResult) models.RefreshResult {
	res := models.RefreshResult{OrderID: orderID}
	if out.kind == outcomeUpdated {
		res.Success = true
		res.Status = out.status
		res.Message = "tracking updated"
		return res
	}
	res.Message = out.message
	r.totalErrors.Add(1)
	r.setLastError(orderError(orderID, out.message))
	return res
}

// AssignTrackingNumber stores a tracking number on the order and fetches its feed right away.
func (r *Reconciler) AssignTrackingNumber(ctx context.Context, orderID int64, trackingNumber string) (models.RefreshResult, error) {
	tn := strings.TrimSpace(trackingNumber)
	if tn == "" {
		return models.RefreshResult{OrderID: orderID}, models.ErrNoTrackingNumber
	}
	if err := r.orders.SetTrackingNumber(ctx, orderID, tn); err != nil {
		return models.RefreshResult{OrderID: orderID}, errors.Wrap(err, "set tracking number")
	}
	return r.RefreshOrder(ctx, orderID), nil
}

// OnOrderEnteredProcessing refreshes an order that just moved to processing.
// Orders that left processing again or have no tracking number are skipped.
// Only a failure to load the order is returned as an error.
func (r *Reconciler) OnOrderEnteredProcessing(ctx context.Context, orderID int64) (models.RefreshResult, bool, error) {
	order, err := r.orders.GetOrder(ctx, orderID)
	if errors.Is(err, models.ErrOrderNotFound) {
		return models.RefreshResult{OrderID: orderID, Message: err.Error()}, false, nil
	}
	if err != nil {
		return models.RefreshResult{OrderID: orderID}, false, errors.Wrap(err, "load order")
	}
	if order.Status != processingStatus || strings.TrimSpace(order.TrackingNumber) == "" {
		return models.RefreshResult{OrderID: orderID, Message: "skipped"}, false, nil
	}

	r.inFlight.Add(1)
	out := r.refresh(ctx, r.newID(), order, waitOnLimit)
	r.inFlight.Add(-1)

	res := r.toRefreshResult(orderID, out)
	slog.Info("order entered processing", "order_id", orderID, "success", res.Success, "message", res.Message)
	return res, true, nil
}

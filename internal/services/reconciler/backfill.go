package reconciler

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/BearBump/ParcelSync/internal/integrations/carrier"
	"github.com/BearBump/ParcelSync/internal/models"
	"github.com/BearBump/ParcelSync/internal/services/classifier"
	"github.com/pkg/errors"
)

// Backfill migrates feeds still kept in the orders' legacy payload slot into
// tracking records. Orders that already have a record are never listed.
func (r *Reconciler) Backfill(ctx context.Context, limit int) (models.BackfillSummary, error) {
	sum := models.BackfillSummary{Errors: []string{}}

	orders, err := r.orders.ListLegacyPayloads(ctx, limit)
	if err != nil {
		return sum, errors.Wrap(err, "list legacy payloads")
	}

	for _, o := range orders {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		sum.Scanned++

		if len(bytes.TrimSpace(o.TrackingPayload)) == 0 || strings.TrimSpace(o.TrackingNumber) == "" {
			sum.Skipped++
			continue
		}

		feed, err := decodeLegacy(o, r.now())
		if err != nil {
			sum.Failed++
			sum.Errors = append(sum.Errors, orderError(o.ID, err.Error()))
			continue
		}

		status := classifier.Classify(feed.Events)
		if _, err := r.store.Save(ctx, models.NewTrackingRecord(o.ID, feed, status)); err != nil {
			sum.Failed++
			sum.Errors = append(sum.Errors, orderError(o.ID, errors.Wrap(err, "save tracking").Error()))
			continue
		}
		sum.Migrated++
	}

	slog.Info("backfill finished",
		"scanned", sum.Scanned,
		"migrated", sum.Migrated,
		"skipped", sum.Skipped,
		"failed", sum.Failed,
	)
	return sum, nil
}

// decodeLegacy accepts either a stored payload ({events, raw_data, last_updated})
// or a raw carrier response body.
func decodeLegacy(o models.Order, now time.Time) (models.Feed, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(o.TrackingPayload, &keys); err != nil {
		return models.Feed{}, errors.Wrap(err, "decode legacy payload")
	}

	_, hasRaw := keys["raw_data"]
	_, hasUpdated := keys["last_updated"]
	if !hasRaw && !hasUpdated {
		feed, err := carrier.ParseBody(o.TrackingPayload, o.TrackingNumber, now)
		if err != nil {
			return models.Feed{}, err
		}
		return feed, nil
	}

	var p models.Payload
	if err := json.Unmarshal(o.TrackingPayload, &p); err != nil {
		return models.Feed{}, errors.Wrap(err, "decode legacy payload")
	}
	fetched := p.LastUpdated
	if fetched.IsZero() {
		fetched = now
	}
	events := p.Events
	if events == nil {
		events = []models.TrackingEvent{}
	}
	return models.Feed{
		TrackingNumber: o.TrackingNumber,
		Events:         events,
		Raw:            p.RawData,
		APIError:       p.APIError,
		FetchedAt:      fetched.UTC(),
	}, nil
}

// Summary reports stored record counts and the size of the unfetched backlog.
func (r *Reconciler) Summary(ctx context.Context) (models.StatusSummary, error) {
	counts, err := r.store.StatusCounts(ctx)
	if err != nil {
		return models.StatusSummary{}, errors.Wrap(err, "count statuses")
	}
	var total int64
	for _, n := range counts {
		total += n
	}

	c := r.criteria(models.ModeUnfetched)
	c.Limit = 0
	ids, err := r.orders.SelectCandidates(ctx, c)
	if err != nil {
		return models.StatusSummary{}, errors.Wrap(err, "select unfetched")
	}

	return models.StatusSummary{
		Records:         total,
		ByStatus:        counts,
		UnfetchedOrders: len(ids),
	}, nil
}

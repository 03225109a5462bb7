package fake

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"strings"
	"time"

	"github.com/BearBump/ParcelSync/internal/integrations/carrier"
	"github.com/BearBump/ParcelSync/internal/models"
	"github.com/pkg/errors"
)

// FakeClient is an offline carrier for local runs.
// The feed is derived from the tracking number hash, so the same number
// always walks the same warehouse -> transport -> delivered path.
type FakeClient struct {
	now func() time.Time
}

func New() *FakeClient {
	return &FakeClient{now: func() time.Time { return time.Now().UTC() }}
}

func (f *FakeClient) WithClock(now func() time.Time) *FakeClient {
	if now != nil {
		f.now = now
	}
	return f
}

type rawFeed struct {
	Events []rawEvent `json:"events"`
}

type rawEvent struct {
	Date              string `json:"date"`
	EventDescription  string `json:"eventdescription"`
	Location          string `json:"location,omitempty"`
	Type              string `json:"type"`
	TransporterStatus string `json:"transporter_status,omitempty"`
}

var script = []rawEvent{
	{EventDescription: "The order has been placed in the warehouse and will be prepared for picking", Type: "Warehouse"},
	{EventDescription: "The order is being picked", Type: "Warehouse"},
	{EventDescription: "The order has left the warehouse", Type: "Warehouse"},
	{EventDescription: "The shipment is on its way", Location: "Oslo terminal", Type: "Transport", TransporterStatus: models.CarrierStatusEnRoute},
	{EventDescription: "The shipment is ready for pickup", Location: "Pickup point", Type: "Transport", TransporterStatus: models.CarrierStatusAvailableForDelivery},
	{EventDescription: "The shipment has been delivered", Location: "Pickup point", Type: "Transport", TransporterStatus: models.CarrierStatusDelivered},
}

func (f *FakeClient) Fetch(ctx context.Context, trackingNumber string) (models.Feed, error) {
	if strings.TrimSpace(trackingNumber) == "" {
		return models.Feed{}, &carrier.Error{Kind: carrier.KindValidation, Op: "fetch tracking", Err: carrier.ErrEmptyTrackingNumber}
	}
	if err := ctx.Err(); err != nil {
		return models.Feed{}, carrier.Retryable("fetch tracking", err)
	}
	now := f.now().UTC()

	h := fnv.New32a()
	_, _ = h.Write([]byte(trackingNumber))
	v := h.Sum32()

	// ~1 of 10 numbers is unknown to the warehouse
	if v%10 == 0 {
		return carrier.ParseBody([]byte(`{"error":"Order not found"}`), trackingNumber, now)
	}

	steps := int(v%uint32(len(script))) + 1
	body := rawFeed{Events: make([]rawEvent, 0, steps)}
	start := now.Add(-time.Duration(steps) * 6 * time.Hour)
	for i := 0; i < steps; i++ {
		ev := script[i]
		ev.Date = start.Add(time.Duration(i) * 6 * time.Hour).Format(time.RFC3339)
		body.Events = append(body.Events, ev)
	}

	b, err := json.Marshal(body)
	if err != nil {
		return models.Feed{}, errors.Wrap(err, "marshal fake feed")
	}
	return carrier.ParseBody(b, trackingNumber, now)
}

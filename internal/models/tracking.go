package models

import (
	"encoding/json"
	"time"
)

// Status is the carrier-agnostic classification of a tracking feed.
type Status string

const (
	StatusDelivered          Status = "delivered"
	StatusAvailableForPickup Status = "available_for_pickup"
	StatusEnRoute            Status = "en_route"
	StatusSent               Status = "sent"
	StatusWaitingToBePicked  Status = "waiting_to_be_picked"
	StatusPicking            Status = "picking"
	StatusOther              Status = "other"
	StatusUnknown            Status = "unknown"
)

// Carrier-supplied status codes the classifier knows about.
const (
	CarrierStatusDelivered            = "DELIVERED"
	CarrierStatusAvailableForDelivery = "AVAILABLE_FOR_DELIVERY"
	CarrierStatusEnRoute              = "EN_ROUTE"
	CarrierStatusOther                = "OTHER"
)

var knownStatuses = map[Status]struct{}{
	StatusDelivered:          {},
	StatusAvailableForPickup: {},
	StatusEnRoute:            {},
	StatusSent:               {},
	StatusWaitingToBePicked:  {},
	StatusPicking:            {},
	StatusOther:              {},
	StatusUnknown:            {},
}

func (s Status) Valid() bool {
	_, ok := knownStatuses[s]
	return ok
}

func (s Status) String() string { return string(s) }

// TrackingEvent is one carrier-reported occurrence after normalization.
// Timestamp is UTC; unparseable carrier dates leave it at the Unix epoch.
type TrackingEvent struct {
	Timestamp     time.Time `json:"timestamp"`
	DisplayDate   string    `json:"display_date,omitempty"`
	Description   string    `json:"description"`
	Location      string    `json:"location,omitempty"`
	CarrierStatus string    `json:"carrier_status,omitempty"`
	EventType     string    `json:"event_type,omitempty"`
	StatusClass   string    `json:"status_class"`
}

// Feed is the normalized result of a single carrier fetch.
// APIError is set when the carrier answered with an explicit "error" body;
// such a feed has no events but is still persisted.
type Feed struct {
	TrackingNumber string          `json:"tracking_number"`
	Events         []TrackingEvent `json:"events"`
	Raw            json.RawMessage `json:"raw_data,omitempty"`
	APIError       string          `json:"api_error,omitempty"`
	FetchedAt      time.Time       `json:"last_updated"`
}

// TrackingRecord is the unit of persistence, one per order.
type TrackingRecord struct {
	OrderID        int64           `json:"order_id"`
	TrackingNumber string          `json:"tracking_number"`
	Events         []TrackingEvent `json:"events"`
	RawPayload     json.RawMessage `json:"raw_data,omitempty"`
	APIError       string          `json:"api_error,omitempty"`
	LatestStatus   Status          `json:"latest_status"`
	LastUpdated    time.Time       `json:"last_updated"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewTrackingRecord builds the record that replaces whatever is stored for the order.
func NewTrackingRecord(orderID int64, feed Feed, status Status) *TrackingRecord {
	events := feed.Events
	if events == nil {
		events = []TrackingEvent{}
	}
	return &TrackingRecord{
		OrderID:        orderID,
		TrackingNumber: feed.TrackingNumber,
		Events:         events,
		RawPayload:     feed.Raw,
		APIError:       feed.APIError,
		LatestStatus:   status,
		LastUpdated:    feed.FetchedAt.UTC(),
	}
}

// DeliveredAt returns the timestamp of the first DELIVERED event.
func (r *TrackingRecord) DeliveredAt() *time.Time {
	for _, e := range r.Events {
		if e.CarrierStatus == CarrierStatusDelivered {
			t := e.Timestamp
			return &t
		}
	}
	return nil
}

// LatestEvent returns the chronologically last event, if any.
func (r *TrackingRecord) LatestEvent() *TrackingEvent {
	if len(r.Events) == 0 {
		return nil
	}
	e := r.Events[len(r.Events)-1]
	return &e
}

// Payload is the serialized form stored in the data_json column.
type Payload struct {
	Events      []TrackingEvent `json:"events"`
	RawData     json.RawMessage `json:"raw_data,omitempty"`
	APIError    string          `json:"api_error,omitempty"`
	LastUpdated time.Time       `json:"last_updated"`
}

func (r *TrackingRecord) Payload() Payload {
	return Payload{
		Events:      r.Events,
		RawData:     r.RawPayload,
		APIError:    r.APIError,
		LastUpdated: r.LastUpdated,
	}
}

// ApplyPayload fills the record fields carried inside data_json.
func (r *TrackingRecord) ApplyPayload(p Payload) {
	r.Events = p.Events
	if r.Events == nil {
		r.Events = []TrackingEvent{}
	}
	r.RawPayload = p.RawData
	r.APIError = p.APIError
	if r.LastUpdated.IsZero() {
		r.LastUpdated = p.LastUpdated
	}
}

// CleanupScope selects tracking records to delete. An empty scope deletes nothing.
type CleanupScope struct {
	OrderIDs      []int64
	UpdatedBefore *time.Time
	All           bool
}

func (s CleanupScope) Empty() bool {
	return !s.All && len(s.OrderIDs) == 0 && s.UpdatedBefore == nil
}

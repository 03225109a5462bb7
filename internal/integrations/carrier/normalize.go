package carrier

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BearBump/ParcelSync/internal/models"
	"github.com/pkg/errors"
)

// RawEvent is one entry of the carrier "events" array.
type RawEvent struct {
	Date              string       `json:"date"`
	EventDescription  string       `json:"eventdescription"`
	Location          string       `json:"location"`
	Type              string       `json:"type"`
	TransporterStatus string       `json:"transporter_status"`
	Timestamp         epochSeconds `json:"timestamp"`
}

// epochSeconds accepts a number, a numeric string or null.
type epochSeconds int64

func (e *epochSeconds) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*e = 0
		return nil
	}
	s := strings.Trim(string(b), `"`)
	if s == "" {
		*e = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		// garbage timestamps are treated like missing ones
		*e = 0
		return nil
	}
	*e = epochSeconds(int64(f))
	return nil
}

var epochZero = time.Unix(0, 0).UTC()

// Carrier dates usually carry an offset; the zone-less layouts are read as UTC.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseDate converts a carrier date string to UTC.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func StatusClass(carrierStatus, eventType string) string {
	switch carrierStatus {
	case models.CarrierStatusDelivered:
		return "delivered"
	case models.CarrierStatusAvailableForDelivery:
		return "available"
	case models.CarrierStatusEnRoute:
		return "en-route"
	case models.CarrierStatusOther:
		return "other"
	}
	if strings.EqualFold(eventType, "warehouse") {
		return "warehouse"
	}
	return "default"
}

// Normalize maps raw carrier events to the canonical shape and stable-sorts
// them by UTC timestamp. Events without a usable date sort first at the epoch.
func Normalize(raw []RawEvent) []models.TrackingEvent {
	out := make([]models.TrackingEvent, 0, len(raw))
	for _, r := range raw {
		ts, ok := ParseDate(r.Date)
		if !ok {
			ts = epochZero
			if r.Timestamp > 0 {
				ts = time.Unix(int64(r.Timestamp), 0).UTC()
			}
		}
		out = append(out, models.TrackingEvent{
			Timestamp:     ts,
			DisplayDate:   r.Date,
			Description:   r.EventDescription,
			Location:      r.Location,
			CarrierStatus: r.TransporterStatus,
			EventType:     r.Type,
			StatusClass:   StatusClass(r.TransporterStatus, r.Type),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// ParseBody decodes a fullOrderTracking response body into a Feed.
//
// An explicit "error" field is a valid answer and yields a feed with no
// events and APIError set. Bytes that are not JSON at all are retryable;
// JSON without an "events" array is permanent.
func ParseBody(body []byte, trackingNumber string, fetchedAt time.Time) (models.Feed, error) {
	if !json.Valid(body) {
		return models.Feed{}, Retryable("parse response", errors.New("failed to parse carrier response"))
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return models.Feed{}, Permanent("parse response", errors.Wrap(err, "invalid response structure"))
	}

	feed := models.Feed{
		TrackingNumber: trackingNumber,
		Events:         []models.TrackingEvent{},
		Raw:            json.RawMessage(append([]byte(nil), body...)),
		FetchedAt:      fetchedAt.UTC(),
	}

	if rawErr, ok := doc["error"]; ok && !isNull(rawErr) {
		feed.APIError = errorText(rawErr)
		return feed, nil
	}

	rawEvents, ok := doc["events"]
	if !ok || isNull(rawEvents) {
		return models.Feed{}, Permanent("parse response", errors.New("invalid response structure: missing events"))
	}
	var events []RawEvent
	if err := json.Unmarshal(rawEvents, &events); err != nil {
		return models.Feed{}, Permanent("parse response", errors.Wrap(err, "invalid response structure: events"))
	}

	feed.Events = Normalize(events)
	return feed, nil
}

func isNull(b json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(b), []byte("null"))
}

func errorText(b json.RawMessage) string {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if s == "" {
			return "carrier reported an error"
		}
		return s
	}
	return string(bytes.TrimSpace(b))
}

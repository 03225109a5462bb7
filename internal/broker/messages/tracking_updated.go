package messages

import (
	"time"
)

// TrackingUpdated is published after a tracking record has been committed.
type TrackingUpdated struct {
	OrderID        int64     `json:"order_id"`
	TrackingNumber string    `json:"tracking_number"`
	LatestStatus   string    `json:"latest_status"`
	PreviousStatus string    `json:"previous_status,omitempty"`
	LastUpdated    time.Time `json:"last_updated"`
	EventCount     int       `json:"event_count"`
	APIError       string    `json:"api_error,omitempty"`
	RunID          string    `json:"run_id,omitempty"`
}

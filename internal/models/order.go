package models

import (
	"errors"
	"time"
)

var (
	ErrTrackingNotFound = errors.New("tracking record not found")
	ErrOrderNotFound    = errors.New("order not found")
	ErrNoTrackingNumber = errors.New("no tracking number found")
)

// Order is the slice of the shop's order the reconciler needs.
// TrackingPayload is the legacy slot where feeds were stored before the
// tracking_data table existed; it is only read by backfill.
type Order struct {
	ID              int64
	Status          string
	CreatedAt       time.Time
	ShippingMethod  string
	TrackingNumber  string
	TrackingPayload []byte
}

// SelectionMode picks which candidate orders a run considers.
type SelectionMode string

const (
	// ModeRefresh re-fetches every eligible order.
	ModeRefresh SelectionMode = "refresh"
	// ModeUnfetched only considers orders without a stored tracking record.
	ModeUnfetched SelectionMode = "unfetched"
)

func (m SelectionMode) Valid() bool {
	return m == ModeRefresh || m == ModeUnfetched
}

// StatusFilter enables one order status with its own age limit (0 = no limit).
type StatusFilter struct {
	Status       string `json:"status" yaml:"status"`
	AgeLimitDays int    `json:"age_limit_days" yaml:"age_limit_days"`
}

// SelectionCriteria is the input of the candidate query.
type SelectionCriteria struct {
	Statuses         []StatusFilter
	ExcludeDelivered bool
	Mode             SelectionMode
	Limit            int
	Now              time.Time
}

// DefaultStatusFilters are used when no status is enabled.
func DefaultStatusFilters() []StatusFilter {
	return []StatusFilter{
		{Status: "processing", AgeLimitDays: 30},
		{Status: "completed", AgeLimitDays: 30},
	}
}

// Cutoff returns the oldest created_at accepted for the filter, or nil when unlimited.
func (f StatusFilter) Cutoff(now time.Time) *time.Time {
	if f.AgeLimitDays <= 0 {
		return nil
	}
	t := now.UTC().Add(-time.Duration(f.AgeLimitDays) * 24 * time.Hour)
	return &t
}

// Matches reports whether an order passes the criteria. Storage engines
// implement the same predicate in SQL; this is the reference used by tests
// and in-process filtering.
func (c SelectionCriteria) Matches(o Order, storedStatus Status, hasRecord bool) bool {
	if o.TrackingNumber == "" {
		return false
	}
	if c.Mode == ModeUnfetched && hasRecord {
		return false
	}
	if c.ExcludeDelivered && hasRecord && storedStatus == StatusDelivered {
		return false
	}
	for _, f := range c.Statuses {
		if f.Status != o.Status {
			continue
		}
		cutoff := f.Cutoff(c.Now)
		if cutoff != nil && o.CreatedAt.Before(*cutoff) {
			return false
		}
		return true
	}
	return false
}

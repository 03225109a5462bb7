package messages

import "time"

// OrderStatusChanged is emitted by the shop when an order moves between statuses.
type OrderStatusChanged struct {
	OrderID   int64     `json:"order_id"`
	OldStatus string    `json:"old_status"`
	NewStatus string    `json:"new_status"`
	ChangedAt time.Time `json:"changed_at,omitempty"`
}

package carrier

import (
	"context"

	"github.com/BearBump/ParcelSync/internal/models"
)

// Client fetches the full tracking feed for one tracking number.
// Errors are *Error values carrying a Kind so callers can tell
// retryable failures from permanent ones.
type Client interface {
	Fetch(ctx context.Context, trackingNumber string) (models.Feed, error)
}

package classifier

import (
	"strings"

	"github.com/BearBump/ParcelSync/internal/models"
)

// Warehouse cues are matched case-insensitively against the original
// (untranslated) event description. The carrier spells "beeing" in one of
// its templates; both spellings contain "transported to the terminal".
var (
	sentCues = []string{
		"left the warehouse",
		"transported to the terminal",
	}
	pickingCues = []string{
		"prepared for picking",
		"being picked",
		"order has been picked",
		"picked and is ready",
	}
	waitingCues = []string{
		"placed in the warehouse and will be prepared for picking",
	}
)

func containsAny(desc string, cues []string) bool {
	d := strings.ToLower(desc)
	for _, c := range cues {
		if strings.Contains(d, c) {
			return true
		}
	}
	return false
}

func IsSent(e models.TrackingEvent) bool { return containsAny(e.Description, sentCues) }

func IsWaiting(e models.TrackingEvent) bool { return containsAny(e.Description, waitingCues) }

// IsPicking does not fire for the waiting phrase even though it contains
// "prepared for picking".
func IsPicking(e models.TrackingEvent) bool {
	return containsAny(e.Description, pickingCues) && !IsWaiting(e)
}

// FromCarrierCode maps a carrier status code to the logical vocabulary.
// Codes the classifier does not know end up as "other".
func FromCarrierCode(code string) models.Status {
	switch code {
	case models.CarrierStatusDelivered:
		return models.StatusDelivered
	case models.CarrierStatusAvailableForDelivery:
		return models.StatusAvailableForPickup
	case models.CarrierStatusEnRoute:
		return models.StatusEnRoute
	default:
		return models.StatusOther
	}
}

// Classify derives the logical status from a chronologically sorted feed.
//
// A DELIVERED code anywhere wins. Otherwise the most recent meaningful
// carrier code wins. Without any code the latest event's warehouse cue is
// used, then any cue seen in the history (sent > picking > waiting).
func Classify(events []models.TrackingEvent) models.Status {
	if len(events) == 0 {
		return models.StatusUnknown
	}

	var lastKnown string
	var sawSent, sawPicking, sawWaiting bool
	for _, e := range events {
		if e.CarrierStatus == models.CarrierStatusDelivered {
			return models.StatusDelivered
		}
		if e.CarrierStatus != "" && e.CarrierStatus != models.CarrierStatusOther {
			lastKnown = e.CarrierStatus
		}
		sawSent = sawSent || IsSent(e)
		sawPicking = sawPicking || IsPicking(e)
		sawWaiting = sawWaiting || IsWaiting(e)
	}

	if lastKnown != "" {
		return FromCarrierCode(lastKnown)
	}

	latest := events[len(events)-1]
	switch {
	case IsSent(latest):
		return models.StatusSent
	case IsPicking(latest):
		return models.StatusPicking
	case IsWaiting(latest):
		return models.StatusWaitingToBePicked
	}

	switch {
	case sawSent:
		return models.StatusSent
	case sawPicking:
		return models.StatusPicking
	case sawWaiting:
		return models.StatusWaitingToBePicked
	}
	return models.StatusUnknown
}

// Merge applies the sticky delivered rule against a previously stored status.
func Merge(stored, fresh models.Status) models.Status {
	if stored == models.StatusDelivered {
		return models.StatusDelivered
	}
	return fresh
}

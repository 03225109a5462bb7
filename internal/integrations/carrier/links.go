package carrier

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	TransporterPostNord = "postnord"
	TransporterInstabox = "instabox"
	TransporterBring    = "bring"
	TransporterPosten   = "posten"
	TransporterHeltHjem = "helthjem"
)

var transporterOrder = []string{
	TransporterPostNord,
	TransporterInstabox,
	TransporterBring,
	TransporterPosten,
	TransporterHeltHjem,
}

// DetermineTransporter looks for a known transporter name in any of the
// shipping method fields (id, title, name). Returns "" when none matches.
func DetermineTransporter(fields ...string) string {
	for _, t := range transporterOrder {
		for _, f := range fields {
			if strings.Contains(strings.ToLower(f), t) {
				return t
			}
		}
	}
	return ""
}

// TrackingLink builds the public tracking page URL for the transporter
// behind shippingMethod. lang is a two-letter language code.
func TrackingLink(trackingNumber, shippingMethod, lang string) string {
	if trackingNumber == "" || shippingMethod == "" {
		return ""
	}
	if len(lang) > 2 {
		lang = lang[:2]
	}
	if lang == "" {
		lang = "en"
	}
	n := url.QueryEscape(trackingNumber)

	langParam := ""
	if lang == "en" {
		langParam = "?lang=en"
	}

	switch DetermineTransporter(shippingMethod) {
	case TransporterPostNord:
		return fmt.Sprintf("https://tracking.postnord.com/%s/tracking?id=%s", lang, n)
	case TransporterInstabox:
		return fmt.Sprintf("https://track.instabox.io/%s", n)
	case TransporterBring:
		return fmt.Sprintf("https://sporing.bring.no/sporing/%s%s", n, langParam)
	case TransporterPosten:
		return fmt.Sprintf("https://sporing.posten.no/sporing/%s%s", n, langParam)
	case TransporterHeltHjem:
		return fmt.Sprintf("https://helthjem.no/sporing/%s", n)
	default:
		return ""
	}
}

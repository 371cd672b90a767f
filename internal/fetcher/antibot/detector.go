// Package antibot decides when a direct-tier response warrants the browser
// tier.
package antibot

import (
	"bytes"
	"errors"
	"net/http"

	"github.com/absnate/docharvester/internal/harvest"
)

// Challenge body signatures observed from common anti-bot vendors.
var challengeMarkers = [][]byte{
	[]byte("checking your browser"),
	[]byte("cf-browser-verification"),
	[]byte("cf_chl_opt"),
	[]byte("just a moment..."),
	[]byte("attention required! | cloudflare"),
	[]byte("_abck"),
	[]byte("ak_bmsc"),
	[]byte("sensor_data"),
	[]byte("distil_r_captcha"),
	[]byte("px-captcha"),
}

// Detector implements harvest.EscalationDetector with status and
// body-signature rules.
type Detector struct{}

// New creates a Detector.
func New() *Detector {
	return &Detector{}
}

// ShouldEscalate reports whether the response indicates the origin refused
// automated access: HTTP 403/503, or a body carrying a challenge signature.
func (d *Detector) ShouldEscalate(resp harvest.FetchResponse) bool {
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusServiceUnavailable {
		return true
	}
	if len(resp.Body) == 0 {
		return false
	}
	lower := bytes.ToLower(resp.Body)
	for _, marker := range challengeMarkers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// IsBlockError reports whether a fetch error already signals an anti-bot
// block (403/503 surfaced as a typed status error).
func IsBlockError(err error) bool {
	var fe *harvest.FetchError
	if !errors.As(err, &fe) {
		return false
	}
	switch fe.Kind {
	case harvest.FetchErrAntiBotBlock:
		return true
	case harvest.FetchErrHTTPStatus:
		return fe.StatusCode == http.StatusForbidden || fe.StatusCode == http.StatusServiceUnavailable
	}
	return false
}

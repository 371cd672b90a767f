package harvest

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	JobID       string
	URL         string
	Depth       int
	UseHeadless bool
	Headers     http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	ContentType  string
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// FetchErrorKind classifies fetch failures so callers can choose a policy.
type FetchErrorKind string

// Fetch failure kinds.
const (
	FetchErrTimeout        FetchErrorKind = "timeout"
	FetchErrHTTPStatus     FetchErrorKind = "http_status"
	FetchErrAntiBotBlock   FetchErrorKind = "anti_bot_block"
	FetchErrInvalidContent FetchErrorKind = "invalid_content"
	FetchErrCancelled      FetchErrorKind = "cancelled"
)

// FetchError is a typed fetch failure.
type FetchError struct {
	Kind       FetchErrorKind
	StatusCode int
	URL        string
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: %s (status %d)", e.URL, e.Kind, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
}

func (e *FetchError) Unwrap() error { return e.Err }

// NewFetchError builds a FetchError for the given kind.
func NewFetchError(kind FetchErrorKind, url string, status int, err error) *FetchError {
	return &FetchError{Kind: kind, URL: url, StatusCode: status, Err: err}
}

// FetchErrorKindOf extracts the kind from err, or "" if err is not a FetchError.
func FetchErrorKindOf(err error) FetchErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

package probe

import "time"

// Status classifies the result of one destination check. Every check
// produces exactly one Status; network failures are data, not errors.
type Status uint8

const (
	StatusHealthy Status = iota
	StatusBroken
	StatusOutOfStock
	StatusRedirectError
	StatusMissingTag
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusBroken:
		return "broken"
	case StatusOutOfStock:
		return "out_of_stock"
	case StatusRedirectError:
		return "redirect_error"
	case StatusMissingTag:
		return "missing_tag"
	default:
		return "unknown"
	}
}

// BrokenReason narrows a StatusBroken outcome.
type BrokenReason string

const (
	ReasonTimeout          BrokenReason = "timeout"
	ReasonDNS              BrokenReason = "dns"
	Reason5xx              BrokenReason = "http_5xx"
	Reason4xx              BrokenReason = "http_4xx"
	ReasonTooManyRedirects BrokenReason = "too_many_redirects"
)

// Outcome is the classified result of probing one destination URL.
type Outcome struct {
	Status     Status
	Reason     BrokenReason // set only when Status is StatusBroken
	FinalURL   string       // last URL in the redirect chain
	HTTPStatus int          // last HTTP status observed, 0 if none
	Hops       int          // redirects followed
	CheckedAt  time.Time
	Latency    time.Duration
}

// Transient reports whether the outcome may succeed on retry. Only
// timeouts and server errors qualify; everything else is accepted on
// first attempt.
func (o Outcome) Transient() bool {
	return o.Status == StatusBroken &&
		(o.Reason == ReasonTimeout || o.Reason == Reason5xx)
}

package link

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/linkpulse/linkpulse/internal/healthstate"
)

// SmartLink is a short-code redirect with an ordered waterfall of
// destinations. Destinations are owned by the link; the slice is always
// sorted by priority ascending with the primary first.
type SmartLink struct {
	ID             uuid.UUID
	AccountID      uuid.UUID
	Code           string
	AutoFallback   bool
	FallbackActive bool
	Active         bool
	ClickCount     int64
	Destinations   []Destination
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Destination is one candidate URL in a SmartLink's waterfall. Health is
// written only by the audit pipeline; the resolver reads it.
type Destination struct {
	ID            uuid.UUID
	LinkID        uuid.UUID
	URL           string
	Retailer      string
	Priority      int // 1 = primary
	Health        healthstate.State
	LastCheckedAt *time.Time
}

// Primary returns the lowest-priority destination.
func (l SmartLink) Primary() (Destination, bool) {
	if len(l.Destinations) == 0 {
		return Destination{}, false
	}
	return l.Destinations[0], true
}

// validateDestinations enforces the waterfall invariants: at least one
// destination, strictly increasing priorities, and well-formed URLs.
func validateDestinations(dests []Destination) error {
	if len(dests) == 0 {
		return errors.New("at least one destination is required")
	}

	prev := 0
	for i, d := range dests {
		if d.Priority <= prev {
			return fmt.Errorf("destination priorities must be strictly increasing (position %d has priority %d after %d)", i, d.Priority, prev)
		}
		prev = d.Priority

		if err := validateDestinationURL(d.URL); err != nil {
			return fmt.Errorf("destination %d: %w", i, err)
		}
	}
	return nil
}

func validateDestinationURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("url cannot be empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return errors.New("invalid url format")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("url scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("url must include host")
	}
	return nil
}

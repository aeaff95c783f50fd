package sessions

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrInvalidSpec is wrapped by every InvalidSpecError.
var ErrInvalidSpec = errors.New("invalid session spec")

// InvalidSpecError reports which field of a Spec failed validation.
type InvalidSpecError struct {
	Field  string
	Reason string
}

func (e *InvalidSpecError) Error() string {
	return fmt.Sprintf("invalid session spec %s: %s", e.Field, e.Reason)
}

func (e *InvalidSpecError) Unwrap() error { return ErrInvalidSpec }

// Spec carries the attributes fixed at session creation.
type Spec struct {
	Name           string
	Destination    Destination
	ExpirationDate time.Time
	TrackingMode   TrackingMode
}

// Validate checks the spec against now. The zero TrackingMode is accepted and
// means the service default.
func (s Spec) Validate(now time.Time) error {
	if strings.TrimSpace(s.Name) == "" {
		return &InvalidSpecError{Field: "name", Reason: "must not be empty"}
	}
	if err := s.Destination.Validate(); err != nil {
		return err
	}
	if s.ExpirationDate.IsZero() {
		return &InvalidSpecError{Field: "expiration_date", Reason: "is required"}
	}
	if !s.ExpirationDate.After(now) {
		return &InvalidSpecError{Field: "expiration_date", Reason: "must be in the future"}
	}
	return nil
}

// Validate checks the destination identifier and coordinate ranges.
func (d Destination) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return &InvalidSpecError{Field: "destination.id", Reason: "must not be empty"}
	}
	if math.IsNaN(d.Latitude) || d.Latitude < -90 || d.Latitude > 90 {
		return &InvalidSpecError{Field: "destination.latitude", Reason: fmt.Sprintf("%v out of range [-90, 90]", d.Latitude)}
	}
	if math.IsNaN(d.Longitude) || d.Longitude < -180 || d.Longitude > 180 {
		return &InvalidSpecError{Field: "destination.longitude", Reason: fmt.Sprintf("%v out of range [-180, 180]", d.Longitude)}
	}
	return nil
}

// Session is a snapshot of a remote sharing session. ID is assigned by the
// Client on successful creation and never changes afterwards.
type Session struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Destination    Destination  `json:"destination"`
	TrackingMode   TrackingMode `json:"tracking_mode"`
	ExpirationDate time.Time    `json:"expiration_date"`
	// Joined reports whether the registered local user is a member.
	Joined bool `json:"joined"`
	// Invalidated is set once the service ended the session ahead of (or at)
	// its expiration date.
	Invalidated bool `json:"invalidated"`
}

// Expired reports whether the session is past its expiration date or has
// been invalidated by the service.
func (s *Session) Expired(now time.Time) bool {
	if s == nil {
		return true
	}
	return s.Invalidated || !now.Before(s.ExpirationDate)
}

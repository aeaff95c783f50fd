package sessions

import (
	"time"
)

// TrackingMode controls how aggressively the remote service samples location
// updates during an active session. The controller treats it as opaque.
type TrackingMode string

const (
	TrackingModeSmart      TrackingMode = "smart"
	TrackingModeEco        TrackingMode = "eco"
	TrackingModeApproach   TrackingMode = "approach"
	TrackingModeContinuous TrackingMode = "continuous"
)

// UserType describes the role a participant plays in a session.
type UserType string

const (
	UserTypeDriver     UserType = "driver"
	UserTypeMotorist   UserType = "motorist"
	UserTypeTechnician UserType = "technician"
	UserTypeCourier    UserType = "courier"
)

// Destination is the fixed geographic point a session is oriented around.
type Destination struct {
	ID        string  `json:"id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Profile identifies the local user to the remote service.
type Profile struct {
	Name  string   `json:"name"`
	Phone string   `json:"phone"`
	Type  UserType `json:"type"`
}

// Invitee describes a participant invited into a session.
type Invitee struct {
	Name  string   `json:"name"`
	Type  UserType `json:"type"`
	Email string   `json:"email,omitempty"`
	Phone string   `json:"phone,omitempty"`
}

// Invitation is the reference returned for a successful invite. URL is a
// shareable link the invitee opens to follow the session.
type Invitation struct {
	SessionID string    `json:"session_id"`
	Invitee   Invitee   `json:"invitee"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

// Package capability defines the gate a host consults before operations that
// need a runtime-granted permission, such as location access before joining
// a session. A Gate is a query/request shim over the host platform's
// permission system and keeps no state beyond what the platform tracks.
package capability

import (
	"context"
	"fmt"
)

// Capability names a runtime permission.
type Capability string

// Location is access to the device's precise location.
const Location Capability = "location"

// Status is the platform's current answer for a capability.
type Status int

const (
	// Undetermined means the user has not been asked yet.
	Undetermined Status = iota
	Granted
	Denied
)

func (s Status) String() string {
	switch s {
	case Undetermined:
		return "undetermined"
	case Granted:
		return "granted"
	case Denied:
		return "denied"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Gate queries and requests capabilities.
type Gate interface {
	// Check reports the current status without prompting.
	Check(ctx context.Context, c Capability) (Status, error)

	// Request asks the platform (and usually the user) for c. It blocks until
	// the request resolves to Granted or Denied, or ctx ends.
	Request(ctx context.Context, c Capability) (Status, error)
}

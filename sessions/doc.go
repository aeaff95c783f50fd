// Package sessions defines the location-sharing session model and the
// contract a host application needs from the remote sharing service. A
// session is a time-bounded sharing context between a creator and joined
// participants, oriented around a fixed Destination.
//
// Layers & Roles
//
//	Client     -> remote service boundary (registration, create / find, join / leave / invite, expiration push)
//	Session    -> immutable snapshot returned by the Client
//	Spec       -> locally validated creation request
//
// # Client Interface
//
// Client abstracts the remote SDK. Every call resolves exactly once: it
// returns either a value or an error, never both. SubscribeExpiration is the
// push channel; it invokes its handler at most once per subscription and then
// returns.
//
// Implementations
//
//	memoryclient : in-process reference used for tests and the example host
//
// # Validation
//
// Spec.Validate rejects bad coordinates, empty identifiers, and expiration
// dates that are not in the future before any network call happens.
//
// Example:
//
//	spec := sessions.Spec{
//		Name:           "simple session",
//		Destination:    sessions.Destination{ID: "w9823", Latitude: 37.7875694, Longitude: -122.4112239},
//		ExpirationDate: time.Now().Add(time.Hour),
//		TrackingMode:   sessions.TrackingModeSmart,
//	}
//	if err := spec.Validate(time.Now()); err != nil { return err }
//	sess, err := client.CreateSession(ctx, spec)
package sessions

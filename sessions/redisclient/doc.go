// Package redisclient implements sessions.Client on Redis so several
// processes (or a restarted one) observe the same sessions, memberships and
// expirations.
//
// Layout, under a configurable key prefix:
//   - session:<id>  JSON record, kept for a retention period past expiration
//   - members:<id>  set of joined user IDs
//   - invites:<id>  list of JSON invitations
//   - events:<id>   stream carrying the single invalidation event
//   - user:<id>     JSON profile of a registered user
//
// Expiration subscribers read the events stream from its start, so an
// invalidation published before the subscription began is still observed,
// and fall back to the expiration date when no event arrives.
//
// Example:
//
//	c, _ := redisclient.NewFromEnv(ctx)
//	defer c.Close()
package redisclient

// Package memoryclient provides an in-memory sessions.Client implementation
// suitable for tests, development, and the example host. All state is
// ephemeral and discarded on process exit. It assigns uuid identifiers,
// schedules expiration timers, and exposes server-side controls that a real
// sharing service would drive on its own.
//
// Characteristics
//
//	Durability        : none (RAM only)
//	Users             : one registered local user per Client
//	Expiration push   : timer at ExpirationDate, or Expire for early invalidation
//	Concurrency       : safe (Mutex + per-watcher channels)
//
// Test controls
//
//	FailNext(op, err) : the next call of op returns err
//	Block(op)         : calls of op park until the returned Hold is released
//	Calls(op)         : number of calls observed for op
//
// Example:
//
//	client := memoryclient.New()
//	defer client.Close()
//	hold := client.Block(memoryclient.OpLeaveSession)
//	// ... start a leave, wait for <-hold.Entered(), expire the session ...
//	hold.Release()
package memoryclient

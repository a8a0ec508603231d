// Package sessions owns the set of live sessions for a long-running
// request/response server: their lifecycle state machine, activity counters,
// in-flight operation tracking, and the heartbeat monitor that evicts dead
// connections.
//
// A Session is a logical, stateful connection context for one client,
// independent of the underlying transport. The Registry is the single owner
// of live sessions and is safe for concurrent use; mutation of an individual
// session is serialized by that session's own lock so heartbeat sweeps never
// block on unrelated request traffic.
package sessions

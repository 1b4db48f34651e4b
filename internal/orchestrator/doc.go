// Package orchestrator drives one project from requirements to a finished
// backlog.
//
// A [Core] owns the project's DevelopmentState. Start invokes the planner,
// stores the epics and stories it proposes through a dedup guard, and hands
// the backlog to a worker pool. Every outcome of the pool comes back
// through callbacks that mutate the state and publish an event on the
// project bus; the store sink subscribed to that bus persists it.
//
// # Lifecycle
//
//	idle -> planning -> developing <-> paused
//	                        |
//	                        +-> completed | error
//	any non-terminal -> stopped
//
// Each transition publishes exactly one lifecycle event: workflow:started
// for idle -> planning, workflow:completed, workflow:error, and
// workflow:status for the rest. Terminal events are published after the
// workers have drained and the final snapshot has been written.
//
// State returns a deep copy and never waits for event subscribers.
package orchestrator

// Package model defines the data shared by every Conductor component:
// the per-project [DevelopmentState], its [Epic], [Story] and
// [AgentMessage] entities, and the per-run [WorkflowConfig].
//
// JSON field names are camelCase because the same shapes are persisted to
// the project store and sent to remote observers as event payloads.
//
// # Ownership
//
// A DevelopmentState is owned by exactly one orchestrator. Other components
// receive copies via [DevelopmentState.Clone] and never mutate the original.
package model

// Package agent defines how Conductor talks to model-backed agents.
//
// The orchestrator never implements model calls. It renders a prompt for a
// role with [RenderPrompt], hands a [Request] to an [Invoker], and parses
// the structured part of the reply with [ParsePlan], [ParseCodeReport],
// [ParseTestResults] or [ParseSecurityReport].
//
// Structured replies are fenced json or yaml blocks inside otherwise free
// markdown. [ExtractBlocks] walks the markdown AST; [Decode] takes the last
// block that decodes.
//
// [ClaudeCLI] is the production Invoker. It runs the claude command line in
// print mode with the role's allowed tools and turn limit.
package agent

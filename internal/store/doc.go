// Package store persists the state of a project on the local filesystem.
//
// Layout under {projectDir}/.conductor:
//
//	state.json              full snapshot, written tmp+rename
//	backlog/epics.jsonl     append-only epic versions
//	backlog/stories.jsonl   append-only story versions
//	messages.jsonl          append-only transcript
//	store.lock              flock(2) target serializing writers
//	runs.db                 agent run ledger (package ledger)
//	debug.log               structured log
//
// Backlog logs replay last-wins per id, keeping the position of each id's
// first appearance. A trailing partial line left by a crash is ignored on
// read and terminated before the next append. Logs are compacted when they
// grow past the configured threshold and whenever a full snapshot is saved.
//
// [Sink] connects a project [event.Bus] to a [Store].
package store

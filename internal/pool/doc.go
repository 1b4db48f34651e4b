// Package pool runs bounded sets of coder and tester workers over a queue
// of stories.
//
// Coder slots claim pending stories (pending -> in_progress) and invoke the
// coder role, retrying failed invocations with exponential backoff. A story
// whose code is accepted moves to testing, where tester slots claim it, run
// the tester role and, when configured, the security role. A story that
// fails a gate goes back to pending for a limited number of fix cycles.
//
// Claims are compare-and-set operations under the queue mutex, so no story
// is ever held by two workers. The pool never sees the project state: every
// outcome is reported through Callbacks, called from the goroutine holding
// the story.
//
// # Lifecycle
//
//	p := pool.New(invoker, pool.Options{Config: cfg, Callbacks: cb})
//	p.Enqueue(epics, stories)
//	err := p.Run(ctx) // returns when every story is terminal
//
// Pause keeps coders from claiming while testers continue to drain.
// Canceling ctx stops every worker; results that arrive afterwards are
// discarded and their stories return to pending.
package pool

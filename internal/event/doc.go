// Package event provides the per-project event channel that connects an
// orchestrator to its store, its UI and remote observers.
//
// # Main Types
//
//   - [Event]: every event reports EventType(), Timestamp() and ProjectID()
//   - [StoryEvent]: events scoped to one story additionally report StoryID()
//   - [Bus]: synchronous pub-sub dispatcher for a single project
//   - [Relay]: sink for forwarding events out of process
//   - [Envelope]: JSON wire form used by relays
//
// # Topics
//
// Lifecycle:
//   - workflow:started, workflow:status, workflow:completed, workflow:error
//
// Agents:
//   - agent:status, agent:completed, agent:message
//
// Backlog:
//   - epics:created, stories:created
//   - story:started, story:updated, story:completed
//
// Artifacts:
//   - code:changed, test:results, security:report
//
// # Ordering
//
// Publish returns only after every handler has run. A story is owned by a
// single worker at a time and that worker publishes its events in order, so
// every subscriber sees the events of one story in emission order. No
// ordering is promised across stories.
//
// # Thread Safety
//
// The [Bus] type is safe for concurrent use. A panicking handler is logged
// and does not prevent delivery to the remaining handlers. Once closed, a
// bus silently drops further publishes.
//
// # Basic Usage
//
//	bus := event.NewBus("proj-1", logger)
//
//	bus.Subscribe(event.TopicStoryCompleted, func(e event.Event) {
//	    done := e.(event.StoryCompletedEvent)
//	    fmt.Println(done.Story.Title, done.Progress)
//	})
//
//	bus.AttachRelay(hub)
//	bus.Publish(event.NewStoryCompletedEvent("proj-1", story, 50))
package event

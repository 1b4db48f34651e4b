package store

import (
	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/event"
	"github.com/Iron-Ham/conductor/internal/logging"
	"github.com/Iron-Ham/conductor/internal/model"
)

// Sink persists events published on a project bus. Each write is retried
// once; if the retry also fails the error is marked non-retryable and
// passed to the owner's error callback.
type Sink struct {
	store   *Store
	bus     *event.Bus
	onError func(error)
	logger  *logging.Logger
	subID   string
}

// NewSink creates a sink writing to store. onError may be nil.
func NewSink(store *Store, onError func(error), logger *logging.Logger) *Sink {
	return &Sink{
		store:   store,
		onError: onError,
		logger:  logging.OrNop(logger).WithPhase("persist"),
	}
}

// Attach subscribes the sink to every topic on bus.
func (k *Sink) Attach(bus *event.Bus) {
	k.bus = bus
	k.subID = bus.SubscribeAll(k.handle)
}

// Detach removes the subscription created by Attach.
func (k *Sink) Detach() {
	if k.bus != nil && k.subID != "" {
		k.bus.Unsubscribe(k.subID)
		k.subID = ""
	}
}

func (k *Sink) handle(e event.Event) {
	switch ev := e.(type) {
	case event.EpicsCreatedEvent:
		k.persist(e, func() error { return k.store.UpdateEpics(ev.Epics) })
	case event.StoriesCreatedEvent:
		k.persist(e, func() error { return k.store.UpdateStories(ev.Stories) })
	case event.StoryStartedEvent:
		k.persist(e, func() error { return k.store.UpdateStories([]model.Story{ev.Story}) })
	case event.StoryUpdatedEvent:
		k.persist(e, func() error { return k.store.UpdateStories([]model.Story{ev.Story}) })
	case event.StoryCompletedEvent:
		k.persist(e, func() error { return k.store.UpdateStories([]model.Story{ev.Story}) })
		k.persist(e, func() error { return k.store.UpdateProjectProgress(ev.Progress) })
	case event.AgentMessageEvent:
		k.persist(e, func() error { return k.store.AppendMessage(ev.Message) })
	case event.TestResultsEvent:
		k.persist(e, func() error { return k.store.UpdateTestResults(ev.Totals) })
	case event.SecurityReportEvent:
		k.persist(e, func() error { return k.store.UpdateSecurityReport(ev.Totals) })
	case event.CodeChangedEvent:
		k.persist(e, func() error { return k.store.UpdateCodeFile(ev.File) })
	case event.WorkflowStatusEvent:
		k.persist(e, func() error { return k.store.UpdateStatus(ev.To, "") })
	case event.WorkflowCompletedEvent:
		k.persist(e, func() error { return k.store.UpdateProjectProgress(ev.Progress) })
		k.persist(e, func() error { return k.store.UpdateStatus(model.StatusCompleted, "") })
	case event.WorkflowErrorEvent:
		k.persist(e, func() error { return k.store.UpdateStatus(model.StatusError, ev.Error) })
	}
}

func (k *Sink) persist(e event.Event, write func() error) {
	err := write()
	if err == nil {
		return
	}
	k.logger.Warn("persist failed, retrying", "event_type", e.EventType(), "error", err)

	err = write()
	if err == nil {
		return
	}
	k.logger.Error("persist failed after retry", "event_type", e.EventType(), "error", err)

	var pe *errors.PersistenceError
	if errors.As(err, &pe) {
		pe.WithRetryable(false)
	} else {
		err = errors.NewPersistenceError("persist "+e.EventType(), err).WithRetryable(false)
	}
	if k.onError != nil {
		k.onError(err)
	}
}

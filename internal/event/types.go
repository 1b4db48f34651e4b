package event

import (
	"time"

	"github.com/Iron-Ham/conductor/internal/model"
)

// Topics published by an orchestrator. The names are part of the wire
// format seen by remote observers.
const (
	TopicWorkflowStarted   = "workflow:started"
	TopicWorkflowStatus    = "workflow:status"
	TopicWorkflowCompleted = "workflow:completed"
	TopicWorkflowError     = "workflow:error"
	TopicAgentStatus       = "agent:status"
	TopicAgentCompleted    = "agent:completed"
	TopicAgentMessage      = "agent:message"
	TopicEpicsCreated      = "epics:created"
	TopicStoriesCreated    = "stories:created"
	TopicStoryStarted      = "story:started"
	TopicStoryUpdated      = "story:updated"
	TopicStoryCompleted    = "story:completed"
	TopicCodeChanged       = "code:changed"
	TopicTestResults       = "test:results"
	TopicSecurityReport    = "security:report"
)

// Topics lists every topic in a stable order.
func Topics() []string {
	return []string{
		TopicWorkflowStarted, TopicWorkflowStatus, TopicWorkflowCompleted, TopicWorkflowError,
		TopicAgentStatus, TopicAgentCompleted, TopicAgentMessage,
		TopicEpicsCreated, TopicStoriesCreated,
		TopicStoryStarted, TopicStoryUpdated, TopicStoryCompleted,
		TopicCodeChanged, TopicTestResults, TopicSecurityReport,
	}
}

// Event is implemented by everything published on a Bus.
type Event interface {
	// EventType returns the topic, e.g. "story:started".
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time

	// ProjectID returns the project the event belongs to.
	ProjectID() string
}

// StoryEvent is implemented by events scoped to a single story. Events of
// one story are delivered in emission order.
type StoryEvent interface {
	Event
	StoryID() string
}

type baseEvent struct {
	eventType string
	projectID string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }
func (e baseEvent) ProjectID() string    { return e.projectID }

func newBaseEvent(eventType, projectID string) baseEvent {
	return baseEvent{
		eventType: eventType,
		projectID: projectID,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Workflow Lifecycle Events
// -----------------------------------------------------------------------------

// WorkflowStartedEvent is emitted on the idle -> planning transition.
type WorkflowStartedEvent struct {
	baseEvent
	Requirements string               `json:"requirements"`
	Config       model.WorkflowConfig `json:"config"`
	Resumed      bool                 `json:"resumed"`
}

// NewWorkflowStartedEvent creates a WorkflowStartedEvent.
func NewWorkflowStartedEvent(projectID, requirements string, cfg model.WorkflowConfig, resumed bool) WorkflowStartedEvent {
	return WorkflowStartedEvent{
		baseEvent:    newBaseEvent(TopicWorkflowStarted, projectID),
		Requirements: requirements,
		Config:       cfg,
		Resumed:      resumed,
	}
}

// WorkflowStatusEvent is emitted for transitions that have no dedicated
// topic: planning -> developing, pause, resume and stop.
type WorkflowStatusEvent struct {
	baseEvent
	From     model.WorkflowStatus `json:"from"`
	To       model.WorkflowStatus `json:"to"`
	Reason   string               `json:"reason,omitempty"`
	Progress int                  `json:"progress"`
}

// NewWorkflowStatusEvent creates a WorkflowStatusEvent.
func NewWorkflowStatusEvent(projectID string, from, to model.WorkflowStatus, reason string, progress int) WorkflowStatusEvent {
	return WorkflowStatusEvent{
		baseEvent: newBaseEvent(TopicWorkflowStatus, projectID),
		From:      from,
		To:        to,
		Reason:    reason,
		Progress:  progress,
	}
}

// WorkflowCompletedEvent is emitted when every story is done.
type WorkflowCompletedEvent struct {
	baseEvent
	Progress  int `json:"progress"`
	Stories   int `json:"stories"`
	Completed int `json:"completed"`
}

// NewWorkflowCompletedEvent creates a WorkflowCompletedEvent.
func NewWorkflowCompletedEvent(projectID string, progress, stories, completed int) WorkflowCompletedEvent {
	return WorkflowCompletedEvent{
		baseEvent: newBaseEvent(TopicWorkflowCompleted, projectID),
		Progress:  progress,
		Stories:   stories,
		Completed: completed,
	}
}

// WorkflowErrorEvent is emitted on the transition to error.
type WorkflowErrorEvent struct {
	baseEvent
	From          model.WorkflowStatus `json:"from"`
	Error         string               `json:"error"`
	FailedStories []string             `json:"failedStories,omitempty"`
	Progress      int                  `json:"progress"`
}

// NewWorkflowErrorEvent creates a WorkflowErrorEvent.
func NewWorkflowErrorEvent(projectID string, from model.WorkflowStatus, err string, failed []string, progress int) WorkflowErrorEvent {
	return WorkflowErrorEvent{
		baseEvent:     newBaseEvent(TopicWorkflowError, projectID),
		From:          from,
		Error:         err,
		FailedStories: failed,
		Progress:      progress,
	}
}

// -----------------------------------------------------------------------------
// Agent Events
// -----------------------------------------------------------------------------

// Agent statuses reported in AgentStatusEvent.
const (
	AgentWorking  = "working"
	AgentRetrying = "retrying"
	AgentIdle     = "idle"
)

// AgentStatusEvent reports what a worker is doing.
type AgentStatusEvent struct {
	baseEvent
	Role      string `json:"role"`
	AgentName string `json:"agentName"`
	Story     string `json:"storyId,omitempty"`
	Status    string `json:"status"`
	Attempt   int    `json:"attempt,omitempty"`
}

// NewAgentStatusEvent creates an AgentStatusEvent.
func NewAgentStatusEvent(projectID, role, agentName, storyID, status string, attempt int) AgentStatusEvent {
	return AgentStatusEvent{
		baseEvent: newBaseEvent(TopicAgentStatus, projectID),
		Role:      role,
		AgentName: agentName,
		Story:     storyID,
		Status:    status,
		Attempt:   attempt,
	}
}

func (e AgentStatusEvent) StoryID() string { return e.Story }

// AgentCompletedEvent reports the end of one agent invocation.
type AgentCompletedEvent struct {
	baseEvent
	Role      string        `json:"role"`
	AgentName string        `json:"agentName"`
	Story     string        `json:"storyId,omitempty"`
	Success   bool          `json:"success"`
	Attempt   int           `json:"attempt"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// NewAgentCompletedEvent creates an AgentCompletedEvent.
func NewAgentCompletedEvent(projectID, role, agentName, storyID string, attempt int, d time.Duration, err error) AgentCompletedEvent {
	e := AgentCompletedEvent{
		baseEvent: newBaseEvent(TopicAgentCompleted, projectID),
		Role:      role,
		AgentName: agentName,
		Story:     storyID,
		Success:   err == nil,
		Attempt:   attempt,
		Duration:  d,
	}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

func (e AgentCompletedEvent) StoryID() string { return e.Story }

// AgentMessageEvent carries one transcript entry.
type AgentMessageEvent struct {
	baseEvent
	Message model.AgentMessage `json:"message"`
}

// NewAgentMessageEvent creates an AgentMessageEvent.
func NewAgentMessageEvent(projectID string, msg model.AgentMessage) AgentMessageEvent {
	return AgentMessageEvent{
		baseEvent: newBaseEvent(TopicAgentMessage, projectID),
		Message:   msg,
	}
}

func (e AgentMessageEvent) StoryID() string { return e.Message.StoryID }

// -----------------------------------------------------------------------------
// Backlog Events
// -----------------------------------------------------------------------------

// EpicsCreatedEvent carries newly inserted epics.
type EpicsCreatedEvent struct {
	baseEvent
	Epics []model.Epic `json:"epics"`
}

// NewEpicsCreatedEvent creates an EpicsCreatedEvent.
func NewEpicsCreatedEvent(projectID string, epics []model.Epic) EpicsCreatedEvent {
	return EpicsCreatedEvent{
		baseEvent: newBaseEvent(TopicEpicsCreated, projectID),
		Epics:     epics,
	}
}

// StoriesCreatedEvent carries newly inserted stories.
type StoriesCreatedEvent struct {
	baseEvent
	Stories []model.Story `json:"stories"`
}

// NewStoriesCreatedEvent creates a StoriesCreatedEvent.
func NewStoriesCreatedEvent(projectID string, stories []model.Story) StoriesCreatedEvent {
	return StoriesCreatedEvent{
		baseEvent: newBaseEvent(TopicStoriesCreated, projectID),
		Stories:   stories,
	}
}

// StoryStartedEvent is emitted when a coder claims a story.
type StoryStartedEvent struct {
	baseEvent
	Story  model.Story `json:"story"`
	Worker string      `json:"worker"`
}

// NewStoryStartedEvent creates a StoryStartedEvent.
func NewStoryStartedEvent(projectID string, story model.Story, worker string) StoryStartedEvent {
	return StoryStartedEvent{
		baseEvent: newBaseEvent(TopicStoryStarted, projectID),
		Story:     story,
		Worker:    worker,
	}
}

func (e StoryStartedEvent) StoryID() string { return e.Story.ID }

// StoryUpdatedEvent is emitted on every other story status change.
type StoryUpdatedEvent struct {
	baseEvent
	Story    model.Story       `json:"story"`
	Previous model.StoryStatus `json:"previous"`
}

// NewStoryUpdatedEvent creates a StoryUpdatedEvent.
func NewStoryUpdatedEvent(projectID string, story model.Story, previous model.StoryStatus) StoryUpdatedEvent {
	return StoryUpdatedEvent{
		baseEvent: newBaseEvent(TopicStoryUpdated, projectID),
		Story:     story,
		Previous:  previous,
	}
}

func (e StoryUpdatedEvent) StoryID() string { return e.Story.ID }

// StoryCompletedEvent is emitted when a story passes its gates.
type StoryCompletedEvent struct {
	baseEvent
	Story    model.Story `json:"story"`
	Progress int         `json:"progress"`
}

// NewStoryCompletedEvent creates a StoryCompletedEvent.
func NewStoryCompletedEvent(projectID string, story model.Story, progress int) StoryCompletedEvent {
	return StoryCompletedEvent{
		baseEvent: newBaseEvent(TopicStoryCompleted, projectID),
		Story:     story,
		Progress:  progress,
	}
}

func (e StoryCompletedEvent) StoryID() string { return e.Story.ID }

// -----------------------------------------------------------------------------
// Artifact Events
// -----------------------------------------------------------------------------

// CodeChangedEvent is emitted when a file in the project changes.
type CodeChangedEvent struct {
	baseEvent
	File model.CodeFile `json:"file"`
}

// NewCodeChangedEvent creates a CodeChangedEvent.
func NewCodeChangedEvent(projectID string, file model.CodeFile) CodeChangedEvent {
	return CodeChangedEvent{
		baseEvent: newBaseEvent(TopicCodeChanged, projectID),
		File:      file,
	}
}

func (e CodeChangedEvent) StoryID() string { return e.File.StoryID }

// TestResultsEvent carries the results of one tester run together with
// the run-wide totals after ingestion.
type TestResultsEvent struct {
	baseEvent
	Story   string            `json:"storyId"`
	Results model.TestResults `json:"results"`
	Totals  model.TestResults `json:"totals"`
}

// NewTestResultsEvent creates a TestResultsEvent.
func NewTestResultsEvent(projectID, storyID string, results, totals model.TestResults) TestResultsEvent {
	return TestResultsEvent{
		baseEvent: newBaseEvent(TopicTestResults, projectID),
		Story:     storyID,
		Results:   results,
		Totals:    totals,
	}
}

func (e TestResultsEvent) StoryID() string { return e.Story }

// SecurityReportEvent carries one security review and the run-wide report.
type SecurityReportEvent struct {
	baseEvent
	Story  string               `json:"storyId"`
	Report model.SecurityReport `json:"report"`
	Totals model.SecurityReport `json:"totals"`
}

// NewSecurityReportEvent creates a SecurityReportEvent.
func NewSecurityReportEvent(projectID, storyID string, report, totals model.SecurityReport) SecurityReportEvent {
	return SecurityReportEvent{
		baseEvent: newBaseEvent(TopicSecurityReport, projectID),
		Story:     storyID,
		Report:    report,
		Totals:    totals,
	}
}

func (e SecurityReportEvent) StoryID() string { return e.Story }

// Compile-time checks.
var (
	_ Event      = WorkflowStartedEvent{}
	_ Event      = WorkflowStatusEvent{}
	_ Event      = WorkflowCompletedEvent{}
	_ Event      = WorkflowErrorEvent{}
	_ Event      = EpicsCreatedEvent{}
	_ Event      = StoriesCreatedEvent{}
	_ StoryEvent = AgentStatusEvent{}
	_ StoryEvent = AgentCompletedEvent{}
	_ StoryEvent = AgentMessageEvent{}
	_ StoryEvent = StoryStartedEvent{}
	_ StoryEvent = StoryUpdatedEvent{}
	_ StoryEvent = StoryCompletedEvent{}
	_ StoryEvent = CodeChangedEvent{}
	_ StoryEvent = TestResultsEvent{}
	_ StoryEvent = SecurityReportEvent{}
)

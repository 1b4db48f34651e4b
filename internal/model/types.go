package model

import (
	"time"
)

// WorkflowStatus is the lifecycle state of one orchestrator run.
type WorkflowStatus string

const (
	StatusIdle       WorkflowStatus = "idle"
	StatusPlanning   WorkflowStatus = "planning"
	StatusDeveloping WorkflowStatus = "developing"
	StatusPaused     WorkflowStatus = "paused"
	StatusCompleted  WorkflowStatus = "completed"
	StatusError      WorkflowStatus = "error"
	StatusStopped    WorkflowStatus = "stopped"
)

// IsTerminal returns true once the run can no longer make progress.
func (s WorkflowStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusStopped
}

// IsActive returns true while the run holds a registry slot.
func (s WorkflowStatus) IsActive() bool {
	return s == StatusPlanning || s == StatusDeveloping || s == StatusPaused
}

// StoryStatus is the position of a story in the coder/tester pipeline.
type StoryStatus string

const (
	StoryBacklog    StoryStatus = "backlog"
	StoryPending    StoryStatus = "pending"
	StoryInProgress StoryStatus = "in_progress"
	StoryTesting    StoryStatus = "testing"
	StoryCompleted  StoryStatus = "completed"
	StoryDone       StoryStatus = "done"
	StoryFailed     StoryStatus = "failed"
)

// IsTerminal returns true if the story will not be dispatched again.
func (s StoryStatus) IsTerminal() bool {
	return s == StoryCompleted || s == StoryDone || s == StoryFailed
}

// IsDone returns true for the successful terminal states.
func (s StoryStatus) IsDone() bool {
	return s == StoryCompleted || s == StoryDone
}

// Priority orders stories within an epic.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank returns the dispatch rank; lower runs first. Unknown priorities
// sort with medium.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// MessageType classifies an AgentMessage.
type MessageType string

const (
	MessageThinking MessageType = "thinking"
	MessageAction   MessageType = "action"
	MessageResult   MessageType = "result"
	MessageError    MessageType = "error"
	MessageChat     MessageType = "chat"
)

// Agent roles.
const (
	RolePlanner  = "planner"
	RoleCoder    = "coder"
	RoleTester   = "tester"
	RoleSecurity = "security"
)

// Epic groups related stories. Epics are created during planning and only
// their status rollup changes afterwards.
type Epic struct {
	ID          string      `json:"id"`
	ProjectID   string      `json:"projectId"`
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	Sequence    int         `json:"sequence"`
	Status      StoryStatus `json:"status,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// Story is the unit of work handed to coder and tester workers.
type Story struct {
	ID                 string      `json:"id"`
	EpicID             string      `json:"epicId"`
	ProjectID          string      `json:"projectId"`
	Title              string      `json:"title"`
	Description        string      `json:"description,omitempty"`
	AcceptanceCriteria []string    `json:"acceptanceCriteria,omitempty"`
	Priority           Priority    `json:"priority,omitempty"`
	StoryPoints        int         `json:"storyPoints,omitempty"`
	Status             StoryStatus `json:"status"`
	AssignedTo         string      `json:"assignedTo,omitempty"`
	Error              string      `json:"error,omitempty"`
	Attempts           int         `json:"attempts,omitempty"`
	FixCycles          int         `json:"fixCycles,omitempty"`
	TouchedFiles       []string    `json:"touchedFiles,omitempty"`
	UpdatedAt          time.Time   `json:"updatedAt"`
}

// AgentMessage is one entry of the run transcript. Messages are never
// mutated after insert.
type AgentMessage struct {
	ID             string      `json:"id"`
	AgentRole      string      `json:"agentRole"`
	AgentName      string      `json:"agentName"`
	InstanceNumber *int        `json:"instanceNumber,omitempty"`
	StoryID        string      `json:"storyId,omitempty"`
	Type           MessageType `json:"type"`
	Content        string      `json:"content"`
	ToolName       string      `json:"toolName,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
}

// FileOperation describes how a code file changed.
type FileOperation string

const (
	FileCreated  FileOperation = "created"
	FileModified FileOperation = "modified"
	FileDeleted  FileOperation = "deleted"
)

// CodeFile is the last known version of a file produced by the run.
type CodeFile struct {
	Path      string        `json:"path"`
	Content   string        `json:"content,omitempty"`
	Operation FileOperation `json:"operation"`
	StoryID   string        `json:"storyId,omitempty"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// TestResults aggregates tester output.
type TestResults struct {
	Passed    int       `json:"passed"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Total     int       `json:"total"`
	Failures  []string  `json:"failures,omitempty"`
	Files     []string  `json:"files,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// OK returns true when at least one test ran and none failed.
func (r TestResults) OK() bool {
	return r.Failed == 0 && r.Total > 0
}

// Add folds other into r.
func (r *TestResults) Add(other TestResults) {
	r.Passed += other.Passed
	r.Failed += other.Failed
	r.Skipped += other.Skipped
	r.Total += other.Total
	r.Failures = append(r.Failures, other.Failures...)
	r.Files = appendUnique(r.Files, other.Files...)
	if other.UpdatedAt.After(r.UpdatedAt) {
		r.UpdatedAt = other.UpdatedAt
	}
}

// Finding is a single security-review result.
type Finding struct {
	Severity string `json:"severity"`
	File     string `json:"file,omitempty"`
	Title    string `json:"title"`
	Detail   string `json:"detail,omitempty"`
}

// SecurityReport aggregates security-review output.
type SecurityReport struct {
	Findings     []Finding `json:"findings,omitempty"`
	Critical     int       `json:"critical"`
	High         int       `json:"high"`
	ScannedFiles []string  `json:"scannedFiles,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// HasCritical returns true if any finding is critical.
func (r SecurityReport) HasCritical() bool {
	return r.Critical > 0
}

// Add folds other into r, recounting severities from the merged findings.
func (r *SecurityReport) Add(other SecurityReport) {
	r.Findings = append(r.Findings, other.Findings...)
	r.ScannedFiles = appendUnique(r.ScannedFiles, other.ScannedFiles...)
	r.Critical, r.High = 0, 0
	for _, f := range r.Findings {
		switch f.Severity {
		case "critical":
			r.Critical++
		case "high":
			r.High++
		}
	}
	if other.UpdatedAt.After(r.UpdatedAt) {
		r.UpdatedAt = other.UpdatedAt
	}
}

// StateError is a recorded failure, either of a story or of the run.
type StateError struct {
	Message string    `json:"message"`
	StoryID string    `json:"storyId,omitempty"`
	Time    time.Time `json:"time"`
}

// DevelopmentState is the full in-memory state of one project run.
type DevelopmentState struct {
	ProjectID         string              `json:"projectId"`
	ProjectDir        string              `json:"projectDir,omitempty"`
	Config            WorkflowConfig      `json:"config"`
	Requirements      string              `json:"requirements"`
	Epics             []Epic              `json:"epics"`
	Stories           []Story             `json:"stories"`
	CodeFiles         map[string]CodeFile `json:"codeFiles"`
	Messages          []AgentMessage      `json:"messages"`
	Errors            []StateError        `json:"errors,omitempty"`
	Status            WorkflowStatus      `json:"status"`
	Progress          int                 `json:"progress"`
	ProgressUpdatedAt *time.Time          `json:"progressUpdatedAt,omitempty"`
	TestResults       *TestResults        `json:"testResults,omitempty"`
	SecurityReport    *SecurityReport     `json:"securityReport,omitempty"`
	CreatedAt         time.Time           `json:"createdAt"`
	UpdatedAt         time.Time           `json:"updatedAt"`
	StartedAt         *time.Time          `json:"startedAt,omitempty"`
	CompletedAt       *time.Time          `json:"completedAt,omitempty"`
}

// NewDevelopmentState returns an idle state for projectID.
func NewDevelopmentState(projectID, projectDir string) *DevelopmentState {
	now := time.Now()
	return &DevelopmentState{
		ProjectID:  projectID,
		ProjectDir: projectDir,
		Config:     DefaultWorkflowConfig(),
		Epics:      []Epic{},
		Stories:    []Story{},
		CodeFiles:  map[string]CodeFile{},
		Messages:   []AgentMessage{},
		Status:     StatusIdle,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// StoryCounts tallies stories by status.
func (s *DevelopmentState) StoryCounts() map[StoryStatus]int {
	counts := make(map[StoryStatus]int)
	for _, st := range s.Stories {
		counts[st.Status]++
	}
	return counts
}

func appendUnique(dst []string, items ...string) []string {
	seen := make(map[string]bool, len(dst))
	for _, d := range dst {
		seen[d] = true
	}
	for _, it := range items {
		if !seen[it] {
			seen[it] = true
			dst = append(dst, it)
		}
	}
	return dst
}

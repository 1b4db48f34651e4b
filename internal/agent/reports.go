package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/model"
)

// Plan is the planner's structured reply.
type Plan struct {
	Summary string        `json:"summary"`
	Epics   []PlannedEpic `json:"epics"`
}

// PlannedEpic is an epic as proposed by the planner.
type PlannedEpic struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Stories     []PlannedStory `json:"stories"`
}

// PlannedStory is a story as proposed by the planner.
type PlannedStory struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptanceCriteria"`
	Priority           string   `json:"priority"`
	StoryPoints        int      `json:"storyPoints"`
}

// StoryCount returns the number of stories across all epics.
func (p *Plan) StoryCount() int {
	n := 0
	for _, e := range p.Epics {
		n += len(e.Stories)
	}
	return n
}

// ParsePlan decodes and validates a planner reply. It fails with
// errors.ErrMalformedOutput when the reply cannot be decoded or an entry has
// no title, and with errors.ErrPlanEmpty when it contains no stories.
func ParsePlan(output string) (*Plan, error) {
	var plan Plan
	if err := Decode(output, &plan); err != nil {
		return nil, err
	}
	for i, e := range plan.Epics {
		if strings.TrimSpace(e.Title) == "" {
			return nil, fmt.Errorf("%w: epic %d has no title", errors.ErrMalformedOutput, i+1)
		}
		for j, s := range e.Stories {
			if strings.TrimSpace(s.Title) == "" {
				return nil, fmt.Errorf("%w: story %d of epic %q has no title", errors.ErrMalformedOutput, j+1, e.Title)
			}
		}
	}
	if plan.StoryCount() == 0 {
		return nil, errors.ErrPlanEmpty
	}
	return &plan, nil
}

// ParsePriority maps free-form priority text to a model.Priority. Unknown
// values become medium.
func ParsePriority(s string) model.Priority {
	switch p := model.Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case model.PriorityCritical, model.PriorityHigh, model.PriorityMedium, model.PriorityLow:
		return p
	case "p0", "urgent", "blocker":
		return model.PriorityCritical
	case "p1":
		return model.PriorityHigh
	case "p3", "nice-to-have":
		return model.PriorityLow
	default:
		return model.PriorityMedium
	}
}

// CodeReport is the coder's structured reply. All fields are optional.
type CodeReport struct {
	Summary  string          `json:"summary"`
	Success  *bool           `json:"success"`
	Error    string          `json:"error"`
	Files    []FileMutation  `json:"files"`
	Commands []CommandEffect `json:"commands"`
}

// ParseCodeReport reads the coder's reply. A reply without a structured
// block is a successful report whose summary is the text. Mutations carried
// on the Result are merged with those in the block.
func ParseCodeReport(res Result) (CodeReport, error) {
	var rep CodeReport
	err := Decode(res.Text, &rep)
	switch {
	case errors.Is(err, ErrNoStructuredOutput):
		rep = CodeReport{Summary: strings.TrimSpace(res.Text)}
	case err != nil:
		return CodeReport{}, err
	}

	seen := make(map[string]bool, len(rep.Files))
	for _, f := range rep.Files {
		seen[f.Path] = true
	}
	for _, f := range res.FileMutations {
		if !seen[f.Path] {
			seen[f.Path] = true
			rep.Files = append(rep.Files, f)
		}
	}
	rep.Commands = append(rep.Commands, res.CommandEffects...)
	if rep.Error == "" {
		rep.Error = res.Error
	}
	return rep, nil
}

// Failed reports whether the coder said it did not finish.
func (r CodeReport) Failed() bool {
	return r.Error != "" || (r.Success != nil && !*r.Success)
}

// FailureText describes why the report failed.
func (r CodeReport) FailureText() string {
	if r.Error != "" {
		return r.Error
	}
	if r.Summary != "" {
		return r.Summary
	}
	return "coder reported failure"
}

// Paths returns the paths of the touched files.
func (r CodeReport) Paths() []string {
	out := make([]string, 0, len(r.Files))
	for _, f := range r.Files {
		if f.Path != "" {
			out = append(out, f.Path)
		}
	}
	return out
}

type testReply struct {
	Passed   int      `json:"passed"`
	Failed   int      `json:"failed"`
	Skipped  int      `json:"skipped"`
	Total    int      `json:"total"`
	Failures []string `json:"failures"`
	Files    []string `json:"files"`
}

// ParseTestResults decodes the tester's reply. The reply must be
// structured; a missing total is derived from the counts.
func ParseTestResults(output string) (model.TestResults, error) {
	var r testReply
	if err := Decode(output, &r); err != nil {
		return model.TestResults{}, err
	}
	if r.Passed < 0 || r.Failed < 0 || r.Skipped < 0 {
		return model.TestResults{}, fmt.Errorf("%w: negative test counts", errors.ErrMalformedOutput)
	}
	if r.Total == 0 {
		r.Total = r.Passed + r.Failed + r.Skipped
	}
	return model.TestResults{
		Passed:    r.Passed,
		Failed:    r.Failed,
		Skipped:   r.Skipped,
		Total:     r.Total,
		Failures:  r.Failures,
		Files:     r.Files,
		UpdatedAt: time.Now(),
	}, nil
}

type securityReply struct {
	Findings     []model.Finding `json:"findings"`
	ScannedFiles []string        `json:"scannedFiles"`
}

// ParseSecurityReport decodes the security reviewer's reply. Severities
// are lower-cased before counting.
func ParseSecurityReport(output string) (model.SecurityReport, error) {
	var r securityReply
	if err := Decode(output, &r); err != nil {
		return model.SecurityReport{}, err
	}
	for i := range r.Findings {
		r.Findings[i].Severity = strings.ToLower(strings.TrimSpace(r.Findings[i].Severity))
	}
	var rep model.SecurityReport
	rep.Add(model.SecurityReport{
		Findings:     r.Findings,
		ScannedFiles: r.ScannedFiles,
		UpdatedAt:    time.Now(),
	})
	return rep, nil
}

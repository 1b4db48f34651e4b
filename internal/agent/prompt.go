package agent

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/Iron-Ham/conductor/internal/model"
)

// PromptData is the input to every role template.
type PromptData struct {
	Requirements string
	Epic         *model.Epic
	Story        *model.Story
	Files        []string

	// Attempt is 1 for the first try. PreviousError and Feedback carry what
	// went wrong on the last attempt or gate.
	Attempt       int
	PreviousError string
	Feedback      []string
}

// A cases.Caser keeps state between calls, so title builds one per call:
// prompts render concurrently from every worker slot.
var templateFuncs = template.FuncMap{
	"title": func(s string) string { return cases.Title(language.English).String(s) },
	"join":  strings.Join,
	"add":   func(a, b int) int { return a + b },
}

const planningTemplate = `You are the planning agent for a software project.

Break the requirements below into epics and stories that coding agents can
implement one story at a time. Order epics by the sequence in which they
should be built. Each story needs a short title, a description, concrete
acceptance criteria and a priority (critical, high, medium or low).

## Requirements

{{.Requirements}}

## Output

Reply with a single fenced json block of this shape and nothing after it:

` + "```json" + `
{
  "summary": "one paragraph",
  "epics": [
    {
      "title": "Epic title",
      "description": "What the epic delivers",
      "stories": [
        {
          "title": "Story title",
          "description": "What to build",
          "acceptanceCriteria": ["..."],
          "priority": "high",
          "storyPoints": 3
        }
      ]
    }
  ]
}
` + "```" + `
`

const coderTemplate = `You are a {{title "coding"}} agent working on one story of a larger project.

## Project Requirements

{{.Requirements}}
{{with .Epic}}
## Epic: {{.Title}}

{{.Description}}
{{end}}
## Story: {{.Story.Title}}
{{with .Story.Priority}}
Priority: {{title (print .)}}
{{end}}
{{.Story.Description}}
{{if .Story.AcceptanceCriteria}}
### Acceptance Criteria
{{range .Story.AcceptanceCriteria}}
- {{.}}{{end}}
{{end}}{{if or (gt .Attempt 1) .Feedback}}
## Previous Attempt

{{if gt .Attempt 1}}This is attempt {{.Attempt}}. {{end}}The last attempt did not pass:
{{if .PreviousError}}
{{.PreviousError}}
{{end}}{{range .Feedback}}
- {{.}}{{end}}
{{end}}
## Output

Implement the story in the working directory. When you are done, reply with
a fenced json block listing what you changed:

` + "```json" + `
{"summary": "...", "success": true, "files": [{"path": "relative/path", "operation": "created"}]}
` + "```" + `
`

const testerTemplate = `You are a {{title "testing"}} agent. Verify the story below.

## Story: {{.Story.Title}}

{{.Story.Description}}
{{if .Story.AcceptanceCriteria}}
### Acceptance Criteria
{{range .Story.AcceptanceCriteria}}
- {{.}}{{end}}
{{end}}{{if .Files}}
### Files Changed
{{range .Files}}
- {{.}}{{end}}
{{end}}
Write or update tests covering the acceptance criteria, run them, and reply
with a fenced json block:

` + "```json" + `
{"passed": 0, "failed": 0, "skipped": 0, "failures": ["test name: reason"], "files": ["path_test.go"]}
` + "```" + `
`

const securityTemplate = `You are a {{title "security"}} review agent.

Review the files below, written for the story "{{.Story.Title}}", for
vulnerabilities such as injection, unsafe deserialization, secrets in code
and missing authorization checks.
{{range .Files}}
- {{.}}{{end}}

Reply with a fenced json block. Severity is one of critical, high, medium, low:

` + "```json" + `
{"findings": [{"severity": "high", "file": "path", "title": "...", "detail": "..."}], "scannedFiles": ["path"]}
` + "```" + `
`

var templates = map[string]*template.Template{
	model.RolePlanner:  template.Must(template.New(model.RolePlanner).Funcs(templateFuncs).Parse(planningTemplate)),
	model.RoleCoder:    template.Must(template.New(model.RoleCoder).Funcs(templateFuncs).Parse(coderTemplate)),
	model.RoleTester:   template.Must(template.New(model.RoleTester).Funcs(templateFuncs).Parse(testerTemplate)),
	model.RoleSecurity: template.Must(template.New(model.RoleSecurity).Funcs(templateFuncs).Parse(securityTemplate)),
}

// RenderPrompt renders the template of role with data.
func RenderPrompt(role string, data PromptData) (string, error) {
	tmpl, ok := templates[role]
	if !ok {
		return "", fmt.Errorf("no prompt template for role %q", role)
	}
	if role != model.RolePlanner && data.Story == nil {
		return "", fmt.Errorf("prompt for role %q requires a story", role)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", role, err)
	}
	return buf.String(), nil
}

package agent

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/model"
)

func TestExtractBlocks(t *testing.T) {
	output := "Here is the plan.\n\n```json\n{\"a\": 1}\n```\n\nAnd some go:\n\n```go\nfunc main() {}\n```\n"

	blocks := ExtractBlocks(output)
	if len(blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(blocks))
	}
	if blocks[0].Lang != "json" || strings.TrimSpace(blocks[0].Content) != `{"a": 1}` {
		t.Errorf("blocks[0] = %+v", blocks[0])
	}
	if blocks[1].Lang != "go" {
		t.Errorf("blocks[1].Lang = %q, want go", blocks[1].Lang)
	}
}

func TestDecode(t *testing.T) {
	type payload struct {
		Name  string   `json:"name"`
		Count int      `json:"count"`
		Tags  []string `json:"tags"`
	}

	tests := []struct {
		name    string
		output  string
		want    payload
		wantErr error
	}{
		{
			name:   "json fence",
			output: "Done.\n```json\n{\"name\": \"x\", \"count\": 2}\n```\n",
			want:   payload{Name: "x", Count: 2},
		},
		{
			name:   "yaml fence",
			output: "Done.\n```yaml\nname: y\ncount: 3\ntags:\n  - a\n  - b\n```\n",
			want:   payload{Name: "y", Count: 3, Tags: []string{"a", "b"}},
		},
		{
			name:   "last block wins",
			output: "```json\n{\"name\": \"first\"}\n```\n\n```json\n{\"name\": \"second\"}\n```\n",
			want:   payload{Name: "second"},
		},
		{
			name:   "invalid last block falls back to earlier",
			output: "```json\n{\"name\": \"good\"}\n```\n\n```json\n{not json\n```\n",
			want:   payload{Name: "good"},
		},
		{
			name:   "partial later block leaves no fields behind",
			output: "```json\n{\"name\": \"good\"}\n```\n\n```json\n{\"count\": 7, \"tags\": [\"stale\"], \"name\": 5}\n```\n",
			want:   payload{Name: "good"},
		},
		{
			name:   "bare json",
			output: `Result: {"name": "bare", "count": 1} -- end`,
			want:   payload{Name: "bare", Count: 1},
		},
		{
			name:    "no structure",
			output:  "I could not do it.",
			wantErr: ErrNoStructuredOutput,
		},
		{
			name:    "malformed",
			output:  "```json\n{\"name\": \n```\n",
			wantErr: errors.ErrMalformedOutput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got payload
			err := Decode(tt.output, &got)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Decode() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if got.Name != tt.want.Name || got.Count != tt.want.Count || strings.Join(got.Tags, ",") != strings.Join(tt.want.Tags, ",") {
				t.Errorf("Decode() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestNoStructuredOutputIsMalformed(t *testing.T) {
	if !errors.Is(ErrNoStructuredOutput, errors.ErrMalformedOutput) {
		t.Error("ErrNoStructuredOutput should match ErrMalformedOutput")
	}
}

func TestParsePlan(t *testing.T) {
	output := "```json\n" + `{
  "summary": "todo app",
  "epics": [
    {"title": "Core", "stories": [
      {"title": "Add item", "acceptanceCriteria": ["item appears"], "priority": "High"},
      {"title": "Remove item"}
    ]},
    {"title": "Polish", "stories": [{"title": "Dark mode", "priority": "low"}]}
  ]
}` + "\n```\n"

	plan, err := ParsePlan(output)
	if err != nil {
		t.Fatalf("ParsePlan() error = %v", err)
	}
	if len(plan.Epics) != 2 || plan.StoryCount() != 3 {
		t.Errorf("got %d epics / %d stories, want 2/3", len(plan.Epics), plan.StoryCount())
	}
	if got := ParsePriority(plan.Epics[0].Stories[0].Priority); got != model.PriorityHigh {
		t.Errorf("priority = %s, want high", got)
	}
}

func TestParsePlan_Errors(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		wantErr error
	}{
		{"empty plan", "```json\n{\"epics\": []}\n```", errors.ErrPlanEmpty},
		{"epics without stories", "```json\n{\"epics\": [{\"title\": \"A\"}]}\n```", errors.ErrPlanEmpty},
		{"missing title", "```json\n{\"epics\": [{\"title\": \"\", \"stories\": [{\"title\": \"x\"}]}]}\n```", errors.ErrMalformedOutput},
		{"prose", "Sorry, no plan.", errors.ErrMalformedOutput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParsePlan(tt.output); !errors.Is(err, tt.wantErr) {
				t.Errorf("ParsePlan() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParsePriority(t *testing.T) {
	tests := map[string]model.Priority{
		"critical": model.PriorityCritical,
		" HIGH ":   model.PriorityHigh,
		"p0":       model.PriorityCritical,
		"low":      model.PriorityLow,
		"":         model.PriorityMedium,
		"someday":  model.PriorityMedium,
	}
	for in, want := range tests {
		if got := ParsePriority(in); got != want {
			t.Errorf("ParsePriority(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestParseCodeReport(t *testing.T) {
	res := Result{
		Text:          "Implemented.\n```json\n{\"summary\": \"added handler\", \"files\": [{\"path\": \"api.go\", \"operation\": \"created\"}]}\n```",
		FileMutations: []FileMutation{{Path: "api.go"}, {Path: "api_test.go", Operation: model.FileCreated}},
	}
	rep, err := ParseCodeReport(res)
	if err != nil {
		t.Fatalf("ParseCodeReport() error = %v", err)
	}
	if rep.Failed() {
		t.Error("Failed() = true, want false")
	}
	if got := strings.Join(rep.Paths(), ","); got != "api.go,api_test.go" {
		t.Errorf("Paths() = %s, want api.go,api_test.go", got)
	}

	plain, err := ParseCodeReport(Result{Text: "All done"})
	if err != nil || plain.Summary != "All done" || plain.Failed() {
		t.Errorf("plain report = %+v, %v", plain, err)
	}

	failed, err := ParseCodeReport(Result{Text: "```json\n{\"success\": false, \"summary\": \"tests missing\"}\n```"})
	if err != nil {
		t.Fatal(err)
	}
	if !failed.Failed() || failed.FailureText() != "tests missing" {
		t.Errorf("failed report = %+v", failed)
	}
}

func TestParseTestResults(t *testing.T) {
	r, err := ParseTestResults("```yaml\npassed: 4\nfailed: 1\nfailures:\n  - \"TestLogin: wrong status\"\n```")
	if err != nil {
		t.Fatalf("ParseTestResults() error = %v", err)
	}
	if r.Total != 5 || r.OK() || len(r.Failures) != 1 {
		t.Errorf("got %+v, want total 5 with one failure", r)
	}

	if _, err := ParseTestResults("tests pass"); !errors.Is(err, errors.ErrMalformedOutput) {
		t.Errorf("unstructured reply error = %v, want ErrMalformedOutput", err)
	}
}

func TestParseSecurityReport(t *testing.T) {
	rep, err := ParseSecurityReport("```json\n{\"findings\": [{\"severity\": \"CRITICAL\", \"title\": \"sql injection\"}, {\"severity\": \"high\", \"title\": \"weak hash\"}]}\n```")
	if err != nil {
		t.Fatalf("ParseSecurityReport() error = %v", err)
	}
	if !rep.HasCritical() || rep.High != 1 {
		t.Errorf("got critical=%d high=%d, want 1/1", rep.Critical, rep.High)
	}
}

func TestRenderPrompt(t *testing.T) {
	story := &model.Story{
		Title:              "Add login",
		Description:        "Users sign in",
		AcceptanceCriteria: []string{"valid credentials succeed", "invalid credentials fail"},
		Priority:           model.PriorityHigh,
	}

	p, err := RenderPrompt(model.RolePlanner, PromptData{Requirements: "build an auth service"})
	if err != nil {
		t.Fatalf("RenderPrompt(planner) error = %v", err)
	}
	if !strings.Contains(p, "build an auth service") || !strings.Contains(p, "```json") {
		t.Errorf("planner prompt missing requirements or output format:\n%s", p)
	}

	p, err = RenderPrompt(model.RoleCoder, PromptData{
		Requirements:  "build an auth service",
		Epic:          &model.Epic{Title: "Auth"},
		Story:         story,
		Attempt:       2,
		PreviousError: "timeout",
	})
	if err != nil {
		t.Fatalf("RenderPrompt(coder) error = %v", err)
	}
	for _, want := range []string{"Coding agent", "Priority: High", "Epic: Auth", "Story: Add login", "- invalid credentials fail", "attempt 2", "timeout"} {
		if !strings.Contains(p, want) {
			t.Errorf("coder prompt missing %q", want)
		}
	}

	p, err = RenderPrompt(model.RoleCoder, PromptData{Story: story, Attempt: 1, Feedback: []string{"2 test(s) failed"}})
	if err != nil || !strings.Contains(p, "- 2 test(s) failed") || strings.Contains(p, "This is attempt") {
		t.Errorf("fix-cycle coder prompt = %q, err = %v", p, err)
	}

	p, err = RenderPrompt(model.RoleSecurity, PromptData{Story: story, Files: []string{"auth.go"}})
	if err != nil || !strings.Contains(p, "- auth.go") {
		t.Errorf("security prompt = %q, err = %v", p, err)
	}

	if _, err := RenderPrompt(model.RoleTester, PromptData{}); err == nil {
		t.Error("tester prompt without story should fail")
	}
	if _, err := RenderPrompt("poet", PromptData{}); err == nil {
		t.Error("unknown role should fail")
	}
}

func TestRenderPrompt_Concurrent(t *testing.T) {
	story := &model.Story{Title: "Add cart", Description: "Carts hold items", Priority: model.PriorityMedium}
	want, err := RenderPrompt(model.RoleCoder, PromptData{Requirements: "build a shop", Story: story})
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan string, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				for _, role := range []string{model.RoleCoder, model.RoleTester, model.RoleSecurity} {
					got, err := RenderPrompt(role, PromptData{Requirements: "build a shop", Story: story})
					if err != nil {
						errs <- err.Error()
						return
					}
					if role == model.RoleCoder && got != want {
						errs <- "coder prompt changed under concurrent rendering"
						return
					}
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for msg := range errs {
		t.Error(msg)
	}
}

func TestClaudeCLI_Args(t *testing.T) {
	c := NewClaudeCLI("", "sonnet", nil)
	got := strings.Join(c.Args(Request{MaxTurns: 5, AllowedCapabilities: []string{"Read", "Edit"}}), " ")
	want := "--print --max-turns 5 --allowedTools Read,Edit --model sonnet"
	if got != want {
		t.Errorf("Args() = %q, want %q", got, want)
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported")
	}
	path := filepath.Join(t.TempDir(), "fake-claude")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestClaudeCLI_Invoke(t *testing.T) {
	script := writeScript(t, `echo "args: $*"; cat`)
	c := NewClaudeCLI(script, "", nil)

	dir := t.TempDir()
	res, err := c.Invoke(context.Background(), Request{
		Role:             model.RoleCoder,
		Prompt:           "implement the story",
		WorkingDirectory: dir,
		MaxTurns:         3,
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if !strings.Contains(res.Text, "args: --print --max-turns 3") {
		t.Errorf("output missing args: %q", res.Text)
	}
	if !strings.Contains(res.Text, "implement the story") {
		t.Errorf("prompt was not passed on stdin: %q", res.Text)
	}
}

func TestClaudeCLI_ExitError(t *testing.T) {
	script := writeScript(t, `echo "boom" >&2; exit 3`)
	c := NewClaudeCLI(script, "", nil)

	_, err := c.Invoke(context.Background(), Request{Role: model.RoleTester, StoryID: "s1", Attempt: 2})
	var aie *errors.AgentInvocationError
	if !errors.As(err, &aie) {
		t.Fatalf("Invoke() error = %v, want AgentInvocationError", err)
	}
	if aie.StoryID != "s1" || aie.Attempt != 2 || aie.Output != "boom" {
		t.Errorf("error fields = %+v", aie)
	}
	if !errors.IsRetryable(err) {
		t.Error("exit errors should be retryable")
	}
}

func TestClaudeCLI_Timeout(t *testing.T) {
	script := writeScript(t, `exec sleep 10`)
	c := NewClaudeCLI(script, "", nil)

	start := time.Now()
	_, err := c.Invoke(context.Background(), Request{Role: model.RoleCoder, Timeout: 100 * time.Millisecond})
	if !errors.Is(err, errors.ErrTimeout) {
		t.Errorf("Invoke() error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Invoke took %v after timeout", elapsed)
	}
}

func TestInvokerFunc(t *testing.T) {
	var inv Invoker = InvokerFunc(func(ctx context.Context, req Request) (Result, error) {
		return Result{Text: req.Role}, nil
	})
	res, err := inv.Invoke(context.Background(), Request{Role: model.RolePlanner})
	if err != nil || res.Text != model.RolePlanner {
		t.Errorf("Invoke() = %+v, %v", res, err)
	}
	if (Result{Error: "x"}).Failed() != true {
		t.Error("Result.Failed() = false with error text")
	}
}

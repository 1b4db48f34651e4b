package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Iron-Ham/conductor/internal/agent"
	"github.com/Iron-Ham/conductor/internal/model"
)

// Step is one scripted invocation outcome. When Gate is set the invocation
// blocks until the gate is closed or the context ends.
type Step struct {
	Result agent.Result
	Err    error
	Gate   <-chan struct{}
}

// Reply returns a step answering with text.
func Reply(text string) Step {
	return Step{Result: agent.Result{Text: text}}
}

// Fail returns a step whose invocation fails with err.
func Fail(err error) Step {
	return Step{Err: err}
}

// JSONReply returns a step answering with v as a fenced json block.
func JSONReply(v any) Step {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		panic(fmt.Sprintf("testutil: marshal reply: %v", err))
	}
	return Reply("Done.\n\n```json\n" + string(b) + "\n```\n")
}

// Gated returns s with gate attached.
func Gated(s Step, gate <-chan struct{}) Step {
	s.Gate = gate
	return s
}

// PlanReply returns a planner reply with one epic per entry of titles, each
// holding the given story titles. Story ids are "s<epic>-<story>" so tests
// can address them.
func PlanReply(titles map[string][]string, order ...string) Step {
	plan := agent.Plan{Summary: "plan"}
	for i, epic := range order {
		pe := agent.PlannedEpic{ID: fmt.Sprintf("e%d", i+1), Title: epic}
		for j, st := range titles[epic] {
			pe.Stories = append(pe.Stories, agent.PlannedStory{
				ID:                 fmt.Sprintf("s%d-%d", i+1, j+1),
				Title:              st,
				AcceptanceCriteria: []string{st + " works"},
				Priority:           "medium",
			})
		}
		plan.Epics = append(plan.Epics, pe)
	}
	return JSONReply(plan)
}

// Default replies used when a role has no script.
var (
	CoderOK    = JSONReply(map[string]any{"summary": "implemented", "success": true})
	TesterOK   = JSONReply(map[string]any{"passed": 3, "failed": 0, "total": 3})
	SecurityOK = JSONReply(map[string]any{"findings": []any{}})
)

// ScriptedInvoker is a controllable agent.Invoker. Scripts are consumed in
// order per role, or per role and story when registered with OnStory; the
// last step of a script repeats. It records every request and tracks how
// many invocations run at once.
type ScriptedInvoker struct {
	mu       sync.Mutex
	scripts  map[string][]Step
	calls    []agent.Request
	inFlight int
	peak     map[string]int
	active   map[string]int
}

// NewScriptedInvoker returns an invoker whose coder, tester and security
// roles succeed by default. The planner has no default.
func NewScriptedInvoker() *ScriptedInvoker {
	s := &ScriptedInvoker{
		scripts: make(map[string][]Step),
		peak:    make(map[string]int),
		active:  make(map[string]int),
	}
	s.On(model.RoleCoder, CoderOK)
	s.On(model.RoleTester, TesterOK)
	s.On(model.RoleSecurity, SecurityOK)
	return s
}

// On replaces the script of role.
func (s *ScriptedInvoker) On(role string, steps ...Step) *ScriptedInvoker {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[role] = steps
	return s
}

// OnStory sets a script used for role only when invoked for storyID.
func (s *ScriptedInvoker) OnStory(role, storyID string, steps ...Step) *ScriptedInvoker {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[role+"/"+storyID] = steps
	return s
}

// Invoke implements agent.Invoker.
func (s *ScriptedInvoker) Invoke(ctx context.Context, req agent.Request) (agent.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	step, ok := s.nextLocked(req.Role + "/" + req.StoryID)
	if !ok {
		step, ok = s.nextLocked(req.Role)
	}
	s.inFlight++
	s.active[req.Role]++
	if s.active[req.Role] > s.peak[req.Role] {
		s.peak[req.Role] = s.active[req.Role]
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.active[req.Role]--
		s.mu.Unlock()
	}()

	if !ok {
		return agent.Result{}, fmt.Errorf("no script for role %q", req.Role)
	}
	if step.Gate != nil {
		select {
		case <-step.Gate:
		case <-ctx.Done():
			return agent.Result{}, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return agent.Result{}, err
	}
	return step.Result, step.Err
}

func (s *ScriptedInvoker) nextLocked(key string) (Step, bool) {
	steps := s.scripts[key]
	if len(steps) == 0 {
		return Step{}, false
	}
	step := steps[0]
	if len(steps) > 1 {
		s.scripts[key] = steps[1:]
	}
	return step, true
}

// Calls returns a copy of every recorded request.
func (s *ScriptedInvoker) Calls() []agent.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]agent.Request(nil), s.calls...)
}

// CallCount returns how many requests were made for role, optionally
// narrowed to one story.
func (s *ScriptedInvoker) CallCount(role string, storyID ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Role != role {
			continue
		}
		if len(storyID) > 0 && c.StoryID != storyID[0] {
			continue
		}
		n++
	}
	return n
}

// InFlight returns the number of invocations currently running.
func (s *ScriptedInvoker) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// Peak returns the highest number of concurrent invocations seen for role.
func (s *ScriptedInvoker) Peak(role string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak[role]
}

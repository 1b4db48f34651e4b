package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/model"
	"github.com/Iron-Ham/conductor/internal/orchestrator"
	"github.com/Iron-Ham/conductor/internal/store"
	"github.com/Iron-Ham/conductor/internal/testutil"
)

const testTimeout = 10 * time.Second

func testConfig() model.WorkflowConfig {
	cfg := model.DefaultWorkflowConfig()
	cfg.RetryBaseDelay = time.Millisecond
	cfg.WatchFiles = false
	return cfg
}

// factory returns a Factory whose projects share inv and counts how many
// projects it built.
func factory(inv *testutil.ScriptedInvoker, built *int) Factory {
	return func(projectID, projectDir string) (*Project, error) {
		st, err := store.New(projectID, projectDir)
		if err != nil {
			return nil, err
		}
		core, err := orchestrator.New(orchestrator.Options{
			ProjectID:  projectID,
			ProjectDir: projectDir,
			Invoker:    inv,
			Store:      st,
		})
		if err != nil {
			return nil, err
		}
		*built++
		return &Project{Core: core, Store: st}, nil
	}
}

func plan() testutil.Step {
	return testutil.PlanReply(map[string][]string{"Core": {"One", "Two"}}, "Core")
}

func waitDone(t *testing.T, core *orchestrator.Core) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := core.Wait(ctx); err != nil {
		t.Fatalf("run did not finish: %v", err)
	}
}

func TestStart_AttachesToRunningProject(t *testing.T) {
	gate := make(chan struct{})
	inv := testutil.NewScriptedInvoker().On(model.RolePlanner, testutil.Gated(plan(), gate))
	var built int
	r := New(factory(inv, &built), OnDuplicateAttach, nil)
	dir := t.TempDir()
	ctx := context.Background()

	first, attached, err := r.Start(ctx, "shop", dir, "build a shop", testConfig())
	if err != nil || attached {
		t.Fatalf("Start() = attached %v, error %v", attached, err)
	}
	second, attached, err := r.Start(ctx, "shop", dir, "build a shop", testConfig())
	if err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if !attached || second != first {
		t.Errorf("second Start() attached = %v, same core = %v; want true, true", attached, second == first)
	}
	if built != 1 {
		t.Errorf("factory built %d projects, want 1", built)
	}
	if ids := r.Active(); len(ids) != 1 || ids[0] != "shop" {
		t.Errorf("Active() = %v, want [shop]", ids)
	}

	close(gate)
	waitDone(t, first)

	testutil.WaitFor(t, testTimeout, "deregistration", func() bool {
		_, ok := r.Get("shop")
		return !ok
	})
	s, ok := r.LastStatus("shop")
	if !ok || s.Status != model.StatusCompleted || s.Progress != 100 || s.Active {
		t.Errorf("LastStatus() = %+v, %v; want completed at 100, inactive", s, ok)
	}
	testutil.WaitFor(t, testTimeout, "run lock release", func() bool {
		_, err := os.Stat(filepath.Join(dir, store.DefaultDirName, LockFileName))
		return os.IsNotExist(err)
	})
}

func TestStart_RejectPolicy(t *testing.T) {
	gate := make(chan struct{})
	inv := testutil.NewScriptedInvoker().On(model.RolePlanner, testutil.Gated(plan(), gate))
	var built int
	r := New(factory(inv, &built), OnDuplicateReject, nil)
	dir := t.TempDir()
	ctx := context.Background()

	core, _, err := r.Start(ctx, "shop", dir, "build a shop", testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.Start(ctx, "shop", dir, "build a shop", testConfig()); !errors.Is(err, errors.ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want ErrAlreadyRunning", err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, testTimeout)
	defer cancel()
	if err := r.StopAll(stopCtx); err != nil {
		t.Fatalf("StopAll() error = %v", err)
	}
	close(gate)
	if core.Status() != model.StatusStopped {
		t.Errorf("status = %s, want stopped", core.Status())
	}
	testutil.WaitFor(t, testTimeout, "deregistration", func() bool { return len(r.Active()) == 0 })

	// A stopped project can be started again with a fresh core.
	next, attached, err := r.Start(ctx, "shop", t.TempDir(), "build a shop", testConfig())
	if err != nil || attached || next == core {
		t.Fatalf("restart = attached %v, same core %v, error %v", attached, next == core, err)
	}
	waitDone(t, next)
}

func TestStart_LockedByAnotherRegistry(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	inv := testutil.NewScriptedInvoker().On(model.RolePlanner, testutil.Gated(plan(), gate))
	var built int
	dir := t.TempDir()
	ctx := context.Background()

	a := New(factory(inv, &built), OnDuplicateAttach, nil)
	b := New(factory(inv, &built), OnDuplicateAttach, nil)
	if _, _, err := a.Start(ctx, "shop", dir, "build a shop", testConfig()); err != nil {
		t.Fatal(err)
	}
	if _, _, err := b.Start(ctx, "shop", dir, "build a shop", testConfig()); !errors.Is(err, errors.ErrAlreadyRunning) {
		t.Errorf("Start() from second registry error = %v, want ErrAlreadyRunning", err)
	}
	if len(b.Active()) != 0 {
		t.Errorf("second registry kept %v registered", b.Active())
	}
	if lock, ok := IsLocked(filepath.Join(dir, store.DefaultDirName)); !ok || lock.PID != os.Getpid() {
		t.Errorf("IsLocked() = %+v, %v; want held by this process", lock, ok)
	}

	stopCtx, cancel := context.WithTimeout(ctx, testTimeout)
	defer cancel()
	if err := a.StopAll(stopCtx); err != nil {
		t.Fatal(err)
	}
}

func TestStart_FailureLeavesNothingRegistered(t *testing.T) {
	var built int
	r := New(factory(testutil.NewScriptedInvoker(), &built), OnDuplicateAttach, nil)
	dir := t.TempDir()

	bad := testConfig()
	bad.ParallelTesters = 0
	if _, _, err := r.Start(context.Background(), "shop", dir, "build a shop", bad); !errors.Is(err, errors.ErrInvalidInput) {
		t.Fatalf("Start() error = %v, want ErrInvalidInput", err)
	}
	if len(r.Active()) != 0 {
		t.Errorf("Active() = %v, want none", r.Active())
	}
	if _, locked := IsLocked(filepath.Join(dir, store.DefaultDirName)); locked {
		t.Error("run lock left behind")
	}
	if _, _, err := r.Start(context.Background(), "shop", dir, "  ", testConfig()); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("Start(blank) error = %v, want ErrInvalidInput", err)
	}
}

func TestLookup(t *testing.T) {
	inv := testutil.NewScriptedInvoker().On(model.RolePlanner, plan())
	var built int
	r := New(factory(inv, &built), OnDuplicateAttach, nil)

	if _, err := r.Lookup("nope"); !errors.Is(err, errors.ErrProjectNotFound) {
		t.Errorf("Lookup(unknown) error = %v, want ErrProjectNotFound", err)
	}

	core, _, err := r.Start(context.Background(), "shop", t.TempDir(), "build a shop", testConfig())
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, core)
	testutil.WaitFor(t, testTimeout, "deregistration", func() bool {
		_, err := r.Lookup("shop")
		return errors.Is(err, errors.ErrNotRunning)
	})
	if list := r.List(); len(list) != 1 || list[0].ProjectID != "shop" {
		t.Errorf("List() = %+v, want one entry for shop", list)
	}
}

func TestResume_ContinuesPersistedProject(t *testing.T) {
	dir := t.TempDir()
	st, err := store.New("shop", dir)
	if err != nil {
		t.Fatal(err)
	}
	state := model.NewDevelopmentState("shop", dir)
	state.Requirements = "build a shop"
	state.Config = testConfig()
	state.Status = model.StatusDeveloping
	state.Epics = []model.Epic{{ID: "e1", ProjectID: "shop", Title: "Shop", Sequence: 1}}
	for i, status := range []model.StoryStatus{
		model.StoryCompleted, model.StoryCompleted, model.StoryCompleted, model.StoryInProgress, model.StoryPending,
	} {
		state.Stories = append(state.Stories, model.Story{
			ID: fmt.Sprintf("s%d", i+1), EpicID: "e1", ProjectID: "shop", Title: fmt.Sprintf("Story %d", i+1), Status: status,
		})
	}
	if err := st.SaveProjectState(state); err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateStories(state.Stories); err != nil {
		t.Fatal(err)
	}

	inv := testutil.NewScriptedInvoker()
	var built int
	r := New(factory(inv, &built), OnDuplicateAttach, nil)
	core, _, err := r.Resume(context.Background(), "shop", dir, nil)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	waitDone(t, core)

	if got := inv.CallCount(model.RoleCoder); got != 2 {
		t.Errorf("coder calls = %d, want 2", got)
	}
	if got := inv.CallCount(model.RolePlanner); got != 0 {
		t.Errorf("planner calls = %d, want 0", got)
	}
	if s := core.State(); s.Status != model.StatusCompleted || s.Progress != 100 {
		t.Errorf("status = %s progress = %d, want completed 100", s.Status, s.Progress)
	}
}

func TestResume_NothingPersisted(t *testing.T) {
	var built int
	r := New(factory(testutil.NewScriptedInvoker(), &built), OnDuplicateAttach, nil)
	if _, _, err := r.Resume(context.Background(), "shop", t.TempDir(), nil); !errors.Is(err, errors.ErrProjectNotFound) {
		t.Errorf("Resume() error = %v, want ErrProjectNotFound", err)
	}
	if len(r.Active()) != 0 {
		t.Errorf("Active() = %v, want none", r.Active())
	}
}

package internal

// Integration tests that drive a project through the registry with real
// stores and ledgers on disk, the way the CLI and the server wire them.

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Iron-Ham/conductor/internal/ledger"
	"github.com/Iron-Ham/conductor/internal/model"
	"github.com/Iron-Ham/conductor/internal/orchestrator"
	"github.com/Iron-Ham/conductor/internal/registry"
	"github.com/Iron-Ham/conductor/internal/store"
	"github.com/Iron-Ham/conductor/internal/testutil"
)

const integrationTimeout = 10 * time.Second

func integrationConfig() model.WorkflowConfig {
	cfg := model.DefaultWorkflowConfig()
	cfg.ParallelCoders = 2
	cfg.RetryBaseDelay = time.Millisecond
	cfg.WatchFiles = false
	return cfg
}

// diskFactory builds projects the way the CLI does: a store, a ledger in
// the state directory and a core auditing every invocation.
func diskFactory(inv *testutil.ScriptedInvoker) registry.Factory {
	return func(projectID, projectDir string) (*registry.Project, error) {
		st, err := store.New(projectID, projectDir)
		if err != nil {
			return nil, err
		}
		l, err := ledger.Open(st.LedgerPath())
		if err != nil {
			return nil, err
		}
		core, err := orchestrator.New(orchestrator.Options{
			ProjectID:  projectID,
			ProjectDir: projectDir,
			Invoker:    inv,
			Store:      st,
			Ledger:     l,
		})
		if err != nil {
			_ = l.Close()
			return nil, err
		}
		return &registry.Project{Core: core, Store: st, Ledger: l, Close: l.Close}, nil
	}
}

func storyStatus(core *orchestrator.Core, id string) model.StoryStatus {
	for _, s := range core.State().Stories {
		if s.ID == id {
			return s.Status
		}
	}
	return ""
}

// TestStopAndResumeAcrossRegistries stops a run with two coders in flight
// and finishes it from a second registry, as a restarted process would.
func TestStopAndResumeAcrossRegistries(t *testing.T) {
	dir := t.TempDir()
	stateDir := filepath.Join(dir, store.DefaultDirName)
	ctx, cancel := context.WithTimeout(context.Background(), integrationTimeout)
	defer cancel()

	gate := make(chan struct{})
	defer close(gate)
	first := testutil.NewScriptedInvoker().
		On(model.RolePlanner, testutil.PlanReply(map[string][]string{
			"Storefront": {"Catalog", "Cart", "Checkout"},
		}, "Storefront")).
		On(model.RoleCoder, testutil.Gated(testutil.CoderOK, gate)).
		OnStory(model.RoleCoder, "s1-1", testutil.CoderOK)

	reg := registry.New(diskFactory(first), registry.OnDuplicateAttach, nil)
	core, _, err := reg.Start(ctx, "shop", dir, "build a shop", integrationConfig())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	testutil.WaitFor(t, integrationTimeout, "first story done and two coders gated", func() bool {
		return storyStatus(core, "s1-1").IsDone() && first.InFlight() == 2
	})
	if _, locked := registry.IsLocked(stateDir); !locked {
		t.Error("run lock not held while the project runs")
	}

	if err := reg.StopAll(ctx); err != nil {
		t.Fatalf("StopAll() error = %v", err)
	}
	if got := core.Status(); got != model.StatusStopped {
		t.Fatalf("status after StopAll = %s, want stopped", got)
	}
	testutil.WaitFor(t, integrationTimeout, "run lock released", func() bool {
		_, locked := registry.IsLocked(stateDir)
		return !locked
	})

	second := testutil.NewScriptedInvoker()
	restarted := registry.New(diskFactory(second), registry.OnDuplicateAttach, nil)
	resumed, _, err := restarted.Resume(ctx, "shop", dir, nil)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if err := resumed.Wait(ctx); err != nil {
		t.Fatalf("resumed run did not finish: %v", err)
	}

	final := resumed.State()
	if final.Status != model.StatusCompleted || final.Progress != 100 {
		t.Errorf("final status = %s progress = %d, want completed 100", final.Status, final.Progress)
	}
	if final.Requirements != "build a shop" {
		t.Errorf("requirements = %q, want %q", final.Requirements, "build a shop")
	}
	if got := second.CallCount(model.RolePlanner); got != 0 {
		t.Errorf("planner calls after resume = %d, want 0", got)
	}
	for id, want := range map[string]int{"s1-1": 0, "s1-2": 1, "s1-3": 1} {
		if got := second.CallCount(model.RoleCoder, id); got != want {
			t.Errorf("coder calls for %s after resume = %d, want %d", id, got, want)
		}
	}

	testutil.WaitFor(t, integrationTimeout, "resumed run lock released", func() bool {
		_, locked := registry.IsLocked(stateDir)
		return !locked
	})

	st, err := store.New("shop", dir)
	if err != nil {
		t.Fatal(err)
	}
	persisted, err := st.LoadProjectState()
	if err != nil {
		t.Fatalf("LoadProjectState() error = %v", err)
	}
	if persisted.Status != model.StatusCompleted {
		t.Errorf("persisted status = %s, want completed", persisted.Status)
	}
	stories, err := st.LoadStories()
	if err != nil {
		t.Fatalf("LoadStories() error = %v", err)
	}
	if len(stories) != 3 {
		t.Fatalf("persisted stories = %d, want 3", len(stories))
	}
	for _, s := range stories {
		if !s.Status.IsDone() {
			t.Errorf("persisted %s = %s, want done", s.ID, s.Status)
		}
	}

	l, err := ledger.Open(st.LedgerPath())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = l.Close() }()
	runs, err := l.Runs(ctx, "shop")
	if err != nil {
		t.Fatalf("Runs() error = %v", err)
	}
	interrupted := 0
	for _, r := range runs {
		switch r.Status {
		case ledger.StatusInterrupted:
			interrupted++
			if r.Role != model.RoleCoder {
				t.Errorf("interrupted %s run, want only coder runs", r.Role)
			}
		case ledger.StatusRunning:
			t.Errorf("run %s of %s still running", r.ID, r.StoryID)
		}
	}
	if interrupted != 2 {
		t.Errorf("interrupted runs = %d, want 2", interrupted)
	}
}

// TestRegistriesShareOneRunLock checks that a second process cannot start a
// project another one is running.
func TestRegistriesShareOneRunLock(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), integrationTimeout)
	defer cancel()

	gate := make(chan struct{})
	inv := testutil.NewScriptedInvoker().
		On(model.RolePlanner, testutil.Gated(testutil.PlanReply(map[string][]string{"Core": {"One"}}, "Core"), gate))

	owner := registry.New(diskFactory(inv), registry.OnDuplicateAttach, nil)
	core, _, err := owner.Start(ctx, "shop", dir, "build a shop", integrationConfig())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	other := registry.New(diskFactory(testutil.NewScriptedInvoker()), registry.OnDuplicateAttach, nil)
	if _, _, err := other.Start(ctx, "shop", dir, "build a shop", integrationConfig()); err == nil {
		t.Error("second registry started a locked project")
	}
	if len(other.Active()) != 0 {
		t.Errorf("second registry Active() = %v, want none", other.Active())
	}

	close(gate)
	if err := core.Wait(ctx); err != nil {
		t.Fatalf("run did not finish: %v", err)
	}
	if got := core.Status(); got != model.StatusCompleted {
		t.Errorf("status = %s, want completed", got)
	}
}

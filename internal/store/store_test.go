package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/model"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := New("proj-1", t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestFileLock_LockUnlock(t *testing.T) {
	dir := t.TempDir()
	fl := NewFileLock(dir)

	if err := fl.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, lockFileName)); err != nil {
		t.Errorf("lock file should exist: %v", err)
	}
	if err := fl.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if err := fl.Unlock(); err != nil {
		t.Errorf("second Unlock should be a no-op: %v", err)
	}
}

func TestFileLock_LockInvalidDir(t *testing.T) {
	fl := NewFileLock("/nonexistent/dir/path")
	if err := fl.Lock(); err == nil {
		t.Error("Lock should fail for nonexistent directory")
	}
	if _, err := fl.TryLock(); err == nil {
		t.Error("TryLock should fail for nonexistent directory")
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("", t.TempDir()); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("New with empty id error = %v, want ErrInvalidInput", err)
	}
}

func TestNew_CreatesLayout(t *testing.T) {
	s := newTestStore(t, WithDirName(".custom"))
	if filepath.Base(s.Dir()) != ".custom" {
		t.Errorf("Dir() = %s, want .custom suffix", s.Dir())
	}
	if info, err := os.Stat(filepath.Join(s.Dir(), BacklogDirName)); err != nil || !info.IsDir() {
		t.Errorf("backlog directory missing: %v", err)
	}
	if s.HasState() {
		t.Error("HasState() = true for a fresh store")
	}
}

func TestLoadProjectState_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.LoadProjectState()
	if !errors.Is(err, errors.ErrProjectNotFound) {
		t.Errorf("LoadProjectState() error = %v, want ErrProjectNotFound", err)
	}
}

func TestLoadProjectState_Corrupted(t *testing.T) {
	s := newTestStore(t)
	if err := os.WriteFile(s.StatePath(), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := s.LoadProjectState()
	if !errors.Is(err, errors.ErrStateCorrupted) {
		t.Errorf("LoadProjectState() error = %v, want ErrStateCorrupted", err)
	}
	if errors.IsRetryable(err) {
		t.Error("corrupted snapshot should not be retryable")
	}
}

func TestSaveAndLoadProjectState(t *testing.T) {
	s := newTestStore(t)

	state := model.NewDevelopmentState("proj-1", s.ProjectDir())
	state.Requirements = "build a todo app"
	state.Status = model.StatusDeveloping
	state.Epics = []model.Epic{{ID: "e1", Title: "Core"}}
	state.Stories = []model.Story{{ID: "s1", EpicID: "e1", Title: "Add item", Status: model.StoryPending}}
	state.Progress = 40

	if err := s.SaveProjectState(state); err != nil {
		t.Fatalf("SaveProjectState() error = %v", err)
	}
	if _, err := os.Stat(s.StatePath() + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file should not remain after save")
	}

	got, err := s.LoadProjectState()
	if err != nil {
		t.Fatalf("LoadProjectState() error = %v", err)
	}
	if got.Requirements != state.Requirements || got.Progress != 40 || got.Status != model.StatusDeveloping {
		t.Errorf("got %+v, want requirements/progress/status preserved", got)
	}
	if len(got.Stories) != 1 || got.Stories[0].Title != "Add item" {
		t.Errorf("got stories %+v", got.Stories)
	}
	if got.CodeFiles == nil {
		t.Error("CodeFiles should be non-nil after load")
	}
	if !s.HasState() {
		t.Error("HasState() = false after save")
	}
}

func TestStoryLog_LastWinsFirstSeenOrder(t *testing.T) {
	s := newTestStore(t)

	versions := [][]model.Story{
		{{ID: "a", Status: model.StoryPending}, {ID: "b", Status: model.StoryPending}},
		{{ID: "c", Status: model.StoryPending}},
		{{ID: "a", Status: model.StoryInProgress}},
		{{ID: "b", Status: model.StoryFailed}},
		{{ID: "a", Status: model.StoryCompleted}},
	}
	for _, v := range versions {
		if err := s.UpdateStories(v); err != nil {
			t.Fatalf("UpdateStories() error = %v", err)
		}
	}

	got, err := s.LoadStories()
	if err != nil {
		t.Fatalf("LoadStories() error = %v", err)
	}
	want := []struct {
		id     string
		status model.StoryStatus
	}{
		{"a", model.StoryCompleted},
		{"b", model.StoryFailed},
		{"c", model.StoryPending},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d stories, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].ID != w.id || got[i].Status != w.status {
			t.Errorf("story[%d] = %s/%s, want %s/%s", i, got[i].ID, got[i].Status, w.id, w.status)
		}
	}
}

func TestStoryLog_TruncatedTrailingLine(t *testing.T) {
	s := newTestStore(t)

	if err := s.UpdateStories([]model.Story{{ID: "a", Title: "first"}}); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash in the middle of a write.
	f, err := os.OpenFile(s.StoriesPath(), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"id":"b","title":"par`); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	got, err := s.LoadStories()
	if err != nil {
		t.Fatalf("LoadStories() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Errorf("got %+v, want only story a", got)
	}

	if err := s.UpdateStories([]model.Story{{ID: "c", Title: "after crash"}}); err != nil {
		t.Fatal(err)
	}
	got, err = s.LoadStories()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1].ID != "c" {
		t.Errorf("got %+v, want stories a and c", got)
	}
}

func TestCompactionPreservesOrder(t *testing.T) {
	s := newTestStore(t, WithCompactThreshold(5))

	for i := 0; i < 4; i++ {
		if err := s.UpdateStories([]model.Story{{ID: fmt.Sprintf("s%d", i), Status: model.StoryPending}}); err != nil {
			t.Fatal(err)
		}
	}
	for round := 0; round < 3; round++ {
		for i := 3; i >= 0; i-- {
			if err := s.UpdateStories([]model.Story{{ID: fmt.Sprintf("s%d", i), Attempts: round + 1}}); err != nil {
				t.Fatal(err)
			}
		}
	}

	data, err := os.ReadFile(s.StoriesPath())
	if err != nil {
		t.Fatal(err)
	}
	if lines := strings.Count(string(data), "\n"); lines > 5 {
		t.Errorf("log has %d lines after threshold compaction, want at most 5", lines)
	}

	got, err := s.LoadStories()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 {
		t.Fatalf("got %d stories, want 4", len(got))
	}
	for i, st := range got {
		if st.ID != fmt.Sprintf("s%d", i) {
			t.Errorf("story[%d] = %s, want s%d", i, st.ID, i)
		}
		if st.Attempts != 3 {
			t.Errorf("story %s attempts = %d, want 3", st.ID, st.Attempts)
		}
	}
}

func TestCompactOnSnapshot(t *testing.T) {
	s := newTestStore(t, WithCompactThreshold(0))
	for i := 0; i < 3; i++ {
		if err := s.UpdateEpics([]model.Epic{{ID: "e1", Sequence: i}}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SaveProjectState(model.NewDevelopmentState("proj-1", s.ProjectDir())); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(s.EpicsPath())
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(string(data), "\n"); got != 1 {
		t.Errorf("epic log has %d lines after snapshot, want 1", got)
	}
	epics, _ := s.LoadEpics()
	if len(epics) != 1 || epics[0].Sequence != 2 {
		t.Errorf("got %+v, want e1 with sequence 2", epics)
	}
}

func TestMessagesDeduplicatedOnLoad(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"m1", "m2", "m1"} {
		if err := s.AppendMessage(model.AgentMessage{ID: id, Content: id}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.LoadMessages()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "m1" || got[1].ID != "m2" {
		t.Errorf("got %+v, want m1, m2", got)
	}
}

func TestSnapshotFieldUpdates(t *testing.T) {
	s := newTestStore(t)

	if err := s.UpdateProjectProgress(60); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateTestResults(model.TestResults{Passed: 2, Total: 2}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateSecurityReport(model.SecurityReport{High: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateCodeFile(model.CodeFile{Path: "main.go", Operation: model.FileCreated}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateStatus(model.StatusError, "planner returned nothing"); err != nil {
		t.Fatal(err)
	}

	st, err := s.LoadProjectState()
	if err != nil {
		t.Fatal(err)
	}
	if st.Progress != 60 || st.ProgressUpdatedAt == nil {
		t.Errorf("progress = %d (updated %v), want 60 with timestamp", st.Progress, st.ProgressUpdatedAt)
	}
	if st.TestResults == nil || st.TestResults.Passed != 2 {
		t.Errorf("test results = %+v", st.TestResults)
	}
	if st.SecurityReport == nil || st.SecurityReport.High != 1 {
		t.Errorf("security report = %+v", st.SecurityReport)
	}
	if _, ok := st.CodeFiles["main.go"]; !ok {
		t.Error("code file main.go missing")
	}
	if st.Status != model.StatusError || st.CompletedAt == nil || len(st.Errors) != 1 {
		t.Errorf("status = %s completedAt=%v errors=%v", st.Status, st.CompletedAt, st.Errors)
	}
}

func TestConcurrentAppends(t *testing.T) {
	s := newTestStore(t, WithCompactThreshold(16))

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				id := fmt.Sprintf("m-%d-%d", w, i)
				if err := s.AppendMessage(model.AgentMessage{ID: id}); err != nil {
					t.Errorf("AppendMessage(%s) error = %v", id, err)
				}
			}
		}(w)
	}
	wg.Wait()

	got, err := s.LoadMessages()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 80 {
		t.Errorf("got %d messages, want 80", len(got))
	}
}

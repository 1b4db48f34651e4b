package model

import (
	"maps"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// NewID returns a prefixed random identifier such as "story-1f0c...".
func NewID(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}

// Progress returns the share of completed stories as a percentage in [0, 100].
func Progress(stories []Story) int {
	if len(stories) == 0 {
		return 0
	}
	done := 0
	for _, s := range stories {
		if s.Status.IsDone() {
			done++
		}
	}
	return done * 100 / len(stories)
}

// Clone returns a deep copy of the state that shares no mutable memory
// with s.
func (s *DevelopmentState) Clone() DevelopmentState {
	out := *s
	out.Config = s.Config.clone()
	out.Epics = slices.Clone(s.Epics)
	out.Stories = make([]Story, len(s.Stories))
	for i, st := range s.Stories {
		out.Stories[i] = st.Clone()
	}
	out.CodeFiles = maps.Clone(s.CodeFiles)
	if out.CodeFiles == nil {
		out.CodeFiles = map[string]CodeFile{}
	}
	out.Messages = slices.Clone(s.Messages)
	out.Errors = slices.Clone(s.Errors)
	if s.TestResults != nil {
		tr := *s.TestResults
		tr.Failures = slices.Clone(tr.Failures)
		tr.Files = slices.Clone(tr.Files)
		out.TestResults = &tr
	}
	if s.SecurityReport != nil {
		sr := *s.SecurityReport
		sr.Findings = slices.Clone(sr.Findings)
		sr.ScannedFiles = slices.Clone(sr.ScannedFiles)
		out.SecurityReport = &sr
	}
	if s.ProgressUpdatedAt != nil {
		t := *s.ProgressUpdatedAt
		out.ProgressUpdatedAt = &t
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// Clone returns a copy of the story with its own slices.
func (s Story) Clone() Story {
	s.AcceptanceCriteria = slices.Clone(s.AcceptanceCriteria)
	s.TouchedFiles = slices.Clone(s.TouchedFiles)
	return s
}

func (c WorkflowConfig) clone() WorkflowConfig {
	if c.Capabilities == nil {
		return c
	}
	caps := make(map[string][]string, len(c.Capabilities))
	for k, v := range c.Capabilities {
		caps[k] = slices.Clone(v)
	}
	c.Capabilities = caps
	return c
}

// FindStory returns the index of the story with id, or -1.
func (s *DevelopmentState) FindStory(id string) int {
	return slices.IndexFunc(s.Stories, func(st Story) bool { return st.ID == id })
}

// RollupEpics recomputes each epic's status from its stories: completed once
// every story is done, failed if any story failed and none remain open,
// in_progress once work has started, pending otherwise.
func (s *DevelopmentState) RollupEpics() {
	for i := range s.Epics {
		var total, done, failed, started int
		for _, st := range s.Stories {
			if st.EpicID != s.Epics[i].ID {
				continue
			}
			total++
			switch {
			case st.Status.IsDone():
				done++
			case st.Status == StoryFailed:
				failed++
			case st.Status == StoryInProgress || st.Status == StoryTesting:
				started++
			}
		}
		switch {
		case total == 0:
			s.Epics[i].Status = StoryPending
		case done == total:
			s.Epics[i].Status = StoryCompleted
		case failed > 0 && done+failed == total:
			s.Epics[i].Status = StoryFailed
		case started > 0 || done > 0:
			s.Epics[i].Status = StoryInProgress
		default:
			s.Epics[i].Status = StoryPending
		}
	}
}

// TouchedFilesFor lists code files attributed to storyID, sorted.
func (s *DevelopmentState) TouchedFilesFor(storyID string) []string {
	var files []string
	for path, f := range s.CodeFiles {
		if f.StoryID == storyID && f.Operation != FileDeleted {
			files = append(files, path)
		}
	}
	slices.SortFunc(files, strings.Compare)
	return files
}

// Package dedup enforces idempotent inserts of epics, stories and messages.
//
// Planning replies can be retried and events are delivered at least once,
// so the same entity may arrive more than once. A [Guard] remembers every
// key it has admitted and reports whether an insert is new; callers append
// to their state and emit the matching lifecycle event only when it is.
//
// # Story Title Policy
//
// Under [model.TitleDedupEpicTitle] (the default) a story is also rejected
// when another story in the same epic has the same title after
// normalization: Unicode case folding, trimming, and collapsing internal
// whitespace. Two distinct stories sharing a title within one epic are
// therefore collapsed into the first. [model.TitleDedupIDOnly] turns the
// title rule off and only ids are compared.
//
// A Guard is not safe for concurrent use; the orchestrator calls it while
// holding its state lock.
package dedup

import (
	"strings"

	"golang.org/x/text/cases"

	"github.com/Iron-Ham/conductor/internal/model"
)

// Guard tracks admitted entity keys.
type Guard struct {
	policy   string
	fold     cases.Caser
	epics    map[string]bool
	stories  map[string]bool
	titles   map[titleKey]string // (epicID, normalized title) -> story id
	messages map[string]bool
}

type titleKey struct {
	epicID string
	title  string
}

// New creates an empty Guard using the given story title policy. An
// unrecognized policy behaves like model.TitleDedupEpicTitle.
func New(policy string) *Guard {
	if policy != model.TitleDedupIDOnly {
		policy = model.TitleDedupEpicTitle
	}
	return &Guard{
		policy:   policy,
		fold:     cases.Fold(),
		epics:    make(map[string]bool),
		stories:  make(map[string]bool),
		titles:   make(map[titleKey]string),
		messages: make(map[string]bool),
	}
}

// Policy returns the active story title policy.
func (g *Guard) Policy() string {
	return g.policy
}

// Seed admits every entity already present in state, so that later inserts
// of the same entities are rejected. Use it after loading persisted state.
func (g *Guard) Seed(state *model.DevelopmentState) {
	for _, e := range state.Epics {
		g.InsertEpic(e)
	}
	for _, s := range state.Stories {
		g.InsertStory(s)
	}
	for _, m := range state.Messages {
		g.InsertMessage(m)
	}
}

// InsertEpic admits e unless an epic with the same id was admitted.
func (g *Guard) InsertEpic(e model.Epic) bool {
	if e.ID == "" || g.epics[e.ID] {
		return false
	}
	g.epics[e.ID] = true
	return true
}

// InsertStory admits s unless a story with the same id was admitted or,
// under the epic_title policy, a story with the same epic and normalized
// title was admitted.
func (g *Guard) InsertStory(s model.Story) bool {
	if s.ID == "" || g.stories[s.ID] {
		return false
	}
	if g.policy == model.TitleDedupEpicTitle {
		key := titleKey{epicID: s.EpicID, title: g.Normalize(s.Title)}
		if _, exists := g.titles[key]; exists {
			return false
		}
		g.titles[key] = s.ID
	}
	g.stories[s.ID] = true
	return true
}

// InsertMessage admits m unless a message with the same id was admitted.
func (g *Guard) InsertMessage(m model.AgentMessage) bool {
	if m.ID == "" || g.messages[m.ID] {
		return false
	}
	g.messages[m.ID] = true
	return true
}

// DuplicateOf returns the id of the admitted story that s collides with by
// title, if any.
func (g *Guard) DuplicateOf(s model.Story) (string, bool) {
	if g.policy != model.TitleDedupEpicTitle {
		return "", false
	}
	id, ok := g.titles[titleKey{epicID: s.EpicID, title: g.Normalize(s.Title)}]
	return id, ok
}

// Normalize returns the comparison form of a story title.
func (g *Guard) Normalize(title string) string {
	return strings.Join(strings.Fields(g.fold.String(title)), " ")
}

// Len reports how many epics, stories and messages have been admitted.
func (g *Guard) Len() (epics, stories, messages int) {
	return len(g.epics), len(g.stories), len(g.messages)
}

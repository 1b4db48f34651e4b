package pool

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/model"
)

// unknownEpicSequence sorts stories of unregistered epics last.
const unknownEpicSequence = int(^uint(0) >> 1)

type entry struct {
	story model.Story
	seq   int
	claim string // worker holding the story, empty when unclaimed
}

// Queue holds the stories of a run in dispatch order: epic sequence, then
// priority rank, then insertion order. All methods are safe for concurrent
// use; every claim is a compare-and-set under the queue mutex.
type Queue struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   []string
	epics   map[string]model.Epic
	nextSeq int
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		entries: make(map[string]*entry),
		epics:   make(map[string]model.Epic),
	}
}

// AddEpics registers epics so their stories sort by epic sequence.
func (q *Queue) AddEpics(epics []model.Epic) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range epics {
		q.epics[e.ID] = e
	}
	q.sortLocked()
}

// Epic returns a registered epic.
func (q *Queue) Epic(id string) (model.Epic, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.epics[id]
	return e, ok
}

// Add inserts stories whose ids are not queued yet and returns how many
// were added. Stories are stored as given, including their status.
func (q *Queue) Add(stories []model.Story) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	added := 0
	for _, s := range stories {
		if s.ID == "" {
			continue
		}
		if _, exists := q.entries[s.ID]; exists {
			continue
		}
		q.entries[s.ID] = &entry{story: s.Clone(), seq: q.nextSeq}
		q.order = append(q.order, s.ID)
		q.nextSeq++
		added++
	}
	if added > 0 {
		q.sortLocked()
	}
	return added
}

func (q *Queue) sortLocked() {
	sort.SliceStable(q.order, func(i, j int) bool {
		a, b := q.entries[q.order[i]], q.entries[q.order[j]]
		sa, sb := q.epicSequence(a.story.EpicID), q.epicSequence(b.story.EpicID)
		if sa != sb {
			return sa < sb
		}
		ra, rb := a.story.Priority.Rank(), b.story.Priority.Rank()
		if ra != rb {
			return ra < rb
		}
		return a.seq < b.seq
	})
}

func (q *Queue) epicSequence(epicID string) int {
	if e, ok := q.epics[epicID]; ok {
		return e.Sequence
	}
	return unknownEpicSequence
}

// ClaimNext claims the first unclaimed story in status from for worker and
// moves it to status to. It returns false when nothing is claimable.
//
// When from and to differ, a story in status from must never hold a claim;
// finding one is reported as a ConcurrencyViolation.
func (q *Queue) ClaimNext(worker string, from, to model.StoryStatus) (model.Story, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range q.order {
		e := q.entries[id]
		if e.story.Status != from {
			continue
		}
		if e.claim != "" {
			if from != to {
				return model.Story{}, false, errors.NewConcurrencyViolation(id, e.claim, worker)
			}
			continue
		}
		e.claim = worker
		e.story.Status = to
		e.story.AssignedTo = worker
		e.story.UpdatedAt = time.Now()
		return e.story.Clone(), true, nil
	}
	return model.Story{}, false, nil
}

// Update applies fn to a story claimed by worker.
func (q *Queue) Update(id, worker string, fn func(*model.Story)) (model.Story, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.ownedLocked(id, worker)
	if err != nil {
		return model.Story{}, err
	}
	fn(&e.story)
	e.story.UpdatedAt = time.Now()
	return e.story.Clone(), nil
}

// Release moves a story claimed by worker to status to, applies fn and
// drops the claim. It returns the new version and the previous status.
func (q *Queue) Release(id, worker string, to model.StoryStatus, fn func(*model.Story)) (model.Story, model.StoryStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.ownedLocked(id, worker)
	if err != nil {
		return model.Story{}, "", err
	}
	prev := e.story.Status
	if fn != nil {
		fn(&e.story)
	}
	e.story.Status = to
	e.story.UpdatedAt = time.Now()
	if to == model.StoryPending || to.IsTerminal() {
		e.story.AssignedTo = ""
	}
	e.claim = ""
	return e.story.Clone(), prev, nil
}

func (q *Queue) ownedLocked(id, worker string) (*entry, error) {
	e, ok := q.entries[id]
	if !ok {
		return nil, errors.NewNotFoundError("story", id)
	}
	if e.claim != worker {
		return nil, errors.NewConcurrencyViolation(id, e.claim, worker)
	}
	return e, nil
}

// Get returns a copy of a story.
func (q *Queue) Get(id string) (model.Story, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return model.Story{}, false
	}
	return e.story.Clone(), true
}

// Holder returns the worker holding a story, if any.
func (q *Queue) Holder(id string) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[id]; ok {
		return e.claim
	}
	return ""
}

// Snapshot returns copies of every story in dispatch order.
func (q *Queue) Snapshot() []model.Story {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.Story, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.entries[id].story.Clone())
	}
	return out
}

// Len returns the number of queued stories.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// AllTerminal reports whether every story is completed, done or failed.
func (q *Queue) AllTerminal() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if !e.story.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Counts tallies stories by status.
func (q *Queue) Counts() map[model.StoryStatus]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := make(map[model.StoryStatus]int)
	for _, e := range q.entries {
		counts[e.story.Status]++
	}
	return counts
}

// String renders the queue counts for logs.
func (q *Queue) String() string {
	c := q.Counts()
	return fmt.Sprintf("pending=%d in_progress=%d testing=%d completed=%d failed=%d",
		c[model.StoryPending], c[model.StoryInProgress], c[model.StoryTesting],
		c[model.StoryCompleted]+c[model.StoryDone], c[model.StoryFailed])
}

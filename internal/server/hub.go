package server

import (
	"sync"
	"sync/atomic"

	"github.com/Iron-Ham/conductor/internal/event"
	"github.com/Iron-Ham/conductor/internal/logging"
	"github.com/Iron-Ham/conductor/internal/orchestrator"
)

// DefaultClientBuffer is the number of frames queued per SSE client before
// further frames are dropped for that client.
const DefaultClientBuffer = 256

// Frame is one encoded event ready to be written to a stream.
type Frame struct {
	Type string
	Data []byte
	// Terminal is set on the event that ends a run.
	Terminal bool
}

type client struct {
	frames chan Frame
}

// Hub fans events out from orchestrator buses to stream clients. It
// implements event.Relay; Deliver never blocks the publishing orchestrator.
type Hub struct {
	logger *logging.Logger
	buffer int

	mu       sync.Mutex
	clients  map[string]map[*client]struct{}
	attached map[*orchestrator.Core]struct{}

	dropped atomic.Uint64
}

// NewHub creates an empty hub.
func NewHub(logger *logging.Logger) *Hub {
	return &Hub{
		logger:   logging.OrNop(logger),
		buffer:   DefaultClientBuffer,
		clients:  make(map[string]map[*client]struct{}),
		attached: make(map[*orchestrator.Core]struct{}),
	}
}

// Attach relays every event of core to the hub until core is done.
// Attaching the same core again is a no-op.
func (h *Hub) Attach(core *orchestrator.Core) {
	h.mu.Lock()
	if _, ok := h.attached[core]; ok {
		h.mu.Unlock()
		return
	}
	h.attached[core] = struct{}{}
	h.mu.Unlock()

	sub := core.Bus().AttachRelay(h)
	go func() {
		<-core.Done()
		core.Bus().Unsubscribe(sub)
		h.mu.Lock()
		delete(h.attached, core)
		h.mu.Unlock()
	}()
}

// Deliver implements event.Relay.
func (h *Hub) Deliver(projectID string, e event.Event) {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients[projectID]))
	for c := range h.clients[projectID] {
		targets = append(targets, c)
	}
	h.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	data, err := event.Marshal(e)
	if err != nil {
		h.logger.Warn("encode event", "project_id", projectID, "type", e.EventType(), "error", err)
		return
	}
	f := Frame{Type: e.EventType(), Data: data, Terminal: isTerminal(e)}
	for _, c := range targets {
		select {
		case c.frames <- f:
		default:
			h.dropped.Add(1)
			h.logger.Debug("sse client too slow, frame dropped", "project_id", projectID, "type", f.Type)
		}
	}
}

// Subscribe registers a stream client for projectID. The returned cancel
// function must be called when the client goes away.
func (h *Hub) Subscribe(projectID string) (<-chan Frame, func()) {
	c := &client{frames: make(chan Frame, h.buffer)}
	h.mu.Lock()
	if h.clients[projectID] == nil {
		h.clients[projectID] = make(map[*client]struct{})
	}
	h.clients[projectID][c] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return c.frames, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.clients[projectID], c)
			if len(h.clients[projectID]) == 0 {
				delete(h.clients, projectID)
			}
		})
	}
}

// Clients returns the number of stream clients of projectID.
func (h *Hub) Clients(projectID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[projectID])
}

// Dropped returns how many frames were discarded for slow clients.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

func isTerminal(e event.Event) bool {
	switch ev := e.(type) {
	case event.WorkflowCompletedEvent, event.WorkflowErrorEvent:
		return true
	case event.WorkflowStatusEvent:
		return ev.To.IsTerminal()
	}
	return false
}

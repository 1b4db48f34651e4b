package event

import (
	"encoding/json"
	"time"
)

// Relay forwards events to observers outside the process, such as SSE
// clients. Deliver is called synchronously from Publish and must not block.
type Relay interface {
	Deliver(projectID string, e Event)
}

// RelayFunc adapts a function to the Relay interface.
type RelayFunc func(projectID string, e Event)

// Deliver calls f.
func (f RelayFunc) Deliver(projectID string, e Event) { f(projectID, e) }

// AttachRelay forwards every event on the bus to r. It returns the
// subscription ID so the relay can be detached with Unsubscribe.
func (b *Bus) AttachRelay(r Relay) string {
	return b.SubscribeAll(func(e Event) {
		r.Deliver(b.projectID, e)
	})
}

// Envelope is the wire form of an event.
type Envelope struct {
	Type      string    `json:"type"`
	ProjectID string    `json:"projectId"`
	StoryID   string    `json:"storyId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   Event     `json:"payload"`
}

// Wrap builds the envelope for e.
func Wrap(e Event) Envelope {
	env := Envelope{
		Type:      e.EventType(),
		ProjectID: e.ProjectID(),
		Timestamp: e.Timestamp(),
		Payload:   e,
	}
	if se, ok := e.(StoryEvent); ok {
		env.StoryID = se.StoryID()
	}
	return env
}

// Marshal encodes the envelope of e as JSON.
func Marshal(e Event) ([]byte, error) {
	return json.Marshal(Wrap(e))
}

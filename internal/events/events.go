// Package events carries outbound notifications to the UI.
//
// Producers (download sessions, agent output drains, the engine callback
// dispatcher) emit through an Emitter; the Wails app and the API stream
// subscribe to a Bus.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Event names as seen by the front end.
const (
	DownloadProgress = "download-progress"
	AgentOutput      = "agent-output"
	EngineCallback   = "engine-callback"
)

// DownloadProgressPayload reports the state of one download session.
// TotalBytes and Percent are 0 when the size is unknown.
type DownloadProgressPayload struct {
	SessionID       uint64  `json:"sessionId"`
	DownloadedBytes int64   `json:"downloadedBytes"`
	TotalBytes      int64   `json:"totalBytes"`
	SpeedBps        float64 `json:"speedBps"`
	Percent         float64 `json:"percent"`
}

// AgentOutputPayload is one line printed by an agent child process.
type AgentOutputPayload struct {
	InstanceID string `json:"instanceId"`
	Stream     string `json:"stream"`
	Line       string `json:"line"`
}

// EngineCallbackPayload is an engine notification resolved to its owners.
type EngineCallbackPayload struct {
	Handle      string          `json:"handle"`
	Kind        string          `json:"kind"`
	Message     string          `json:"message"`
	Details     json.RawMessage `json:"details,omitempty"`
	InstanceIDs []string        `json:"instanceIds"`
}

// Emitter delivers one named event.
type Emitter interface {
	Emit(name string, payload any)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(name string, payload any)

func (f EmitterFunc) Emit(name string, payload any) { f(name, payload) }

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(string, any) {})

// Message is one event as delivered to subscribers.
type Message struct {
	Time    time.Time `json:"ts"`
	Name    string    `json:"name"`
	Payload any       `json:"payload"`
}

// Bus fans events out to live subscribers. Slow subscribers drop events
// rather than stall the producer.
type Bus struct {
	mu   sync.Mutex
	subs []chan Message
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) Emit(name string, payload any) {
	msg := Message{Time: time.Now(), Name: name, Payload: payload}

	// Sends never block, so holding the lock keeps unsubscribe from
	// closing a channel mid-send.
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Subscribe returns a channel of future events and an unsubscribe function.
func (b *Bus) Subscribe() (ch chan Message, unsub func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch = make(chan Message, 256)
	b.subs = append(b.subs, ch)

	var once sync.Once
	unsub = func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s == ch {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					close(ch)
					return
				}
			}
		})
	}
	return ch, unsub
}

// Close closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}

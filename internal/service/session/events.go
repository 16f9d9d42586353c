package session

import (
	"sync"
	"time"

	"github.com/zhouzirui/tcm-fusion/backend/internal/model/diagnosis"
)

// Event is a session change pushed to subscribers.
type Event struct {
	SessionID    string                        `json:"sessionId"`
	Status       diagnosis.Status              `json:"status"`
	Availability map[diagnosis.Modality]string `json:"availability"`
	Version      int64                         `json:"version"`
	At           time.Time                     `json:"at"`
}

// Broker fans session events out to per-session subscribers. Slow
// subscribers miss events rather than block writers.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

// NewBroker returns an empty Broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[chan Event]struct{})}
}

// Subscribe registers for one session's events. Call the returned func to
// unsubscribe; it closes the channel.
func (b *Broker) Subscribe(sessionID string) (<-chan Event, func()) {
	ch := make(chan Event, 16)

	b.mu.Lock()
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[chan Event]struct{})
	}
	b.subs[sessionID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[sessionID], ch)
			if len(b.subs[sessionID]) == 0 {
				delete(b.subs, sessionID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev without blocking.
func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs[ev.SessionID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers returns the number of listeners for a session.
func (b *Broker) Subscribers(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[sessionID])
}

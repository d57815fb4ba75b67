// Package presence tracks short-lived "user is typing" state. Entries
// expire on their own after the TTL; counterparts that stop typing without
// sending an explicit stop simply age out.
package presence

import (
	"sync"
	"time"

	"github.com/sanctum-app/chatsync/internal/bus"
)

// TTL is how long a typing indicator stays valid without a refresh.
const TTL = 3 * time.Second

type key struct {
	conversationID string
	userID         string
}

type entry struct {
	observedAt time.Time
	timer      *time.Timer
}

// Tracker holds the active typing indicators for a session.
type Tracker struct {
	mu       sync.Mutex
	ttl      time.Duration
	entries  map[key]*entry
	bus      *bus.Bus
	disposed bool
}

// NewTracker creates a presence tracker with the default TTL.
func NewTracker(b *bus.Bus) *Tracker {
	return &Tracker{
		ttl:     TTL,
		entries: make(map[key]*entry),
		bus:     b,
	}
}

// Change is the payload of presence.changed events.
type Change struct {
	ConversationID string
	UserID         string
	IsTyping       bool
}

// Observe records or refreshes a typing indicator. A refresh replaces the
// expiry timer; it never stacks a second one.
func (t *Tracker) Observe(conversationID, userID string) {
	k := key{conversationID, userID}

	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return
	}
	if e, ok := t.entries[k]; ok {
		e.timer.Stop()
	}
	t.entries[k] = &entry{
		observedAt: time.Now(),
		timer: time.AfterFunc(t.ttl, func() {
			t.expire(k)
		}),
	}
	t.mu.Unlock()

	t.publish(conversationID, userID, true)
}

// Stop removes a typing indicator immediately, bypassing the timer.
func (t *Tracker) Stop(conversationID, userID string) {
	k := key{conversationID, userID}

	t.mu.Lock()
	e, ok := t.entries[k]
	if ok {
		e.timer.Stop()
		delete(t.entries, k)
	}
	t.mu.Unlock()

	if ok {
		t.publish(conversationID, userID, false)
	}
}

// Typing returns the users currently typing in a conversation. Entries are
// double-checked against observedAt so a late-firing timer can never make
// a stale entry visible.
func (t *Tracker) Typing(conversationID string) []string {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for k, e := range t.entries {
		if k.conversationID == conversationID && now.Sub(e.observedAt) < t.ttl {
			out = append(out, k.userID)
		}
	}
	return out
}

// IsTyping reports whether a specific user is typing in a conversation.
func (t *Tracker) IsTyping(conversationID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key{conversationID, userID}]
	return ok && time.Since(e.observedAt) < t.ttl
}

// Dispose cancels every expiry timer. The tracker is unusable afterwards.
func (t *Tracker) Dispose() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disposed = true
	for k, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, k)
	}
}

func (t *Tracker) expire(k key) {
	t.mu.Lock()
	e, ok := t.entries[k]
	// A refresh may have replaced the entry after this timer was armed.
	if ok && time.Since(e.observedAt) >= t.ttl {
		delete(t.entries, k)
	} else {
		ok = false
	}
	t.mu.Unlock()

	if ok {
		t.publish(k.conversationID, k.userID, false)
	}
}

func (t *Tracker) publish(conversationID, userID string, isTyping bool) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(bus.Event{
		Kind:      "presence.changed",
		Timestamp: time.Now(),
		Payload: Change{
			ConversationID: conversationID,
			UserID:         userID,
			IsTyping:       isTyping,
		},
	})
}

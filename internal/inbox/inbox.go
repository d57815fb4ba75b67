// Package inbox holds the in-memory collections the router maintains from
// inbound frames: chat messages, booking updates, payment notices, read
// receipts, and reaction events. Durable message storage lives server-side;
// this is the session's live view.
package inbox

import (
	"sync"
	"time"

	"github.com/sanctum-app/chatsync/internal/bus"
	"github.com/sanctum-app/chatsync/internal/transport"
)

// Message is a chat message as seen by this session.
type Message struct {
	ID             string
	LocalID        string
	ConversationID string
	SenderID       string
	SenderName     string
	Content        string
	MessageType    string
	CreatedAt      int64
	Read           bool
}

// PaymentNotice is a payment_required notification. Unread until the UI
// acknowledges it.
type PaymentNotice struct {
	transport.PaymentRequired
	ReceivedAt int64
	Unread     bool
}

// ReactionEvent records a reaction being added or removed on a message.
type ReactionEvent struct {
	transport.Reaction
	Added      bool
	ReceivedAt int64
}

// Inbox is the mutable in-memory state. All mutations come from the router
// and are serialized by the mutex.
type Inbox struct {
	mu             sync.RWMutex
	messages       []Message
	bookingUpdates []transport.BookingUpdate
	payments       []PaymentNotice
	reactions      []ReactionEvent
	bus            *bus.Bus
}

// New creates an empty inbox.
func New(b *bus.Bus) *Inbox {
	return &Inbox{bus: b}
}

// AddMessage appends an inbound chat message.
func (in *Inbox) AddMessage(msg transport.ChatMessage) {
	in.mu.Lock()
	in.messages = append(in.messages, Message{
		ID:             msg.ID,
		LocalID:        msg.LocalID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderName,
		Content:        msg.Content,
		MessageType:    msg.MessageType,
		CreatedAt:      msg.CreatedAt,
	})
	in.mu.Unlock()

	in.publish("inbox.message", msg)
}

// Messages returns the messages for a conversation, oldest first.
func (in *Inbox) Messages(conversationID string) []Message {
	in.mu.RLock()
	defer in.mu.RUnlock()
	var out []Message
	for _, m := range in.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out
}

// MarkRead flags the matching message as read.
func (in *Inbox) MarkRead(r transport.MessageRead) {
	in.mu.Lock()
	for i := range in.messages {
		if in.messages[i].ID == r.MessageID {
			in.messages[i].Read = true
			break
		}
	}
	in.mu.Unlock()

	in.publish("inbox.read", r)
}

// AddBookingUpdate appends a booking status change.
func (in *Inbox) AddBookingUpdate(u transport.BookingUpdate) {
	in.mu.Lock()
	in.bookingUpdates = append(in.bookingUpdates, u)
	in.mu.Unlock()

	in.publish("inbox.booking_update", u)
}

// BookingUpdates returns all booking updates in arrival order.
func (in *Inbox) BookingUpdates() []transport.BookingUpdate {
	in.mu.RLock()
	defer in.mu.RUnlock()
	out := make([]transport.BookingUpdate, len(in.bookingUpdates))
	copy(out, in.bookingUpdates)
	return out
}

// AddPayment appends an unread payment notice.
func (in *Inbox) AddPayment(p transport.PaymentRequired) {
	in.mu.Lock()
	in.payments = append(in.payments, PaymentNotice{
		PaymentRequired: p,
		ReceivedAt:      time.Now().UnixMilli(),
		Unread:          true,
	})
	in.mu.Unlock()

	in.publish("inbox.payment_required", p)
}

// Payments returns all payment notices in arrival order.
func (in *Inbox) Payments() []PaymentNotice {
	in.mu.RLock()
	defer in.mu.RUnlock()
	out := make([]PaymentNotice, len(in.payments))
	copy(out, in.payments)
	return out
}

// UnreadPayments counts notices the UI has not acknowledged yet.
func (in *Inbox) UnreadPayments() int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	n := 0
	for _, p := range in.payments {
		if p.Unread {
			n++
		}
	}
	return n
}

// AckPayments marks every payment notice as read.
func (in *Inbox) AckPayments() {
	in.mu.Lock()
	for i := range in.payments {
		in.payments[i].Unread = false
	}
	in.mu.Unlock()
}

// AddReaction appends a reaction add/remove event.
func (in *Inbox) AddReaction(r transport.Reaction, added bool) {
	in.mu.Lock()
	in.reactions = append(in.reactions, ReactionEvent{
		Reaction:   r,
		Added:      added,
		ReceivedAt: time.Now().UnixMilli(),
	})
	in.mu.Unlock()

	in.publish("inbox.reaction", r)
}

// Reactions returns the reaction events for a message.
func (in *Inbox) Reactions(messageID string) []ReactionEvent {
	in.mu.RLock()
	defer in.mu.RUnlock()
	var out []ReactionEvent
	for _, r := range in.reactions {
		if r.MessageID == messageID {
			out = append(out, r)
		}
	}
	return out
}

func (in *Inbox) publish(kind string, payload any) {
	if in.bus == nil {
		return
	}
	in.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// Package router dispatches inbound wire frames to the components that own
// them: chat messages to the inbox (and to the pending tracker when they
// echo our own sends), typing indicators to presence, booking and payment
// frames to their collections. Anything unrecognized is logged and dropped;
// a bad frame never takes the session down.
package router

import (
	"context"
	"encoding/json"

	"github.com/sanctum-app/chatsync/internal/bus"
	"github.com/sanctum-app/chatsync/internal/inbox"
	"github.com/sanctum-app/chatsync/internal/presence"
	"github.com/sanctum-app/chatsync/internal/transport"
	"go.uber.org/zap"
)

// PendingConfirmer reconciles server echoes with optimistic local messages.
type PendingConfirmer interface {
	Confirm(localID string, serverMsg transport.ChatMessage)
}

// Router consumes transport.frame bus events and updates session state.
type Router struct {
	bus      *bus.Bus
	inbox    *inbox.Inbox
	presence *presence.Tracker
	pending  PendingConfirmer
	logger   *zap.Logger
	cancel   context.CancelFunc
}

// New creates a router.
func New(b *bus.Bus, in *inbox.Inbox, pr *presence.Tracker, pending PendingConfirmer, logger *zap.Logger) *Router {
	return &Router{
		bus:      b,
		inbox:    in,
		presence: pr,
		pending:  pending,
		logger:   logger,
	}
}

// Start subscribes to inbound frames and dispatches until the context is
// cancelled or Dispose is called.
func (r *Router) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	ch, unsub := r.bus.Subscribe("transport.frame", 64)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				f, ok := evt.Payload.(transport.Frame)
				if !ok {
					continue
				}
				r.route(f)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Dispose stops the dispatch loop.
func (r *Router) Dispose() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Router) route(f transport.Frame) {
	switch f.Type {
	case transport.TypeChatMessage, transport.TypeNewMessage:
		var msg transport.ChatMessage
		if !r.decode(f, &msg) {
			return
		}
		// An echo of our own send carries the client-side id; reconcile
		// the placeholder before recording the canonical server copy.
		if msg.LocalID != "" && r.pending != nil {
			r.pending.Confirm(msg.LocalID, msg)
		}
		r.inbox.AddMessage(msg)

	case transport.TypeTypingIndicator:
		var ti transport.TypingIndicator
		if !r.decode(f, &ti) {
			return
		}
		if ti.IsTyping {
			r.presence.Observe(ti.ConversationID, ti.UserID)
		} else {
			r.presence.Stop(ti.ConversationID, ti.UserID)
		}

	case transport.TypeBookingUpdate:
		var u transport.BookingUpdate
		if r.decode(f, &u) {
			r.inbox.AddBookingUpdate(u)
		}

	case transport.TypePaymentRequired:
		var p transport.PaymentRequired
		if r.decode(f, &p) {
			r.inbox.AddPayment(p)
		}

	case transport.TypeMessageRead:
		var mr transport.MessageRead
		if r.decode(f, &mr) {
			r.inbox.MarkRead(mr)
		}

	case transport.TypeReactionAdded:
		var re transport.Reaction
		if r.decode(f, &re) {
			r.inbox.AddReaction(re, true)
		}

	case transport.TypeReactionRemoved:
		var re transport.Reaction
		if r.decode(f, &re) {
			r.inbox.AddReaction(re, false)
		}

	case transport.TypePing, transport.TypePong, transport.TypeConnectionEstablished:
		// Connection-level frames; the manager already handled them.

	default:
		r.logger.Debug("dropping unknown frame", zap.String("type", f.Type))
	}
}

func (r *Router) decode(f transport.Frame, v any) bool {
	if err := json.Unmarshal(f.Data, v); err != nil {
		r.logger.Warn("dropping malformed frame payload",
			zap.String("type", f.Type),
			zap.Error(err))
		return false
	}
	return true
}

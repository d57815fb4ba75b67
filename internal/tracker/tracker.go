// Package tracker implements optimistic message sending: a message gets a
// client-local identity and becomes visible the instant the user acts, and
// is reconciled against the server's echo later. The server's confirmation
// is the only path to "sent"; transport-level send success is not enough.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sanctum-app/chatsync/internal/bus"
	"github.com/sanctum-app/chatsync/internal/conn"
	"github.com/sanctum-app/chatsync/internal/queue"
	"github.com/sanctum-app/chatsync/internal/transport"
	"go.uber.org/zap"
)

// Status is the lifecycle state of a pending message.
type Status string

const (
	// StatusSending: transmitted at the transport level, awaiting the
	// server's echo.
	StatusSending Status = "sending"
	// StatusSent: confirmed by the server. Terminal.
	StatusSent Status = "sent"
	// StatusFailed: transport rejected the send. Eligible for manual
	// retry until the retry budget is spent.
	StatusFailed Status = "failed"
	// StatusQueued: composed while offline; drains automatically once
	// the connection returns.
	StatusQueued Status = "queued"
	// StatusRetrying: a retry is scheduled and waiting out its backoff.
	StatusRetrying Status = "retrying"
)

// MaxRetries bounds manual retries per message.
const MaxRetries = 3

// ErrUnknownMessage is returned for operations on an absent localId.
var ErrUnknownMessage = errors.New("tracker: unknown message")

// ErrRetriesExhausted is returned when Retry is called past the budget.
var ErrRetriesExhausted = errors.New("tracker: retries exhausted")

// ErrRetryInFlight is returned when a retry is already scheduled or the
// message is already in transit; a message never has two simultaneous
// transmission attempts.
var ErrRetryInFlight = errors.New("tracker: attempt already in flight")

// ErrNotFailed is returned when Retry is called on a message that is not
// failed. Queued messages are drained automatically; retrying one by hand
// would race the drain and transmit it twice.
var ErrNotFailed = errors.New("tracker: message is not failed")

// PendingMessage is a user-authored message awaiting server acknowledgment.
type PendingMessage struct {
	LocalID        string
	ServerID       string
	ConversationID string
	Content        string
	MessageType    string
	Status         Status
	RetryCount     int
	CreatedAt      time.Time
}

// Sender is the slice of the connection manager the tracker needs.
type Sender interface {
	Send(ctx context.Context, f transport.Frame) error
	Connected() bool
}

// Options tunes the retry backoff. Zero values take the connection
// manager's defaults (1s base, 30s cap).
type Options struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Tracker owns the active set of pending messages and the offline queue
// drain. Construct one per session and Dispose it on teardown.
type Tracker struct {
	sender Sender
	queue  *queue.Queue
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options
	cancel context.CancelFunc

	mu          sync.Mutex
	pending     map[string]*PendingMessage
	retryTimers map[string]*time.Timer
	disposed    bool
}

// New creates a tracker.
func New(sender Sender, q *queue.Queue, b *bus.Bus, logger *zap.Logger, opts Options) *Tracker {
	if opts.BaseDelay == 0 {
		opts.BaseDelay = conn.DefaultBaseDelay
	}
	if opts.MaxDelay == 0 {
		opts.MaxDelay = conn.DefaultMaxDelay
	}
	return &Tracker{
		sender:      sender,
		queue:       q,
		bus:         b,
		logger:      logger,
		opts:        opts,
		pending:     make(map[string]*PendingMessage),
		retryTimers: make(map[string]*time.Timer),
	}
}

// Start subscribes to connection events: every transition into connected
// triggers an offline-queue drain.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	ch, unsub := t.bus.Subscribe("conn.connected", 16)

	go func() {
		defer unsub()
		for {
			select {
			case <-ch:
				if err := t.DrainQueue(ctx); err != nil {
					t.logger.Warn("queue drain interrupted", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// NewLocalID generates a session-unique client id: millisecond timestamp
// plus a random suffix.
func NewLocalID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// Send creates a pending message and attempts transmission. While offline
// the message is queued durably instead; a transport error marks it failed
// and leaves retry to the user.
func (t *Tracker) Send(ctx context.Context, conversationID, content, messageType string) (PendingMessage, error) {
	pm := &PendingMessage{
		LocalID:        NewLocalID(),
		ConversationID: conversationID,
		Content:        content,
		MessageType:    messageType,
		Status:         StatusSending,
		CreatedAt:      time.Now(),
	}

	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return PendingMessage{}, errors.New("tracker: disposed")
	}
	t.pending[pm.LocalID] = pm
	t.mu.Unlock()

	if !t.sender.Connected() {
		t.markQueued(pm)
		return t.snapshot(pm.LocalID)
	}

	err := t.transmit(ctx, pm)
	switch {
	case errors.Is(err, conn.ErrNotConnected):
		t.markQueued(pm)
	case err != nil:
		t.setStatus(pm.LocalID, StatusFailed)
		t.publish("message.failed", pm.LocalID)
		t.logger.Warn("send failed", zap.String("local_id", pm.LocalID), zap.Error(err))
	default:
		t.publish("message.updated", pm.LocalID)
	}
	return t.snapshot(pm.LocalID)
}

// Retry schedules a manual retry of a failed message after the usual
// exponential backoff. Only failed messages are retryable: queued ones
// belong to the drain. The retry budget is MaxRetries per message; past
// it the message is terminally failed and Retry reports so.
func (t *Tracker) Retry(localID string) error {
	t.mu.Lock()
	pm, ok := t.pending[localID]
	if !ok {
		t.mu.Unlock()
		return ErrUnknownMessage
	}
	switch pm.Status {
	case StatusRetrying, StatusSending:
		t.mu.Unlock()
		return ErrRetryInFlight
	case StatusFailed:
	default:
		t.mu.Unlock()
		return ErrNotFailed
	}
	if pm.RetryCount >= MaxRetries {
		t.mu.Unlock()
		return ErrRetriesExhausted
	}
	attempt := pm.RetryCount
	delay := conn.Backoff(attempt, t.opts.BaseDelay, t.opts.MaxDelay)
	pm.Status = StatusRetrying
	t.retryTimers[localID] = time.AfterFunc(delay, func() {
		t.runRetry(localID)
	})
	t.mu.Unlock()

	t.publish("message.updated", localID)
	t.logger.Info("retry scheduled",
		zap.String("local_id", localID),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))
	return nil
}

func (t *Tracker) runRetry(localID string) {
	t.mu.Lock()
	delete(t.retryTimers, localID)
	pm, ok := t.pending[localID]
	if !ok || t.disposed {
		t.mu.Unlock()
		return
	}
	pm.RetryCount++
	pm.Status = StatusSending
	t.mu.Unlock()

	err := t.transmit(context.Background(), pm)
	switch {
	case errors.Is(err, conn.ErrNotConnected):
		// The connection went away between scheduling and firing; hand
		// the message to the drain instead of burning it as failed.
		t.logger.Info("retry while offline, message queued", zap.String("local_id", localID))
		t.markQueued(pm)
	case err != nil:
		t.setStatus(localID, StatusFailed)
		t.publish("message.failed", localID)
		t.logger.Warn("retry failed",
			zap.String("local_id", localID),
			zap.Int("retry_count", pm.RetryCount),
			zap.Error(err))
	default:
		t.publish("message.updated", localID)
	}
}

// Confirm reconciles the optimistic placeholder with the server's record.
// Idempotent: a duplicate or unknown localId is a no-op, tolerating
// duplicate server acks.
func (t *Tracker) Confirm(localID string, serverMsg transport.ChatMessage) {
	t.mu.Lock()
	pm, ok := t.pending[localID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if timer, ok := t.retryTimers[localID]; ok {
		timer.Stop()
		delete(t.retryTimers, localID)
	}
	pm.ServerID = serverMsg.ID
	pm.Status = StatusSent
	confirmed := *pm
	delete(t.pending, localID)
	t.mu.Unlock()

	// The entry may still be in the durable queue if the ack raced the
	// drain bookkeeping.
	if err := t.queue.Remove(localID); err != nil {
		t.logger.Warn("failed to clear queued entry", zap.String("local_id", localID), zap.Error(err))
	}

	t.bus.Publish(bus.Event{
		Kind:      "message.confirmed",
		Timestamp: time.Now(),
		Payload:   confirmed,
	})
}

// Delete removes a failed message on explicit user action.
func (t *Tracker) Delete(localID string) error {
	t.mu.Lock()
	_, ok := t.pending[localID]
	if !ok {
		t.mu.Unlock()
		return ErrUnknownMessage
	}
	if timer, ok := t.retryTimers[localID]; ok {
		timer.Stop()
		delete(t.retryTimers, localID)
	}
	delete(t.pending, localID)
	t.mu.Unlock()

	if err := t.queue.Remove(localID); err != nil {
		return err
	}
	t.publish("message.deleted", localID)
	return nil
}

// Get returns a snapshot of a pending message.
func (t *Tracker) Get(localID string) (PendingMessage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pm, ok := t.pending[localID]
	if !ok {
		return PendingMessage{}, false
	}
	return *pm, true
}

// Pending returns snapshots of all active messages, oldest first.
func (t *Tracker) Pending() []PendingMessage {
	t.mu.Lock()
	out := make([]PendingMessage, 0, len(t.pending))
	for _, pm := range t.pending {
		out = append(out, *pm)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// DrainQueue transmits queued entries in FIFO order. Each transmitted
// entry moves to "sending" and awaits its confirmation; the drain stops
// at the first transport error, leaving the tail queued.
func (t *Tracker) DrainQueue(ctx context.Context) error {
	_, err := t.queue.Drain(ctx, func(ctx context.Context, e queue.Entry) error {
		t.mu.Lock()
		pm, ok := t.pending[e.LocalID]
		if !ok {
			// Entry queued by a previous run; rebuild the in-memory record.
			pm = &PendingMessage{
				LocalID:        e.LocalID,
				ConversationID: e.ConversationID,
				Content:        e.Content,
				MessageType:    e.MessageType,
				Status:         StatusQueued,
				CreatedAt:      time.UnixMilli(e.QueuedAt),
			}
			t.pending[e.LocalID] = pm
		}
		t.mu.Unlock()

		if err := t.transmit(ctx, pm); err != nil {
			return err
		}
		t.setStatus(e.LocalID, StatusSending)
		t.publish("message.updated", e.LocalID)
		return nil
	})
	return err
}

// Dispose cancels the drain subscription and every scheduled retry.
func (t *Tracker) Dispose() {
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disposed = true
	for id, timer := range t.retryTimers {
		timer.Stop()
		delete(t.retryTimers, id)
	}
}

func (t *Tracker) transmit(ctx context.Context, pm *PendingMessage) error {
	f, err := transport.NewFrame(transport.TypeSendMessage, transport.SendMessage{
		LocalID:        pm.LocalID,
		ConversationID: pm.ConversationID,
		Content:        pm.Content,
		MessageType:    pm.MessageType,
	})
	if err != nil {
		return err
	}
	return t.sender.Send(ctx, f)
}

func (t *Tracker) markQueued(pm *PendingMessage) {
	err := t.queue.Enqueue(queue.Entry{
		LocalID:        pm.LocalID,
		ConversationID: pm.ConversationID,
		Content:        pm.Content,
		MessageType:    pm.MessageType,
		QueuedAt:       pm.CreatedAt.UnixMilli(),
	})
	if err != nil {
		t.logger.Error("failed to enqueue offline message", zap.String("local_id", pm.LocalID), zap.Error(err))
		t.setStatus(pm.LocalID, StatusFailed)
		t.publish("message.failed", pm.LocalID)
		return
	}
	t.setStatus(pm.LocalID, StatusQueued)
	t.publish("message.updated", pm.LocalID)
}

func (t *Tracker) setStatus(localID string, s Status) {
	t.mu.Lock()
	if pm, ok := t.pending[localID]; ok {
		pm.Status = s
	}
	t.mu.Unlock()
}

func (t *Tracker) snapshot(localID string) (PendingMessage, error) {
	pm, ok := t.Get(localID)
	if !ok {
		return PendingMessage{}, ErrUnknownMessage
	}
	return pm, nil
}

func (t *Tracker) publish(kind, localID string) {
	pm, ok := t.Get(localID)
	if !ok {
		return
	}
	t.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: pm})
}

// Package conn owns the transport connection lifecycle: connect,
// authenticate, heartbeat, failure detection, and reconnect with backoff.
// At most one live connection exists per session; every state transition
// goes through the status machine and is observable on the bus.
package conn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sanctum-app/chatsync/internal/auth"
	"github.com/sanctum-app/chatsync/internal/bus"
	"github.com/sanctum-app/chatsync/internal/status"
	"github.com/sanctum-app/chatsync/internal/transport"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by Send when no live connection exists.
var ErrNotConnected = errors.New("conn: not connected")

// Defaults for the reconnect/heartbeat policy.
const (
	DefaultBaseDelay         = time.Second
	DefaultMaxDelay          = 30 * time.Second
	DefaultMaxAttempts       = 5
	DefaultHeartbeatInterval = 30 * time.Second
)

// Options tunes the manager. Zero values take the defaults; tests shrink
// the intervals.
type Options struct {
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	MaxAttempts       int
	HeartbeatInterval time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.BaseDelay == 0 {
		out.BaseDelay = DefaultBaseDelay
	}
	if out.MaxDelay == 0 {
		out.MaxDelay = DefaultMaxDelay
	}
	if out.MaxAttempts == 0 {
		out.MaxAttempts = DefaultMaxAttempts
	}
	if out.HeartbeatInterval == 0 {
		out.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return out
}

// Manager maintains at most one live transport connection per session and
// recovers automatically from disconnection. Received frames are published
// on the bus under "transport.frame"; the router subscribes there.
type Manager struct {
	dialer     transport.Dialer
	identities auth.IdentitySource
	tickets    auth.TicketSource
	machine    *status.Machine
	bus        *bus.Bus
	logger     *zap.Logger
	opts       Options

	mu             sync.Mutex
	conn           transport.Conn
	loopCancel     context.CancelFunc
	reconnectTimer *time.Timer
	attempt        int
	lastPong       time.Time
	closed         bool
}

// NewManager creates a connection manager.
func NewManager(dialer transport.Dialer, identities auth.IdentitySource, tickets auth.TicketSource, machine *status.Machine, b *bus.Bus, logger *zap.Logger, opts Options) *Manager {
	return &Manager{
		dialer:     dialer,
		identities: identities,
		tickets:    tickets,
		machine:    machine,
		bus:        b,
		logger:     logger,
		opts:       opts.withDefaults(),
	}
}

// Connect establishes a connection on explicit user/startup action. It
// resets the reconnect attempt budget; the automatic reconnect path does
// not. Missing identity is a recoverable local condition: the manager
// logs and returns nil so a later sign-in can trigger a fresh Connect.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("conn: manager closed")
	}
	m.attempt = 0
	m.mu.Unlock()
	return m.connect(ctx)
}

func (m *Manager) connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed || m.conn != nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	identity, err := m.identities.CurrentIdentity()
	if err != nil {
		m.logger.Error("failed to read identity", zap.Error(err))
		return nil
	}
	if identity == nil {
		m.logger.Info("no identity available, skipping connect")
		return nil
	}

	if m.machine.Current() == status.Disconnected {
		_ = m.machine.Transition(status.Connecting)
	}

	ticket, err := m.tickets.Ticket(identity)
	if err != nil {
		m.logger.Warn("ticket fetch failed", zap.Error(err))
		m.connectFailed()
		return nil
	}

	c, err := m.dialer.Dial(ctx, ticket)
	if err != nil {
		m.logger.Warn("connect failed", zap.Error(err))
		m.connectFailed()
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	// The single-connection check ran before the ticket fetch and dial;
	// a concurrent connect may have won the race in the meantime. Keep
	// the established conn and discard this one.
	if m.closed || m.conn != nil {
		m.mu.Unlock()
		cancel()
		_ = c.Close()
		return nil
	}
	m.conn = c
	m.loopCancel = cancel
	m.attempt = 0
	m.mu.Unlock()

	_ = m.machine.Transition(status.Connected)
	m.logger.Info("connected", zap.String("user_id", identity.UserID))
	m.bus.Publish(bus.Event{Kind: "conn.connected", Timestamp: time.Now()})

	go m.readLoop(loopCtx, c)
	go m.heartbeatLoop(loopCtx, c)

	return nil
}

// connectFailed handles a failed open or handshake: back to Disconnected,
// then schedule a retry unless the attempt budget is spent.
func (m *Manager) connectFailed() {
	if cur := m.machine.Current(); cur == status.Connecting || cur == status.Reconnecting {
		_ = m.machine.Transition(status.Disconnected)
	}

	m.mu.Lock()
	attempt := m.attempt
	m.attempt++
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}

	if attempt >= m.opts.MaxAttempts {
		m.giveUp()
		return
	}
	m.scheduleReconnect(attempt)
}

// readLoop pumps inbound frames onto the bus until the transport fails.
// A malformed frame is logged and skipped; it never tears the loop down.
func (m *Manager) readLoop(ctx context.Context, c transport.Conn) {
	for {
		f, err := c.Receive(ctx)
		if errors.Is(err, transport.ErrMalformedFrame) {
			m.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		if err != nil {
			if ctx.Err() == nil {
				m.handleConnLost(err)
			}
			return
		}

		if f.Type == transport.TypePong {
			m.mu.Lock()
			m.lastPong = time.Now()
			m.mu.Unlock()
		}

		m.bus.Publish(bus.Event{
			Kind:      "transport.frame",
			Timestamp: time.Now(),
			Payload:   f,
		})
	}
}

// heartbeatLoop sends a ping every HeartbeatInterval while connected.
// Pongs are recorded but not independently timed out: a dead connection
// is detected by the transport's own close/error signal.
func (m *Manager) heartbeatLoop(ctx context.Context, c transport.Conn) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Send(ctx, transport.Frame{Type: transport.TypePing}); err != nil {
				m.logger.Warn("heartbeat send failed", zap.Error(err))
				return
			}
		}
	}
}

// handleConnLost reacts to a transport-level close/error on a live
// connection: tear down the loops, then reconnect with backoff.
func (m *Manager) handleConnLost(err error) {
	m.mu.Lock()
	if m.closed || m.conn == nil {
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	attempt := m.attempt
	m.attempt++
	m.mu.Unlock()

	m.logger.Warn("connection lost", zap.Error(err))
	m.bus.Publish(bus.Event{Kind: "conn.disconnected", Timestamp: time.Now()})

	if attempt >= m.opts.MaxAttempts {
		_ = m.machine.Transition(status.Disconnected)
		m.giveUp()
		return
	}
	_ = m.machine.Transition(status.Reconnecting)
	m.scheduleReconnect(attempt)
}

func (m *Manager) scheduleReconnect(attempt int) {
	delay := Backoff(attempt, m.opts.BaseDelay, m.opts.MaxDelay)
	m.logger.Info("reconnect scheduled",
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
	}
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}
		if m.machine.Current() == status.Disconnected {
			_ = m.machine.Transition(status.Reconnecting)
		}
		_ = m.connect(context.Background())
	})
	m.mu.Unlock()
}

// giveUp surfaces the terminal "connection lost" condition. No further
// automatic attempts; an explicit Connect still works.
func (m *Manager) giveUp() {
	m.logger.Error("reconnect attempts exhausted", zap.Int("max_attempts", m.opts.MaxAttempts))
	m.bus.Publish(bus.Event{Kind: "conn.lost", Timestamp: time.Now()})
}

// Send transmits a frame on the live connection.
func (m *Manager) Send(ctx context.Context, f transport.Frame) error {
	m.mu.Lock()
	c := m.conn
	m.mu.Unlock()
	if c == nil {
		return ErrNotConnected
	}
	return c.Send(ctx, f)
}

// Connected reports whether a live connection exists.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// LastPong returns the time the most recent heartbeat reply arrived.
func (m *Manager) LastPong() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPong
}

// SendTyping transmits a typing indicator for the given conversation.
func (m *Manager) SendTyping(ctx context.Context, conversationID, userID string, isTyping bool) error {
	f, err := transport.NewFrame(transport.TypeTypingIndicator, transport.TypingIndicator{
		ConversationID: conversationID,
		UserID:         userID,
		IsTyping:       isTyping,
	})
	if err != nil {
		return err
	}
	return m.Send(ctx, f)
}

// SendMarkRead acknowledges that a message was read.
func (m *Manager) SendMarkRead(ctx context.Context, conversationID, messageID string) error {
	f, err := transport.NewFrame(transport.TypeMarkRead, transport.MarkRead{
		ConversationID: conversationID,
		MessageID:      messageID,
	})
	if err != nil {
		return err
	}
	return m.Send(ctx, f)
}

// Close tears the manager down: the live connection is closed and every
// pending timer (heartbeat, reconnect) is cancelled so nothing fires
// against a dead session.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.teardownLocked()
	m.mu.Unlock()

	if cur := m.machine.Current(); cur != status.Disconnected {
		_ = m.machine.Transition(status.Disconnected)
	}
	m.logger.Info("connection manager closed")
}

// teardownLocked stops the read/heartbeat loops and closes the conn.
// Caller holds m.mu.
func (m *Manager) teardownLocked() {
	if m.loopCancel != nil {
		m.loopCancel()
		m.loopCancel = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}

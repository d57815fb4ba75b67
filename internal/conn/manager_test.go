package conn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sanctum-app/chatsync/internal/auth"
	"github.com/sanctum-app/chatsync/internal/bus"
	"github.com/sanctum-app/chatsync/internal/status"
	"github.com/sanctum-app/chatsync/internal/transport"
	"go.uber.org/zap"
)

// fakeConn is a scriptable transport connection.
type fakeConn struct {
	mu      sync.Mutex
	sent    []transport.Frame
	inbound chan receiveResult
	done    chan struct{}
	once    sync.Once
	sendErr error
}

type receiveResult struct {
	frame transport.Frame
	err   error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan receiveResult, 16),
		done:    make(chan struct{}),
	}
}

func (c *fakeConn) Send(_ context.Context, f transport.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, f)
	return nil
}

func (c *fakeConn) Receive(ctx context.Context) (transport.Frame, error) {
	select {
	case r := <-c.inbound:
		return r.frame, r.err
	case <-c.done:
		return transport.Frame{}, errors.New("connection closed")
	case <-ctx.Done():
		return transport.Frame{}, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// drop simulates the server closing the connection.
func (c *fakeConn) drop() {
	c.once.Do(func() { close(c.done) })
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *fakeConn) sentFrames() []transport.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]transport.Frame, len(c.sent))
	copy(out, c.sent)
	return out
}

// fakeDialer hands out fakeConns, optionally failing the first N dials.
// A non-nil gate holds every dial in flight until the gate is closed.
type fakeDialer struct {
	mu       sync.Mutex
	failures int
	dials    int
	conns    []*fakeConn
	gate     chan struct{}
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (transport.Conn, error) {
	d.mu.Lock()
	d.dials++
	fail := d.failures > 0
	if fail {
		d.failures--
	}
	gate := d.gate
	d.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if fail {
		return nil, errors.New("dial refused")
	}
	c := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) allConns() []*fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*fakeConn, len(d.conns))
	copy(out, d.conns)
	return out
}

type fakeIdentities struct{ id *auth.Identity }

func (f *fakeIdentities) CurrentIdentity() (*auth.Identity, error) { return f.id, nil }

type fakeTickets struct{ err error }

func (f *fakeTickets) Ticket(_ *auth.Identity) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "ticket-1", nil
}

func testManager(t *testing.T, dialer transport.Dialer, opts Options) (*Manager, *bus.Bus, *status.Machine) {
	t.Helper()
	b := bus.New()
	machine := status.NewMachine(b)
	logger, _ := zap.NewDevelopment()
	m := NewManager(dialer,
		&fakeIdentities{id: &auth.Identity{UserID: "u1", Token: "tok"}},
		&fakeTickets{}, machine, b, logger, opts)
	t.Cleanup(m.Close)
	return m, b, machine
}

func waitEvent(t *testing.T, ch <-chan bus.Event, kind string) bus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s event", kind)
		}
	}
}

func TestConnectSuccess(t *testing.T) {
	d := &fakeDialer{}
	m, b, machine := testManager(t, d, Options{})

	ch, unsub := b.Subscribe("conn.connected", 10)
	defer unsub()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	waitEvent(t, ch, "conn.connected")
	if machine.Current() != status.Connected {
		t.Errorf("state = %s, want CONNECTED", machine.Current())
	}
	if !m.Connected() {
		t.Error("Connected() = false, want true")
	}
	if d.dialCount() != 1 {
		t.Errorf("dials = %d, want 1", d.dialCount())
	}
}

// TestConnectWithoutIdentity verifies a missing identity is a recoverable
// local condition: no dial, no error, state untouched.
func TestConnectWithoutIdentity(t *testing.T) {
	d := &fakeDialer{}
	b := bus.New()
	machine := status.NewMachine(b)
	logger, _ := zap.NewDevelopment()
	m := NewManager(d, &fakeIdentities{id: nil}, &fakeTickets{}, machine, b, logger, Options{})
	defer m.Close()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if d.dialCount() != 0 {
		t.Errorf("dials = %d, want 0", d.dialCount())
	}
	if machine.Current() != status.Disconnected {
		t.Errorf("state = %s, want DISCONNECTED", machine.Current())
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	m, _, _ := testManager(t, &fakeDialer{}, Options{})
	err := m.Send(context.Background(), transport.Frame{Type: transport.TypePing})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}
}

// TestConcurrentConnectKeepsSingleConn races two connect calls past the
// pre-dial single-connection check; the loser must discard its dial result
// instead of overwriting the established connection.
func TestConcurrentConnectKeepsSingleConn(t *testing.T) {
	d := &fakeDialer{gate: make(chan struct{})}
	m, b, machine := testManager(t, d, Options{})

	ch, unsub := b.Subscribe("conn.connected", 10)
	defer unsub()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Connect(context.Background())
		}()
	}

	// Wait until both dials are in flight, then release them together.
	deadline := time.Now().Add(2 * time.Second)
	for d.dialCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for both dials to start")
		}
		time.Sleep(2 * time.Millisecond)
	}
	close(d.gate)
	wg.Wait()

	waitEvent(t, ch, "conn.connected")
	if machine.Current() != status.Connected {
		t.Errorf("state = %s, want CONNECTED", machine.Current())
	}
	if !m.Connected() {
		t.Error("Connected() = false, want true")
	}

	open := 0
	for _, c := range d.allConns() {
		if !c.isClosed() {
			open++
		}
	}
	if open != 1 {
		t.Errorf("live connections = %d, want exactly 1", open)
	}
}

// TestReconnectAfterDrop drops the live connection and verifies the
// manager transitions through RECONNECTING and dials again.
func TestReconnectAfterDrop(t *testing.T) {
	d := &fakeDialer{}
	m, b, machine := testManager(t, d, Options{BaseDelay: 20 * time.Millisecond})

	connectedCh, unsub := b.Subscribe("conn.connected", 10)
	defer unsub()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, connectedCh, "conn.connected")

	d.lastConn().drop()

	// Second conn.connected event proves the automatic reconnect worked.
	waitEvent(t, connectedCh, "conn.connected")
	if machine.Current() != status.Connected {
		t.Errorf("state = %s, want CONNECTED after reconnect", machine.Current())
	}
	if d.dialCount() != 2 {
		t.Errorf("dials = %d, want 2", d.dialCount())
	}
}

// TestExhaustedAttemptsAreTerminal verifies that once the attempt budget
// is spent the manager publishes conn.lost, ends in DISCONNECTED, and
// schedules nothing further.
func TestExhaustedAttemptsAreTerminal(t *testing.T) {
	d := &fakeDialer{failures: 100}
	m, b, machine := testManager(t, d, Options{
		BaseDelay:   5 * time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		MaxAttempts: 2,
	})

	lostCh, unsub := b.Subscribe("conn.lost", 10)
	defer unsub()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitEvent(t, lostCh, "conn.lost")
	if machine.Current() != status.Disconnected {
		t.Errorf("state = %s, want DISCONNECTED", machine.Current())
	}

	// Initial dial plus MaxAttempts retries, then nothing more.
	dials := d.dialCount()
	time.Sleep(100 * time.Millisecond)
	if d.dialCount() != dials {
		t.Errorf("dials kept growing after terminal failure: %d -> %d", dials, d.dialCount())
	}
}

// TestCloseCancelsReconnectTimer verifies no reconnect fires against a
// torn-down manager.
func TestCloseCancelsReconnectTimer(t *testing.T) {
	d := &fakeDialer{failures: 100}
	b := bus.New()
	machine := status.NewMachine(b)
	logger, _ := zap.NewDevelopment()
	m := NewManager(d,
		&fakeIdentities{id: &auth.Identity{UserID: "u1", Token: "tok"}},
		&fakeTickets{}, machine, b, logger,
		Options{BaseDelay: 50 * time.Millisecond, MaxAttempts: 5})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	dialsBefore := d.dialCount()

	m.Close()
	time.Sleep(200 * time.Millisecond)

	if d.dialCount() != dialsBefore {
		t.Errorf("dials after Close = %d, want %d (timer should be cancelled)", d.dialCount(), dialsBefore)
	}
	if machine.Current() != status.Disconnected {
		t.Errorf("state = %s, want DISCONNECTED", machine.Current())
	}
}

func TestHeartbeatSendsPing(t *testing.T) {
	d := &fakeDialer{}
	m, b, _ := testManager(t, d, Options{HeartbeatInterval: 20 * time.Millisecond})

	ch, unsub := b.Subscribe("conn.connected", 10)
	defer unsub()
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, ch, "conn.connected")

	time.Sleep(100 * time.Millisecond)

	pings := 0
	for _, f := range d.lastConn().sentFrames() {
		if f.Type == transport.TypePing {
			pings++
		}
	}
	if pings < 2 {
		t.Errorf("pings = %d, want >= 2", pings)
	}
}

// TestMalformedFrameDoesNotKillLoop delivers a malformed frame followed by
// a good one; the good frame must still reach the bus and the connection
// must stay up.
func TestMalformedFrameDoesNotKillLoop(t *testing.T) {
	d := &fakeDialer{}
	m, b, machine := testManager(t, d, Options{})

	connectedCh, unsubC := b.Subscribe("conn.connected", 10)
	defer unsubC()
	frameCh, unsubF := b.Subscribe("transport.frame", 10)
	defer unsubF()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, connectedCh, "conn.connected")

	c := d.lastConn()
	c.inbound <- receiveResult{err: transport.ErrMalformedFrame}
	c.inbound <- receiveResult{frame: transport.Frame{Type: transport.TypeBookingUpdate}}

	evt := waitEvent(t, frameCh, "transport.frame")
	f, ok := evt.Payload.(transport.Frame)
	if !ok || f.Type != transport.TypeBookingUpdate {
		t.Errorf("frame payload = %+v, want booking_update", evt.Payload)
	}
	if machine.Current() != status.Connected {
		t.Errorf("state = %s, want CONNECTED (malformed frame must not disconnect)", machine.Current())
	}
}

func TestPongRecorded(t *testing.T) {
	d := &fakeDialer{}
	m, b, _ := testManager(t, d, Options{})

	connectedCh, unsub := b.Subscribe("conn.connected", 10)
	defer unsub()
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, connectedCh, "conn.connected")

	if !m.LastPong().IsZero() {
		t.Fatal("LastPong should start zero")
	}
	d.lastConn().inbound <- receiveResult{frame: transport.Frame{Type: transport.TypePong}}

	deadline := time.Now().Add(time.Second)
	for m.LastPong().IsZero() {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for pong to be recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

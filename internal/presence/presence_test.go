package presence

import (
	"testing"
	"time"

	"github.com/sanctum-app/chatsync/internal/bus"
)

// testTracker uses a short TTL so expiry tests run fast.
func testTracker(b *bus.Bus) *Tracker {
	t := NewTracker(b)
	t.ttl = 100 * time.Millisecond
	return t
}

func TestObserveAndQuery(t *testing.T) {
	tr := testTracker(nil)
	defer tr.Dispose()

	tr.Observe("c1", "u1")
	tr.Observe("c1", "u2")
	tr.Observe("c2", "u3")

	typing := tr.Typing("c1")
	if len(typing) != 2 {
		t.Errorf("Typing(c1) = %v, want 2 users", typing)
	}
	if !tr.IsTyping("c1", "u1") {
		t.Error("IsTyping(c1, u1) = false, want true")
	}
	if tr.IsTyping("c2", "u1") {
		t.Error("IsTyping(c2, u1) = true, want false")
	}
}

func TestEntryExpires(t *testing.T) {
	tr := testTracker(nil)
	defer tr.Dispose()

	tr.Observe("c1", "u1")
	if !tr.IsTyping("c1", "u1") {
		t.Fatal("entry should be live immediately after Observe")
	}

	// A hair past the TTL the entry must be gone.
	time.Sleep(tr.ttl + 30*time.Millisecond)
	if tr.IsTyping("c1", "u1") {
		t.Error("entry still visible after TTL")
	}
	if got := tr.Typing("c1"); len(got) != 0 {
		t.Errorf("Typing(c1) = %v, want empty", got)
	}
}

// TestRefreshReplacesTimer verifies a refresh extends the lifetime instead
// of letting the original timer fire.
func TestRefreshReplacesTimer(t *testing.T) {
	tr := testTracker(nil)
	defer tr.Dispose()

	tr.Observe("c1", "u1")
	time.Sleep(60 * time.Millisecond)
	tr.Observe("c1", "u1") // refresh before the first timer fires

	// Past the original expiry, but within the refreshed window.
	time.Sleep(60 * time.Millisecond)
	if !tr.IsTyping("c1", "u1") {
		t.Error("refreshed entry expired on the original timer")
	}

	time.Sleep(tr.ttl)
	if tr.IsTyping("c1", "u1") {
		t.Error("entry still visible after refreshed TTL")
	}
}

func TestExplicitStop(t *testing.T) {
	b := bus.New()
	tr := testTracker(b)
	defer tr.Dispose()

	ch, unsub := b.Subscribe("presence.", 10)
	defer unsub()

	tr.Observe("c1", "u1")
	<-ch // typing=true event

	tr.Stop("c1", "u1")
	if tr.IsTyping("c1", "u1") {
		t.Error("entry visible after explicit Stop")
	}

	select {
	case evt := <-ch:
		change, ok := evt.Payload.(Change)
		if !ok || change.IsTyping {
			t.Errorf("payload = %+v, want IsTyping=false", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for presence.changed event")
	}
}

func TestStopUnknownIsNoop(t *testing.T) {
	b := bus.New()
	tr := testTracker(b)
	defer tr.Dispose()

	ch, unsub := b.Subscribe("presence.", 10)
	defer unsub()

	tr.Stop("c1", "unknown")

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: no event for an absent entry.
	}
}

// TestDisposeCancelsTimers verifies no expiry event fires after Dispose.
func TestDisposeCancelsTimers(t *testing.T) {
	b := bus.New()
	tr := testTracker(b)

	tr.Observe("c1", "u1")

	ch, unsub := b.Subscribe("presence.", 10)
	defer unsub()

	tr.Dispose()

	select {
	case evt := <-ch:
		t.Errorf("event after Dispose: %v", evt)
	case <-time.After(tr.ttl + 50*time.Millisecond):
		// Expected: timers were cancelled.
	}

	// Observe after Dispose is ignored.
	tr.Observe("c1", "u2")
	if tr.IsTyping("c1", "u2") {
		t.Error("Observe after Dispose should be ignored")
	}
}

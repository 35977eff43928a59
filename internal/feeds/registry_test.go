package feeds

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

func newTestRegistry(maxPerIP int, clk clock.Clock) *Registry {
	return NewRegistry(maxPerIP, testFlushEvery, clk, zap.NewNop(), nil)
}

// TestRegistryConnectionCap checks the per-address cap rejects the overflow
// connection and frees a slot on unregister.
func TestRegistryConnectionCap(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(2, clock.NewMock())

	if err := r.Register("10.0.0.1"); err != nil {
		t.Fatalf("first Register() error = %v", err)
	}
	if err := r.Register("10.0.0.1"); err != nil {
		t.Fatalf("second Register() error = %v", err)
	}
	if err := r.Register("10.0.0.1"); !errors.Is(err, ErrConnectionLimit) {
		t.Fatalf("third Register() error = %v, want ErrConnectionLimit", err)
	}

	// A different address is unaffected by the full one.
	if err := r.Register("10.0.0.2"); err != nil {
		t.Errorf("Register() for another address error = %v", err)
	}

	r.Unregister("10.0.0.1")
	if err := r.Register("10.0.0.1"); err != nil {
		t.Errorf("Register() after freeing a slot error = %v", err)
	}
}

// TestRegistryUnregisterRemovesZeroedCounters checks the counter map does not
// accumulate entries for departed addresses.
func TestRegistryUnregisterRemovesZeroedCounters(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(4, clock.NewMock())

	r.Register("10.0.0.1")
	r.Register("10.0.0.2")
	if got := r.UniqueIPCount(); got != 2 {
		t.Fatalf("UniqueIPCount() = %d, want 2", got)
	}

	r.Unregister("10.0.0.1")
	if got := r.UniqueIPCount(); got != 1 {
		t.Errorf("UniqueIPCount() = %d after Unregister, want 1", got)
	}
}

// TestRegistryGetOrCreate checks feeds are created once and shared.
func TestRegistryGetOrCreate(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(4, clock.NewMock())

	if r.Get(42) != nil {
		t.Fatal("Get() != nil before creation")
	}

	f1 := r.GetOrCreate(42)
	f2 := r.GetOrCreate(42)
	if f1 != f2 {
		t.Error("GetOrCreate() returned distinct feeds for one thread")
	}
	if got := r.FeedCount(); got != 1 {
		t.Errorf("FeedCount() = %d, want 1", got)
	}
	if got := r.Get(42); got != f1 {
		t.Error("Get() did not return the created feed")
	}
}

// TestRegistrySubscribeUnsubscribe checks subscription moves the client into
// the feed and that unsubscribing leaves the empty feed for the sweeper.
func TestRegistrySubscribeUnsubscribe(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	r := newTestRegistry(4, clk)

	c := NewClient(newFakeConn(), "10.0.0.1", testLimits(), clk)
	defer c.Close()
	r.Track(c)

	feed := r.Subscribe(c, 42)
	if got := feed.ClientCount(); got != 1 {
		t.Fatalf("ClientCount() = %d after Subscribe, want 1", got)
	}
	if got := r.ConnectionCount(); got != 1 {
		t.Errorf("ConnectionCount() = %d, want 1", got)
	}

	r.Unsubscribe(c, 42)
	if got := feed.ClientCount(); got != 0 {
		t.Errorf("ClientCount() = %d after Unsubscribe, want 0", got)
	}
	if r.Get(42) == nil {
		t.Error("empty feed destroyed on Unsubscribe, eviction belongs to the sweeper")
	}
	if feed.IdleSince().IsZero() {
		t.Error("IdleSince() zero after the last unsubscribe")
	}

	r.Untrack(c)
	if got := r.ConnectionCount(); got != 0 {
		t.Errorf("ConnectionCount() = %d after Untrack, want 0", got)
	}
}

// TestRegistryUnsubscribeUnsynced checks unsubscribing an unsynced client is
// a no-op.
func TestRegistryUnsubscribeUnsynced(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	r := newTestRegistry(4, clk)
	c := NewClient(newFakeConn(), "10.0.0.1", testLimits(), clk)
	defer c.Close()

	r.Unsubscribe(c, 0)
	r.Unsubscribe(c, 42)
	if got := r.FeedCount(); got != 0 {
		t.Errorf("FeedCount() = %d, want 0", got)
	}
}

// TestRegistryRemove checks removal destroys the feed.
func TestRegistryRemove(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(4, clock.NewMock())
	f := r.GetOrCreate(42)
	f.QueueText("34")

	r.Remove(42)
	if r.Get(42) != nil {
		t.Error("Get() != nil after Remove")
	}
	if got := f.buf.Len(); got != 0 {
		t.Errorf("removed feed still buffers %d messages", got)
	}

	// Removing an unknown thread is harmless.
	r.Remove(43)
}

// TestRegistryIdleTimer ensures a feed that loses and regains a subscriber
// does not keep a stale idle timestamp.
func TestRegistryIdleTimer(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	r := newTestRegistry(4, clk)
	c := NewClient(newFakeConn(), "10.0.0.1", testLimits(), clk)
	defer c.Close()

	feed := r.Subscribe(c, 42)
	r.Unsubscribe(c, 42)
	clk.Add(time.Minute)
	r.Subscribe(c, 42)

	if !feed.IdleSince().IsZero() {
		t.Error("IdleSince() not cleared on resubscribe")
	}
}

package feeds

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ashchan/livefeed"
)

const testFlushEvery = 100 * time.Millisecond

func newTestFeed(clk clock.Clock) *Feed {
	return NewFeed(42, testFlushEvery, clk, zap.NewNop(), nil)
}

// TestFeedBroadcastBinary checks that binary frames fan out to every
// subscriber immediately, without waiting for a flush tick.
func TestFeedBroadcastBinary(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	f := newTestFeed(clk)

	fc1, fc2 := newFakeConn(), newFakeConn()
	c1 := NewClient(fc1, "10.0.0.1", testLimits(), clk)
	c2 := NewClient(fc2, "10.0.0.2", testLimits(), clk)
	defer c1.Close()
	defer c2.Close()
	f.AddClient(c1)
	f.AddClient(c2)

	data := []byte{0x41, 0x02}
	f.BroadcastBinary(data)

	for _, fc := range []*fakeConn{fc1, fc2} {
		fr := fc.waitFrame(t)
		if fr.messageType != websocket.BinaryMessage {
			t.Errorf("message type = %d, want %d", fr.messageType, websocket.BinaryMessage)
		}
		if string(fr.data) != string(data) {
			t.Errorf("frame = %v, want %v", fr.data, data)
		}
	}
}

// TestFeedFlushSingle checks that a lone buffered message goes out unmodified
// on the next tick.
func TestFeedFlushSingle(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	f := newTestFeed(clk)

	fc := newFakeConn()
	c := NewClient(fc, "10.0.0.1", testLimits(), clk)
	defer c.Close()
	f.AddClient(c)

	msg := `01{"id":1}`
	f.QueueText(msg)
	clk.Add(testFlushEvery)

	if got := string(fc.waitFrame(t).data); got != msg {
		t.Errorf("frame = %q, want %q", got, msg)
	}
}

// TestFeedFlushBatches checks that several messages buffered within one flush
// window leave as a single concat frame.
func TestFeedFlushBatches(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	f := newTestFeed(clk)

	fc := newFakeConn()
	c := NewClient(fc, "10.0.0.1", testLimits(), clk)
	defer c.Close()
	f.AddClient(c)

	f.QueueText(`01{"id":1}`)
	f.QueueText(`05{"id":1}`)
	clk.Add(testFlushEvery)

	want := `33["01{\"id\":1}","05{\"id\":1}"]`
	fr := fc.waitFrame(t)
	if fr.messageType != websocket.TextMessage {
		t.Errorf("message type = %d, want %d", fr.messageType, websocket.TextMessage)
	}
	if got := string(fr.data); got != want {
		t.Errorf("frame = %q, want %q", got, want)
	}
}

// TestFeedFlushStopsWhenEmpty checks that the tick winds down after an empty
// flush and restarts on the next queued message.
func TestFeedFlushStopsWhenEmpty(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	f := newTestFeed(clk)

	fc := newFakeConn()
	c := NewClient(fc, "10.0.0.1", testLimits(), clk)
	defer c.Close()
	f.AddClient(c)

	f.QueueText("34")
	clk.Add(testFlushEvery)
	fc.waitFrame(t)

	// One more tick against an empty buffer stops the ticker.
	clk.Add(testFlushEvery)
	waitFor(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.ticker == nil
	})

	f.QueueText("34")
	clk.Add(testFlushEvery)
	if got := string(fc.waitFrame(t).data); got != "34" {
		t.Errorf("frame after restart = %q, want %q", got, "34")
	}
}

// TestFeedIdleSince checks the idle timestamp flips on the last unsubscribe
// and clears on the next subscribe.
func TestFeedIdleSince(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	f := newTestFeed(clk)

	c := NewClient(newFakeConn(), "10.0.0.1", testLimits(), clk)
	defer c.Close()

	if !f.IdleSince().IsZero() {
		t.Error("IdleSince() != zero on a fresh feed")
	}

	f.AddClient(c)
	if empty := f.RemoveClient(c); !empty {
		t.Fatal("RemoveClient() = false for the last subscriber")
	}
	if got := f.IdleSince(); !got.Equal(clk.Now()) {
		t.Errorf("IdleSince() = %v, want %v", got, clk.Now())
	}

	f.AddClient(c)
	if !f.IdleSince().IsZero() {
		t.Error("IdleSince() not cleared by AddClient")
	}
}

// TestFeedPrunesDeadClients checks that a subscriber whose connection has
// closed is dropped during broadcast and the feed goes idle.
func TestFeedPrunesDeadClients(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	f := newTestFeed(clk)

	c := NewClient(newFakeConn(), "10.0.0.1", testLimits(), clk)
	f.AddClient(c)
	c.Close()

	f.BroadcastText("34")
	if got := f.ClientCount(); got != 0 {
		t.Errorf("ClientCount() = %d after pruning, want 0", got)
	}
	if f.IdleSince().IsZero() {
		t.Error("IdleSince() zero after pruning the last subscriber")
	}
}

// TestFeedSyncStateSnapshot checks the snapshot content and its stable open
// post ordering.
func TestFeedSyncStateSnapshot(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	f := newTestFeed(clk)

	c1 := NewClient(newFakeConn(), "10.0.0.1", testLimits(), clk)
	c2 := NewClient(newFakeConn(), "10.0.0.1", testLimits(), clk)
	defer c1.Close()
	defer c2.Close()
	f.AddClient(c1)
	f.AddClient(c2)

	f.UpdateOpenBody(9, "later")
	f.UpdateOpenBody(3, "earlier")

	state := f.SyncStateSnapshot()
	if state.Clients != 2 {
		t.Errorf("Clients = %d, want 2", state.Clients)
	}
	if state.ActiveIPs != 1 {
		t.Errorf("ActiveIPs = %d, want 1", state.ActiveIPs)
	}
	if len(state.OpenPosts) != 2 {
		t.Fatalf("len(OpenPosts) = %d, want 2", len(state.OpenPosts))
	}
	if state.OpenPosts[0].ID != 3 || state.OpenPosts[1].ID != 9 {
		t.Errorf("OpenPosts not sorted by id: %+v", state.OpenPosts)
	}

	f.RemoveOpenBody(3)
	if got := len(f.SyncStateSnapshot().OpenPosts); got != 1 {
		t.Errorf("len(OpenPosts) = %d after RemoveOpenBody, want 1", got)
	}
}

// TestFeedDestroy checks that a destroyed feed drops buffered messages and
// ignores further queueing.
func TestFeedDestroy(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	f := newTestFeed(clk)

	f.QueueText("34")
	f.Destroy()

	if got := f.buf.Len(); got != 0 {
		t.Errorf("buffer length = %d after Destroy, want 0", got)
	}

	f.QueueText("34")
	if got := f.buf.Len(); got != 0 {
		t.Errorf("buffer length = %d after queueing on a destroyed feed, want 0", got)
	}
	f.mu.Lock()
	tickerRunning := f.ticker != nil
	f.mu.Unlock()
	if tickerRunning {
		t.Error("flush ticker running on a destroyed feed")
	}
}

func testLimits() livefeed.LimitsConfig { return livefeed.LimitsConfig{} }

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
